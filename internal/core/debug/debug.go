// Package debug spins off the optional introspection utilities: a pprof
// server and verbose dumps of per-connection handshake state.
package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/vigil-remote/vigil/internal/core"
	"github.com/vigil-remote/vigil/internal/handshake"
)

// StartPprofServer starts the default pprof HTTP server that can be accessed
// via localhost to get runtime information about the server.
// See https://golang.org/pkg/net/http/pprof/
func StartPprofServer(cfg *core.Config, logger *logrus.Logger) {
	listenerAddr := fmt.Sprintf("localhost:%d", cfg.Debugging.PprofPort)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}

var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// DumpClientState writes a full dump of a connection's handshake state record
// to the debug log. Only useful with handshake logging enabled; the output is
// far too chatty for normal operation.
func DumpClientState(logger *logrus.Logger, c *handshake.Client) {
	logger.Debugf("handshake state for %s (phase=%s):\n%s",
		c.HostAddress, c.Phase(), dumper.Sdump(c))
}
