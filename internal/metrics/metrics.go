// Package metrics exposes the server's Prometheus instrumentation. All
// metrics register against the default registry; Serve publishes them over
// HTTP when metrics are enabled in the config.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "vigil"

var (
	// ActiveConnections tracks sockets currently held open, whatever their
	// handshake phase.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of currently open client connections",
	})

	// HandshakesStarted counts accepted connections that received the
	// version banner.
	HandshakesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshakes_started_total",
		Help:      "Total number of handshakes started",
	})

	// HandshakesCompleted counts connections that reached the running phase.
	HandshakesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshakes_completed_total",
		Help:      "Total number of handshakes that reached the running phase",
	})

	// HandshakeFailures counts connections dropped before running, labeled
	// with the phase they died in.
	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_failures_total",
		Help:      "Total number of connections dropped before completing the handshake",
	}, []string{"phase"})

	// AuthAttempts counts authentication outcomes per method.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_attempts_total",
		Help:      "Total number of authentication attempts",
	}, []string{"method", "outcome"})
)

// Serve starts the metrics HTTP endpoint on the given port. It returns
// immediately; serving errors are logged, not fatal.
func Serve(logger *logrus.Logger, port int) {
	addr := fmt.Sprintf(":%d", port)
	logger.Infof("serving metrics on %s/metrics", addr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warnf("metrics server exited: %v", err)
		}
	}()
}
