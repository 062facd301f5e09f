// Package auth implements the authentication collaborator consumed by the
// handshake state machine: a Manager that advertises the configured methods
// and routes negotiation messages to the backend matching the client's
// choice.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vigil-remote/vigil/internal/handshake"
	"github.com/vigil-remote/vigil/internal/metrics"
	"github.com/vigil-remote/vigil/internal/proto"
)

var (
	ErrInvalidCredentials = errors.New("username/password combination not found")
	ErrAccountBanned      = errors.New("this account has been suspended")
	ErrInvalidToken       = errors.New("unknown or expired token")
)

// Backend verifies credentials for a single authentication method. A backend
// owns its side of the negotiation: it consumes the client's variant
// messages, may send messages of its own, and reports the outcome through
// the client's AuthState.
type Backend interface {
	Method() proto.AuthMethod
	ProcessMessage(c *handshake.Client, msg *proto.VariantMessage) error
}

// Manager is the handshake.Authenticator implementation. The advertised
// method order is the configured order; AuthNone carries no backend since
// the state machine short-circuits it.
type Manager struct {
	logger   *logrus.Logger
	methods  []proto.AuthMethod
	backends map[proto.AuthMethod]Backend
}

func NewManager(logger *logrus.Logger, methods []proto.AuthMethod, backends ...Backend) *Manager {
	m := &Manager{
		logger:   logger,
		methods:  methods,
		backends: make(map[proto.AuthMethod]Backend),
	}
	for _, b := range backends {
		m.backends[b.Method()] = b
	}
	return m
}

// Methods returns the ordered set of advertised authentication methods.
func (m *Manager) Methods() []proto.AuthMethod { return m.methods }

// ProcessMessage consumes one negotiation message for the client's chosen
// method and advances its AuthState.
func (m *Manager) ProcessMessage(c *handshake.Client, msg *proto.VariantMessage) error {
	backend, ok := m.backends[c.AuthMethod]
	if !ok {
		c.SetAuthState(handshake.AuthFinishedFail)
		return fmt.Errorf("no backend registered for auth method %s", c.AuthMethod)
	}

	if c.AuthState() == handshake.AuthNotStarted {
		c.SetAuthState(handshake.AuthInProgress)
	}

	err := backend.ProcessMessage(c, msg)

	switch c.AuthState() {
	case handshake.AuthFinishedSuccess:
		metrics.AuthAttempts.WithLabelValues(c.AuthMethod.String(), "success").Inc()
	case handshake.AuthFinishedFail:
		metrics.AuthAttempts.WithLabelValues(c.AuthMethod.String(), "failure").Inc()
	}

	return err
}

// HashPassword returns the hex-encoded sha256 digest used for passwords at
// rest.
func HashPassword(password string) string {
	hash := sha256.New()
	hash.Write([]byte(password))
	return hex.EncodeToString(hash.Sum(nil))
}
