package handshake

import (
	"sync/atomic"

	"github.com/vigil-remote/vigil/internal/proto"
)

// Phase is a connection's position within the handshake. Phases only ever
// advance except for AccessControl, which may be revisited while a decision
// is outstanding.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseProtocol
	PhaseSecurityInit
	PhaseAuthMethods
	PhaseAuthenticating
	PhaseAccessControl
	PhaseFramebufferInit
	PhaseRunning
	PhaseClose
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "Disconnected"
	case PhaseProtocol:
		return "Protocol"
	case PhaseSecurityInit:
		return "SecurityInit"
	case PhaseAuthMethods:
		return "AuthMethods"
	case PhaseAuthenticating:
		return "Authenticating"
	case PhaseAccessControl:
		return "AccessControl"
	case PhaseFramebufferInit:
		return "FramebufferInit"
	case PhaseRunning:
		return "Running"
	case PhaseClose:
		return "Close"
	}
	return "Invalid"
}

// AccessState is the access-control sub-state, only meaningful while the
// phase is AccessControl.
type AccessState int32

const (
	AccessInit AccessState = iota
	AccessWaiting
	AccessPending
	AccessSuccessful
	AccessFailed
)

func (s AccessState) String() string {
	switch s {
	case AccessInit:
		return "Init"
	case AccessWaiting:
		return "Waiting"
	case AccessPending:
		return "Pending"
	case AccessSuccessful:
		return "Successful"
	case AccessFailed:
		return "Failed"
	}
	return "Invalid"
}

// AuthState tracks the authentication collaborator's progress. It is mutated
// only by the Authenticator.
type AuthState int

const (
	AuthNotStarted AuthState = iota
	AuthInProgress
	AuthFinishedSuccess
	AuthFinishedFail
)

func (s AuthState) String() string {
	switch s {
	case AuthNotStarted:
		return "NotStarted"
	case AuthInProgress:
		return "InProgress"
	case AuthFinishedSuccess:
		return "FinishedSuccess"
	case AuthFinishedFail:
		return "FinishedFail"
	}
	return "Invalid"
}

// Transport is the non-blocking byte stream a connection runs over. Reads
// only ever consume bytes that have already arrived; Read fails when fewer
// than n bytes are buffered instead of blocking.
//
// The handshake borrows the transport; the connection's owner is responsible
// for its lifetime.
type Transport interface {
	Available() int
	Peek(n int) ([]byte, error)
	Read(n int) ([]byte, error)
	Write(p []byte) error
	Close() error
	Closed() bool
	RemoteAddr() string
}

// Client is the per-connection state record. One is created per accepted
// socket and dropped with it; nothing survives a reconnect.
type Client struct {
	transport Transport

	phase Phase
	// accessState is the only field touched from outside the connection's
	// event loop (the access controller's worker advances it), hence atomic.
	accessState int32
	authState   AuthState

	// AuthMethod, Username and HostAddress are captured during auth-method
	// negotiation and immutable afterwards.
	AuthMethod  proto.AuthMethod
	Username    string
	HostAddress string

	serverInit []byte
}

func NewClient(t Transport) *Client {
	return &Client{transport: t}
}

func (c *Client) Transport() Transport { return c.transport }

func (c *Client) Phase() Phase     { return c.phase }
func (c *Client) setPhase(p Phase) { c.phase = p }

func (c *Client) AccessState() AccessState {
	return AccessState(atomic.LoadInt32(&c.accessState))
}

// SetAccessState is called by the access-control collaborator.
func (c *Client) SetAccessState(s AccessState) {
	atomic.StoreInt32(&c.accessState, int32(s))
}

func (c *Client) AuthState() AuthState { return c.authState }

// SetAuthState is called by the authentication collaborator.
func (c *Client) SetAuthState(s AuthState) { c.authState = s }

// SetServerInit hands the pre-serialized ServerInit blob to the connection.
// It must be populated before the handshake reaches FramebufferInit; the
// state machine treats it as opaque.
func (c *Client) SetServerInit(blob []byte) { c.serverInit = blob }

func (c *Client) ServerInit() []byte { return c.serverInit }
