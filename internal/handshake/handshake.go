// Package handshake implements the server side of the RFB connection
// negotiation: protocol version exchange, security type selection, extended
// auth negotiation, access control and framebuffer initialization. It owns
// nothing beyond the per-connection state record; the transport, the
// authentication backends and the access-control decision engine are all
// borrowed collaborators.
package handshake

import (
	"encoding/binary"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/vigil-remote/vigil/internal/proto"
)

// Every handshake violation is connection-fatal: the transport is closed and
// the client observes nothing beyond the closure.
var (
	ErrMalformedBanner         = errors.New("malformed protocol version banner")
	ErrUnsupportedSecurityType = errors.New("client chose an unsupported security type")
	ErrUnsupportedAuthMethod   = errors.New("client chose an unsupported authentication method")
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrAccessDenied            = errors.New("access control denied the connection")
)

// Authenticator is the authentication collaborator. ProcessMessage consumes
// one negotiation message, advances the client's AuthState and may write
// further variant messages of its own; the state machine never interprets
// the auth protocol itself.
type Authenticator interface {
	Methods() []proto.AuthMethod
	ProcessMessage(c *Client, msg *proto.VariantMessage) error
}

// AccessController is the access-control collaborator. AddClient is an
// idempotent enqueue; the decision arrives later through an out-of-band
// notification delivered to FinishAccessControl by the connection's owner.
type AccessController interface {
	AddClient(c *Client)
}

// Protocol drives one connection's state record through the handshake. It is
// not safe for concurrent use: all entry points must be invoked from the
// connection's event loop.
type Protocol struct {
	client *Client
	auth   Authenticator
	access AccessController
	logger *logrus.Logger
}

func NewProtocol(client *Client, auth Authenticator, access AccessController, logger *logrus.Logger) *Protocol {
	return &Protocol{
		client: client,
		auth:   auth,
		access: access,
		logger: logger,
	}
}

func (p *Protocol) Client() *Client { return p.client }

// Start writes the server's protocol version banner and begins the
// handshake. It only acts while the connection is still in Disconnected;
// calling it again later is a no-op.
func (p *Protocol) Start() {
	if p.client.Phase() != PhaseDisconnected {
		return
	}

	if err := p.client.transport.Write(proto.VersionBanner()); err != nil {
		p.closeFatal(err)
		return
	}
	p.client.setPhase(PhaseProtocol)
}

// Read makes at most one step of progress with the bytes currently buffered
// on the transport. It returns true when a phase transition occurred, in
// which case the caller must invoke Read again immediately: a single
// transport event can deliver bytes spanning several phases. False means no
// progress was possible and the caller should wait for the next event.
func (p *Protocol) Read() bool {
	switch p.client.Phase() {
	case PhaseProtocol:
		return p.readProtocol()
	case PhaseSecurityInit:
		return p.receiveSecurityType()
	case PhaseAuthMethods:
		return p.receiveAuthMethod()
	case PhaseAuthenticating:
		return p.receiveAuthMessage()
	case PhaseAccessControl:
		return p.processAccessControl()
	case PhaseFramebufferInit:
		return p.processFramebufferInit()
	case PhaseClose:
		p.logger.Debugf("closing connection to %s per protocol state", p.client.transport.RemoteAddr())
		_ = p.client.transport.Close()
		return false
	case PhaseDisconnected, PhaseRunning:
		return false
	}
	return false
}

// Drain invokes Read until it reports no progress. This is the required
// follow-up to any event that may have unblocked the state machine;
// skipping it would strand already-buffered bytes until an unrelated
// transport event arrives, which may never happen.
func (p *Protocol) Drain() {
	for p.Read() {
	}
}

// FinishAccessControl handles the access controller's out-of-band "decision
// ready" notification. Notifications for other connections are ignored.
func (p *Protocol) FinishAccessControl(c *Client) {
	if c != p.client {
		return
	}

	if p.processAccessControl() {
		p.Drain()
	}
}

func (p *Protocol) readProtocol() bool {
	t := p.client.transport

	// The client's banner is the only thing on the wire at this point, so
	// anything other than exactly one banner is a protocol violation.
	if t.Available() != proto.VersionBannerSize {
		return false
	}

	banner, err := t.Read(proto.VersionBannerSize)
	if err != nil {
		p.closeFatal(err)
		return false
	}

	major, minor, err := proto.ParseVersionBanner(banner)
	if err != nil {
		p.closeFatal(ErrMalformedBanner)
		return false
	}
	p.logger.Debugf("client %s speaks RFB %d.%d", t.RemoteAddr(), major, minor)

	p.client.setPhase(PhaseSecurityInit)
	return p.sendSecurityTypes()
}

func (p *Protocol) sendSecurityTypes() bool {
	if err := p.client.transport.Write(proto.SecurityTypeList()); err != nil {
		p.closeFatal(err)
		return false
	}
	return true
}

func (p *Protocol) receiveSecurityType() bool {
	t := p.client.transport
	if t.Available() < 1 {
		return false
	}

	chosen, err := t.Read(1)
	if err != nil || chosen[0] != proto.SecTypeVigil {
		p.closeFatal(ErrUnsupportedSecurityType)
		return false
	}

	p.client.setPhase(PhaseAuthMethods)
	return p.sendAuthMethods()
}

func (p *Protocol) sendAuthMethods() bool {
	methods := p.auth.Methods()

	msg := proto.NewVariantMessage(p.client.transport)
	msg.WriteInt(int32(len(methods)))
	for _, m := range methods {
		msg.WriteInt(int32(m))
	}

	if err := msg.Send(); err != nil {
		p.closeFatal(err)
		return false
	}
	return true
}

func (p *Protocol) receiveAuthMethod() bool {
	t := p.client.transport

	msg := proto.NewVariantMessage(t)
	if !msg.IsReadyForReceive() {
		return false
	}
	if err := msg.Receive(); err != nil {
		p.closeFatal(err)
		return false
	}

	chosen, err := msg.ReadInt()
	if err != nil {
		p.closeFatal(err)
		return false
	}

	method := proto.AuthMethod(chosen)
	if !p.supportsMethod(method) {
		p.closeFatal(ErrUnsupportedAuthMethod)
		return false
	}

	if method == proto.AuthNone {
		p.logger.Warnf("client %s connecting without authentication", t.RemoteAddr())
		p.client.HostAddress = t.RemoteAddr()
		p.client.setPhase(PhaseAccessControl)
		return true
	}

	username, err := msg.ReadString()
	if err != nil {
		p.closeFatal(err)
		return false
	}

	p.client.AuthMethod = method
	p.client.Username = username
	p.client.HostAddress = t.RemoteAddr()
	p.client.setPhase(PhaseAuthenticating)

	// Acknowledge the negotiation, then hand the collaborator an empty
	// message so it can open its own protocol (e.g. issue a challenge).
	if err := proto.NewVariantMessage(t).Send(); err != nil {
		p.closeFatal(err)
		return false
	}
	p.processAuthentication(proto.NewVariantMessage(t))

	return true
}

func (p *Protocol) receiveAuthMessage() bool {
	msg := proto.NewVariantMessage(p.client.transport)
	if !msg.IsReadyForReceive() {
		return false
	}
	if err := msg.Receive(); err != nil {
		p.closeFatal(err)
		return false
	}

	return p.processAuthentication(msg)
}

func (p *Protocol) processAuthentication(msg *proto.VariantMessage) bool {
	if err := p.auth.ProcessMessage(p.client, msg); err != nil {
		p.logger.Warnf("auth message from %s: %v", p.client.transport.RemoteAddr(), err)
	}

	switch p.client.AuthState() {
	case AuthFinishedSuccess:
		var result [4]byte
		binary.BigEndian.PutUint32(result[:], proto.AuthSucceeded)
		if err := p.client.transport.Write(result[:]); err != nil {
			p.closeFatal(err)
			return false
		}

		p.client.setPhase(PhaseAccessControl)
		return true

	case AuthFinishedFail:
		p.closeFatal(ErrAuthenticationFailed)
		return false

	default:
		// Still mid-protocol; wait for the client's next message.
		return false
	}
}

// processAccessControl implements the one phase that can stall indefinitely.
// The connection is (re-)submitted to the controller while it is still Init
// or Waiting; a Pending or Waiting outcome is not an error, just "no
// progress until the decision lands".
func (p *Protocol) processAccessControl() bool {
	state := p.client.AccessState()
	if state == AccessInit || state == AccessWaiting {
		p.access.AddClient(p.client)
	}

	switch p.client.AccessState() {
	case AccessSuccessful:
		p.client.setPhase(PhaseFramebufferInit)
		return true

	case AccessPending, AccessWaiting:
		return false

	default:
		p.closeFatal(ErrAccessDenied)
		return false
	}
}

func (p *Protocol) processFramebufferInit() bool {
	t := p.client.transport

	if t.Available() < proto.ClientInitSize || len(p.client.serverInit) == 0 {
		return false
	}

	// The ClientInit content (shared-session flag) is irrelevant to us.
	if _, err := t.Read(proto.ClientInitSize); err != nil {
		p.closeFatal(err)
		return false
	}

	if err := t.Write(p.client.serverInit); err != nil {
		p.closeFatal(err)
		return false
	}

	p.client.setPhase(PhaseRunning)
	p.logger.Infof("handshake with %s complete (user=%q method=%s)",
		t.RemoteAddr(), p.client.Username, p.client.AuthMethod)
	return true
}

func (p *Protocol) supportsMethod(method proto.AuthMethod) bool {
	for _, m := range p.auth.Methods() {
		if m == method {
			return true
		}
	}
	return false
}

// closeFatal tears the connection down without sending the client anything
// beyond what the protocol already defines. The phase is left untouched;
// subsequent Read calls observe a closed transport and make no progress.
func (p *Protocol) closeFatal(err error) {
	p.logger.Errorf("closing connection to %s: %v", p.client.transport.RemoteAddr(), err)
	_ = p.client.transport.Close()
}
