package internal

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vigil-remote/vigil/internal/core"
	coredebug "github.com/vigil-remote/vigil/internal/core/debug"
	"github.com/vigil-remote/vigil/internal/handshake"
	"github.com/vigil-remote/vigil/internal/metrics"
)

type connEventKind int

const (
	// eventReadable: the reader goroutine fed new bytes into the transport.
	eventReadable connEventKind = iota
	// eventDecision: the access controller finished deciding for this client.
	eventDecision
	// eventClosed: the socket hit EOF or a read error.
	eventClosed
)

type connEvent struct {
	kind connEventKind
}

// session ties one connection's state machine to its event loop. All
// handshake progress happens on the loop goroutine; the reader goroutine and
// the access controller only post events.
type session struct {
	client    *handshake.Client
	transport *bufferedTransport
	protocol  *handshake.Protocol

	inbox chan connEvent
	done  chan struct{}

	completed bool
}

// post delivers an event to the session's loop, giving up once the loop has
// exited.
func (s *session) post(ev connEvent) {
	select {
	case s.inbox <- ev:
	case <-s.done:
	}
}

// sessionRegistry tracks live sessions so the access controller's decision
// notifications can be routed to the right event loop. It is shared by every
// frontend.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[*handshake.Client]*session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[*handshake.Client]*session)}
}

func (r *sessionRegistry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.client] = s
}

func (r *sessionRegistry) remove(c *handshake.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, c)
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// NotifyDecision is handed to the access controller as its notification
// callback. Decisions for already-gone sessions are dropped.
func (r *sessionRegistry) NotifyDecision(c *handshake.Client) {
	r.mu.Lock()
	s := r.sessions[c]
	r.mu.Unlock()

	if s != nil {
		s.post(connEvent{kind: eventDecision})
	}
}

// frontend implements the concurrent client connection logic.
//
// Each accepted socket gets a reader goroutine and an event loop goroutine;
// the loop owns the handshake state machine, abstracting the lower level
// connection details away from the protocol code.
type frontend struct {
	Name    string
	Address string
	Config  *core.Config
	Logger  *logrus.Logger

	Auth       handshake.Authenticator
	Access     handshake.AccessController
	ServerInit []byte
	Sessions   *sessionRegistry

	// Listen overrides the default TCP listener; the websocket frontend
	// plugs in here.
	Listen func() (net.Listener, error)
}

// Start opens the listening socket for the frontend. A blocking loop for
// accepting client connections is spun off in its own goroutine and added to
// the WaitGroup. Context cancellations will stop the server.
func (f *frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	listen := f.Listen
	if listen == nil {
		listen = f.createSocket
	}

	socket, err := listen()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %v", f.Address, err)
	}

	wg.Add(1)
	go f.startBlockingLoop(ctx, socket, wg)

	return nil
}

// createSocket opens a TCP socket to listen for client connections on the
// Address provided to the frontend.
func (f *frontend) createSocket() (net.Listener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %s", err.Error())
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %s", err.Error())
	}

	return socket, nil
}

// startBlockingLoop implements a connection handling loop that's purely
// responsible for accepting new connections and spinning off goroutines to
// handle them.
func (f *frontend) startBlockingLoop(ctx context.Context, socket net.Listener, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Printf("[%s] waiting for connections on %v", f.Name, f.Address)

	connections := make(chan net.Conn)
	go func() {
		for {
			// Poll until we can accept more clients.
			for f.Sessions.count() >= f.Config.RFBServer.MaxConnections {
				time.Sleep(10 * time.Second)
			}

			connection, err := socket.Accept()
			if err != nil {
				f.Logger.Warnf("failed to accept connection: %s", err.Error())
				continue
			}

			connections <- connection
		}
	}()

	clientWg := &sync.WaitGroup{}
handleLoop:
	for {
		select {
		case <-ctx.Done():
			break handleLoop
		case connection := <-connections:
			clientWg.Add(1)
			go f.acceptClient(ctx, connection, clientWg)
		}
	}

	f.Logger.Infof("[%v] shutting down (waiting for connections to close)", f.Name)
	_ = socket.Close()
	clientWg.Wait()
	f.Logger.Infof("[%v] exited", f.Name)
}

// acceptClient sets up the session for a connection and starts the handshake
// by sending the version banner. The goroutine then becomes the connection's
// event loop and only returns once the connection is gone.
func (f *frontend) acceptClient(ctx context.Context, connection net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()

	transport := newBufferedTransport(connection)
	client := handshake.NewClient(transport)
	client.SetServerInit(f.ServerInit)

	s := &session{
		client:    client,
		transport: transport,
		protocol:  handshake.NewProtocol(client, f.Auth, f.Access, f.Logger),
		inbox:     make(chan connEvent, 16),
		done:      make(chan struct{}),
	}
	f.Sessions.add(s)
	metrics.ActiveConnections.Inc()

	f.Logger.Infof("[%s] accepted connection from %s", f.Name, transport.RemoteAddr())

	defer f.closeConnectionAndRecover(s)

	s.protocol.Start()
	metrics.HandshakesStarted.Inc()
	s.protocol.Drain()

	go f.readFromSocket(connection, s)
	f.runEventLoop(ctx, s)
}

// readFromSocket moves bytes from the (blocking) socket into the session's
// transport and wakes the event loop. It exits on the first read error, which
// includes the transport being closed out from under it.
func (f *frontend) readFromSocket(connection net.Conn, s *session) {
	buffer := make([]byte, 2048)
	for {
		n, err := connection.Read(buffer)
		if n > 0 {
			s.transport.feed(buffer[:n])
			s.post(connEvent{kind: eventReadable})
		}
		if err != nil {
			s.post(connEvent{kind: eventClosed})
			return
		}
	}
}

func (f *frontend) runEventLoop(ctx context.Context, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.inbox:
			switch ev.kind {
			case eventReadable:
				if s.client.Phase() == handshake.PhaseRunning {
					// Post-handshake traffic is not ours to interpret.
					s.transport.discard()
					continue
				}
				s.protocol.Drain()
				if f.Config.Debugging.HandshakeLoggingEnabled {
					coredebug.DumpClientState(f.Logger, s.client)
				}

			case eventDecision:
				s.protocol.FinishAccessControl(s.client)

			case eventClosed:
				return
			}

			if s.client.Phase() == handshake.PhaseRunning && !s.completed {
				s.completed = true
				metrics.HandshakesCompleted.Inc()
				s.transport.discard()
			}
			if s.transport.Closed() {
				return
			}
		}
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics,
// disconnects the client, and removes the session regardless of the state of
// the connection.
func (f *frontend) closeConnectionAndRecover(s *session) {
	if err := recover(); err != nil {
		f.Logger.Errorf("error in client communication with %s: error=%s, trace: %s",
			s.transport.RemoteAddr(), err, debug.Stack())
	}

	close(s.done)

	if !s.completed {
		metrics.HandshakeFailures.WithLabelValues(s.client.Phase().String()).Inc()
	}

	if err := s.transport.Close(); err != nil {
		f.Logger.Warnf("failed to close client connection: %s", err)
	}

	f.Sessions.remove(s.client)
	metrics.ActiveConnections.Dec()

	f.Logger.Infof("[%s] disconnected client %s", f.Name, s.transport.RemoteAddr())
}
