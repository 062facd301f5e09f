package internal

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/vigil-remote/vigil/internal/access"
	"github.com/vigil-remote/vigil/internal/auth"
	"github.com/vigil-remote/vigil/internal/core"
	"github.com/vigil-remote/vigil/internal/handshake"
	"github.com/vigil-remote/vigil/internal/proto"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// startTestFrontend runs a full frontend on a loopback listener with no-auth
// and accept-all access control, returning its address.
func startTestFrontend(t *testing.T, serverInit []byte) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := testLogger()
	sessions := newSessionRegistry()

	controller := access.NewController(logger, access.AcceptAllPolicy{}, time.Minute, sessions.NotifyDecision)
	controller.Start(ctx)

	cfg := &core.Config{}
	cfg.RFBServer.MaxConnections = 10

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("error creating listener: %v", err)
	}

	f := &frontend{
		Name:       "RFB",
		Address:    listener.Addr().String(),
		Config:     cfg,
		Logger:     logger,
		Auth:       auth.NewManager(logger, []proto.AuthMethod{proto.AuthNone}),
		Access:     controller,
		ServerInit: serverInit,
		Sessions:   sessions,
		Listen:     func() (net.Listener, error) { return listener, nil },
	}

	wg := &sync.WaitGroup{}
	if err := f.Start(ctx, wg); err != nil {
		t.Fatalf("error starting frontend: %v", err)
	}

	return listener.Addr().String()
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("error reading %d bytes from server: %v", n, err)
	}
	return buf
}

// intMessage frames a sequence of integer values the way a client's variant
// message codec would.
func intMessage(values ...int32) []byte {
	var payload bytes.Buffer
	for _, v := range values {
		payload.WriteByte(0x01)
		_ = binary.Write(&payload, binary.BigEndian, v)
	}

	frame := make([]byte, 4, 4+payload.Len())
	binary.BigEndian.PutUint32(frame, uint32(payload.Len()))
	return append(frame, payload.Bytes()...)
}

// readVariantFrame consumes one framed variant message and returns its payload.
func readVariantFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	header := readFull(t, conn, 4)
	return readFull(t, conn, int(binary.BigEndian.Uint32(header)))
}

func runNoAuthHandshake(t *testing.T, conn net.Conn, serverInit []byte) {
	t.Helper()

	if banner := readFull(t, conn, proto.VersionBannerSize); !bytes.Equal(banner, proto.VersionBanner()) {
		t.Fatalf("server banner = %q, want %q", banner, proto.VersionBanner())
	}
	if _, err := conn.Write(proto.VersionBanner()); err != nil {
		t.Fatalf("error writing client banner: %v", err)
	}

	if types := readFull(t, conn, 2); !bytes.Equal(types, proto.SecurityTypeList()) {
		t.Fatalf("security type list = %v, want %v", types, proto.SecurityTypeList())
	}
	if _, err := conn.Write([]byte{proto.SecTypeVigil}); err != nil {
		t.Fatalf("error choosing security type: %v", err)
	}

	// Advertised auth methods: count followed by each method.
	if payload := readVariantFrame(t, conn); len(payload) == 0 {
		t.Fatal("auth method advertisement was empty")
	}
	if _, err := conn.Write(intMessage(int32(proto.AuthNone))); err != nil {
		t.Fatalf("error choosing auth method: %v", err)
	}

	// No credentials to exchange; go straight to ClientInit.
	if _, err := conn.Write([]byte{0x01}); err != nil {
		t.Fatalf("error writing ClientInit: %v", err)
	}

	if got := readFull(t, conn, len(serverInit)); !bytes.Equal(got, serverInit) {
		t.Fatalf("ServerInit mismatch:\ngot  %v\nwant %v", got, serverInit)
	}
}

func TestFrontend_NoAuthHandshakeOverTCP(t *testing.T) {
	serverInit := proto.BuildServerInit(1024, 768, proto.DefaultPixelFormat, "vigil test")
	addr := startTestFrontend(t, serverInit)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("error dialing frontend: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	runNoAuthHandshake(t, conn, serverInit)
}

func TestFrontend_ConcurrentHandshakes(t *testing.T) {
	serverInit := proto.BuildServerInit(800, 600, proto.DefaultPixelFormat, "vigil test")
	addr := startTestFrontend(t, serverInit)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				t.Errorf("error dialing frontend: %v", err)
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

			runNoAuthHandshake(t, conn, serverInit)
		}()
	}
	wg.Wait()
}

func TestWebsocketListener_BridgesToNetConn(t *testing.T) {
	listener, err := newWebsocketListener("127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("error creating websocket listener: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+listener.Addr().String()+"/", nil)
	if err != nil {
		t.Fatalf("error dialing websocket listener: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("RFB ")); err != nil {
		t.Fatalf("error writing websocket message: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("003.008\n")); err != nil {
		t.Fatalf("error writing websocket message: %v", err)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket accept")
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Message boundaries must disappear: the two frames read as one stream.
	if got := readFull(t, conn, proto.VersionBannerSize); !bytes.Equal(got, proto.VersionBanner()) {
		t.Errorf("bridged read = %q, want %q", got, proto.VersionBanner())
	}

	if _, err := conn.Write([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("error writing to bridged conn: %v", err)
	}
	kind, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("error reading websocket message: %v", err)
	}
	if kind != websocket.BinaryMessage || !bytes.Equal(msg, []byte{0x01, 0x02}) {
		t.Errorf("websocket read = (%d, %v), want binary [1 2]", kind, msg)
	}
}

func TestSessionRegistry_NotifyDecisionRoutesToSession(t *testing.T) {
	registry := newSessionRegistry()

	client := handshake.NewClient(nil)
	s := &session{
		client: client,
		inbox:  make(chan connEvent, 1),
		done:   make(chan struct{}),
	}
	registry.add(s)

	registry.NotifyDecision(client)
	select {
	case ev := <-s.inbox:
		if ev.kind != eventDecision {
			t.Errorf("event kind = %d, want eventDecision", ev.kind)
		}
	default:
		t.Fatal("no event delivered to the session inbox")
	}

	// Decisions for unknown clients are dropped, not delivered elsewhere.
	registry.remove(client)
	registry.NotifyDecision(client)
	select {
	case <-s.inbox:
		t.Error("event delivered for a removed session")
	default:
	}
}
