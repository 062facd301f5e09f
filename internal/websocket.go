package internal

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// websocketListener bridges browser-based clients (noVNC and friends) into
// the same frontend machinery as raw TCP clients: an HTTP server upgrades
// incoming connections and Accept hands them out as net.Conn values.
type websocketListener struct {
	addr   net.Addr
	server *http.Server

	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"binary"},
	// The RFB handshake carries its own authentication; origin checks add
	// nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWebsocketListener(address string, logger *logrus.Logger) (net.Listener, error) {
	tcp, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	l := &websocketListener{
		addr:   tcp.Addr(),
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}

		select {
		case l.conns <- newWSConn(ws):
		case <-l.closed:
			_ = ws.Close()
		}
	})

	l.server = &http.Server{Handler: mux}
	go func() {
		if err := l.server.Serve(tcp); err != nil && err != http.ErrServerClosed {
			logger.Warnf("websocket listener exited: %v", err)
		}
	}()

	return l, nil
}

func (l *websocketListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *websocketListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.server.Close()
}

func (l *websocketListener) Addr() net.Addr { return l.addr }

// wsConn adapts a websocket connection to net.Conn. Reads concatenate the
// payloads of successive binary messages into one byte stream; each Write
// goes out as a single binary message.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
