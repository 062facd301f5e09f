package internal

import (
	"bytes"
	"fmt"
	"net"
	"sync"
)

// bufferedTransport adapts a net.Conn to the non-blocking byte stream the
// handshake consumes. A reader goroutine owned by the frontend feeds arrived
// bytes in; the handshake then drains them without ever touching the socket's
// blocking read path. Writes go straight through to the socket.
type bufferedTransport struct {
	conn net.Conn
	addr string

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func newBufferedTransport(conn net.Conn) *bufferedTransport {
	addr := conn.RemoteAddr().String()
	// Access-control rules match on the host alone.
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return &bufferedTransport{conn: conn, addr: addr}
}

// feed appends bytes received from the socket. Bytes arriving after Close are
// dropped.
func (t *bufferedTransport) feed(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.buf.Write(p)
	}
}

// discard drops everything currently buffered. Used once the handshake is
// complete and the remaining traffic is someone else's problem.
func (t *bufferedTransport) discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Reset()
}

func (t *bufferedTransport) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	return t.buf.Len()
}

func (t *bufferedTransport) Peek(n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("peek on closed transport")
	}
	if t.buf.Len() < n {
		return nil, fmt.Errorf("peek of %d bytes with %d buffered", n, t.buf.Len())
	}
	out := make([]byte, n)
	copy(out, t.buf.Bytes())
	return out, nil
}

func (t *bufferedTransport) Read(n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("read on closed transport")
	}
	if t.buf.Len() < n {
		return nil, fmt.Errorf("read of %d bytes with %d buffered", n, t.buf.Len())
	}
	out := make([]byte, n)
	copy(out, t.buf.Next(n))
	return out, nil
}

func (t *bufferedTransport) Write(p []byte) error {
	if t.Closed() {
		return fmt.Errorf("write on closed transport")
	}
	if _, err := t.conn.Write(p); err != nil {
		return fmt.Errorf("writing to %s: %w", t.addr, err)
	}
	return nil
}

func (t *bufferedTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.buf.Reset()
	t.mu.Unlock()

	return t.conn.Close()
}

func (t *bufferedTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *bufferedTransport) RemoteAddr() string { return t.addr }
