package supersocket

import (
	"io"
	"net"
	"time"
)

// transport wraps the connected socket of a session. Reads and writes block
// until every requested byte is transferred, the timeout elapses or the peer
// goes away. It never retries.
type transport struct {
	conn    net.Conn
	timeout time.Duration
}

func newTransport(conn net.Conn, timeout time.Duration) *transport {
	return &transport{conn: conn, timeout: timeout}
}

func (t *transport) deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// ReadFull reads exactly len(p) bytes. On error it still reports how many
// bytes landed in p so that a caller can resume after a timeout.
func (t *transport) ReadFull(p []byte) (int, error) {
	return t.readFullTimeout(p, t.timeout)
}

func (t *transport) readFullTimeout(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := t.conn.SetReadDeadline(t.deadline(timeout)); err != nil {
		return 0, classifyIOError("read", err)
	}
	n, err := io.ReadFull(t.conn, p)
	return n, classifyIOError("read", err)
}

// WriteAll writes all of p. On a timeout it reports how many bytes were
// accepted by the socket.
func (t *transport) WriteAll(p []byte) (int, error) {
	if err := t.conn.SetWriteDeadline(t.deadline(t.timeout)); err != nil {
		return 0, classifyIOError("write", err)
	}
	written := 0
	for written < len(p) {
		n, err := t.conn.Write(p[written:])
		written += n
		if err != nil {
			return written, classifyIOError("write", err)
		}
		if n == 0 {
			return written, opError("write", ErrConnectionClosed, io.ErrShortWrite)
		}
	}
	return written, nil
}

func (t *transport) Close() error {
	return t.conn.Close()
}
