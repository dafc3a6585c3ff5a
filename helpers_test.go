package supersocket

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

// sessionPair runs both constructors concurrently over the given conns.
func sessionPair(t *testing.T, sc, cc net.Conn, serverCfg, clientCfg *Config) (*Session, *Session) {
	t.Helper()
	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := NewServerSession(sc, serverCfg)
		done <- result{s, err}
	}()

	client, err := NewClientSession(cc, clientCfg)
	r := <-done
	if err != nil {
		t.Fatalf("client session: %v", err)
	}
	if r.err != nil {
		t.Fatalf("server session: %v", r.err)
	}
	t.Cleanup(func() {
		client.Close()
		r.s.Close()
	})
	return r.s, client
}

// recordingConn keeps a copy of everything written through it.
type recordingConn struct {
	net.Conn
	mu      sync.Mutex
	written bytes.Buffer
}

func (c *recordingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.mu.Lock()
	c.written.Write(p[:n])
	c.mu.Unlock()
	return n, err
}

func (c *recordingConn) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.written.Bytes())
}

// trickleConn hands out at most one byte per Read.
type trickleConn struct {
	net.Conn
}

func (c trickleConn) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return c.Conn.Read(p)
}

// fastClient is a client config that gives up on a key exchange quickly.
func fastClient() *Config {
	return &Config{HandshakeWait: 50 * time.Millisecond}
}

func mustSend(t *testing.T, s *Session, payload string) {
	t.Helper()
	if err := s.Send([]byte(payload)); err != nil {
		t.Fatalf("send %q: %v", payload, err)
	}
}

func mustRecv(t *testing.T, s *Session, want string) {
	t.Helper()
	got, err := s.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != want {
		t.Fatalf("recv = %q, want %q", got, want)
	}
}
