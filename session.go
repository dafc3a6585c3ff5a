package supersocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// KeyState tells whether a session encrypts its payloads.
type KeyState int

const (
	// Unencrypted sessions send payloads as they are.
	Unencrypted KeyState = iota
	// Symmetric sessions encrypt every payload with the negotiated key.
	Symmetric
)

func (s KeyState) String() string {
	switch s {
	case Unencrypted:
		return "unencrypted"
	case Symmetric:
		return "symmetric"
	}
	return fmt.Sprintf("KeyState(%d)", int(s))
}

const (
	roleServer = "server"
	roleClient = "client"
)

// Session is an established connection that exchanges whole messages.
//
// One goroutine may call Send while another calls Recv. Concurrent calls to
// Send, or to Recv, are serialized.
type Session struct {
	conn   net.Conn
	t      *transport
	frames *frameReader
	cipher Cipher
	role   string

	// key is set at most once, before the session is returned to the
	// caller, and only read afterwards.
	key     []byte
	peerKey []byte

	maxMessageSize int
	logger         Logger
	metrics        *Metrics

	readMu   sync.Mutex
	early    []byte
	hasEarly bool

	writeMu sync.Mutex
	unsent  []byte

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewServerSession takes ownership of conn and runs the server side of the
// key exchange when config asks for encryption. conn is closed when an
// error is returned.
func NewServerSession(conn net.Conn, config *Config) (*Session, error) {
	return newSession(conn, config, true)
}

// NewClientSession takes ownership of conn and answers a key exchange if the
// server opens one. conn is closed when an error is returned.
func NewClientSession(conn net.Conn, config *Config) (*Session, error) {
	return newSession(conn, config, false)
}

func newSession(conn net.Conn, config *Config, isServer bool) (*Session, error) {
	cfg := config.withDefaults()
	role := roleClient
	if isServer {
		role = roleServer
	}

	bail := func(e error) (*Session, error) {
		conn.Close()
		cfg.Metrics.handshake(role, Unencrypted, e)
		cfg.Logger.Printf("supersocket: %s session with %s failed: %v", role, conn.RemoteAddr(), e)
		return nil, e
	}

	if err := ValidateConfig(cfg, isServer); err != nil {
		return bail(&OpError{Op: "session", Err: err})
	}
	cipher, err := CipherByName(cfg.Cipher)
	if err != nil {
		return bail(opError("session", ErrInvalidConfig, err))
	}
	kx, err := KeyExchangeByName(cfg.KeyExchange)
	if err != nil {
		return bail(opError("session", ErrInvalidConfig, err))
	}

	t := newTransport(conn, cfg.Timeout)
	s := &Session{
		conn:           conn,
		t:              t,
		frames:         newFrameReader(t),
		cipher:         cipher,
		role:           role,
		maxMessageSize: cfg.MaxMessageSize,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}

	switch {
	case cfg.PreSharedKey != "":
		if s.key, err = DerivePreSharedKey(cfg.PreSharedKey); err != nil {
			return bail(opError("session", ErrInvalidConfig, err))
		}
	case isServer && !cfg.Encrypt:
		// No key exchange; nothing goes on the wire.
	default:
		n := &negotiator{
			t:       t,
			frames:  s.frames,
			kx:      kx,
			cipher:  cipher,
			logger:  cfg.Logger,
			role:    role,
			wait:    cfg.HandshakeWait,
			maxData: cfg.MaxMessageSize,
		}
		if isServer {
			if cfg.PrivateKey != "" {
				if n.keyPair, err = kx.ParsePrivateKey(cfg.PrivateKey); err != nil {
					return bail(opError("handshake", ErrHandshakeFailed, err))
				}
			}
			s.key, err = n.runServer()
		} else {
			s.key, err = n.runClient()
		}
		if err != nil {
			return bail(err)
		}
		s.peerKey = n.peerKey
		s.early, s.hasEarly = n.early, n.hasEarly
	}

	cfg.Metrics.handshake(role, s.State(), nil)
	cfg.Metrics.sessionOpened(role)
	cfg.Logger.Printf("supersocket: %s session with %s established (%s)", role, conn.RemoteAddr(), s.State())
	return s, nil
}

// State reports whether payloads are encrypted.
func (s *Session) State() KeyState {
	if s.key != nil {
		return Symmetric
	}
	return Unencrypted
}

// KeyFingerprint returns the fingerprint of the server public key used for
// the key exchange, or "" when none took place. Both sides report the same
// value, so it can be compared out of band.
func (s *Session) KeyFingerprint() string {
	if s.peerKey == nil {
		return ""
	}
	return Fingerprint(s.peerKey)
}

// Send encrypts payload when the session has a key, frames it and writes it.
//
// A timeout that interrupts a frame half way leaves the rest of that frame
// queued; it goes out ahead of the next message so the peer never sees a
// torn frame.
func (s *Session) Send(payload []byte) error {
	err := s.send(payload)
	if err != nil {
		s.metrics.failure(s.role, "send", err)
		return err
	}
	s.metrics.message(s.role, "sent", len(payload))
	return nil
}

func (s *Session) send(payload []byte) error {
	if s.closed.Load() {
		return opError("send", ErrSessionClosed, nil)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if len(s.unsent) > 0 {
		n, err := s.t.WriteAll(s.unsent)
		s.unsent = s.unsent[n:]
		if err != nil {
			return err
		}
	}

	data := payload
	if s.key != nil {
		sealed, err := s.cipher.Seal(s.key, payload)
		if err != nil {
			return opError("send", ErrEncryptionFailed, err)
		}
		data = sealed
	}
	if len(data) > s.maxMessageSize {
		return opError("send", ErrMessageTooLarge,
			fmt.Errorf("%d bytes on the wire, limit is %d", len(data), s.maxMessageSize))
	}

	frame := appendFrame(nil, data, false)
	n, err := s.t.WriteAll(frame)
	if err != nil {
		if IsTimeout(err) && n > 0 {
			s.unsent = frame[n:]
		}
		return err
	}
	return nil
}

// Recv reads the next message and decrypts it when the session has a key.
//
// A timeout leaves the session usable; a partially received message is
// completed by the next call. ErrDecryptionFailed drops only the offending
// message. ErrMessageTooLarge and stray handshake frames close the session.
func (s *Session) Recv() ([]byte, error) {
	payload, err := s.recv()
	if err != nil {
		s.metrics.failure(s.role, "recv", err)
		return nil, err
	}
	s.metrics.message(s.role, "received", len(payload))
	return payload, nil
}

func (s *Session) recv() ([]byte, error) {
	if s.closed.Load() {
		return nil, opError("recv", ErrSessionClosed, nil)
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.hasEarly {
		payload := s.early
		s.early, s.hasEarly = nil, false
		return payload, nil
	}

	data, control, err := s.frames.next(s.maxMessageSize)
	if err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			s.Close()
		}
		return nil, err
	}
	if control {
		s.Close()
		return nil, opError("recv", ErrHandshakeFailed, errUnexpectedControlFrame)
	}

	if s.key == nil {
		return data, nil
	}
	payload, err := s.cipher.Open(s.key, data)
	if err != nil {
		return nil, opError("recv", ErrDecryptionFailed, err)
	}
	return payload, nil
}

// SendValue sends v encoded as JSON.
func (s *Session) SendValue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &OpError{Op: "send", Err: err}
	}
	return s.Send(data)
}

// RecvValue receives one message and decodes it as JSON into v.
func (s *Session) RecvValue(v any) error {
	data, err := s.Recv()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &OpError{Op: "recv", Err: err}
	}
	return nil
}

// Close releases the connection. It is safe to call more than once and from
// several goroutines; later calls return the result of the first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.t.Close()
		s.metrics.sessionClosed(s.role)
		s.logger.Printf("supersocket: %s session with %s closed", s.role, s.conn.RemoteAddr())
	})
	return s.closeErr
}

// LocalAddr returns the local network address.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
