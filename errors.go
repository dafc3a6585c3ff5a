package supersocket

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Errors returned by sessions. Every error produced by this package is an
// *OpError whose Err field is one of these values, so callers match them
// with errors.Is.
var (
	// ErrTimeout is returned when a read or write does not complete within
	// the configured timeout. The session stays usable.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed is returned when the peer closed the connection
	// before the requested bytes could be transferred.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrMessageTooLarge is returned when a frame declares, or a payload
	// needs, more bytes than the configured maximum message size.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrHandshakeFailed is returned when key negotiation fails. The
	// underlying connection is always closed when it is returned.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrEncryptionFailed is returned when a payload cannot be encrypted.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is returned when a received payload does not
	// authenticate under the session key.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidConfig is returned by ValidateConfig.
	ErrInvalidConfig = errors.New("invalid config")
)

// OpError describes a failed session operation.
type OpError struct {
	Op    string // "read", "write", "send", "recv", "handshake", "session", "listen", "dial", "accept"
	Err   error  // one of the Err* values, or the raw error when unclassified
	Cause error  // underlying error, may be nil
}

func (e *OpError) Error() string {
	msg := "supersocket: " + e.Op + ": " + e.Err.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Timeout reports whether the operation timed out.
func (e *OpError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

func opError(op string, kind, cause error) error {
	return &OpError{Op: op, Err: kind, Cause: cause}
}

// IsTimeout reports whether err is a timeout that left the session usable.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsClosed reports whether err means the peer, or this side, closed the
// connection.
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrSessionClosed)
}

// classifyIOError maps errors from a net.Conn onto the package taxonomy.
func classifyIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return opError(op, ErrTimeout, err)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return opError(op, ErrConnectionClosed, err)
	}
	return &OpError{Op: op, Err: err}
}
