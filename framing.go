package supersocket

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ProtocolVersion names the frame layout and handshake implemented here.
const ProtocolVersion = "supersocket/1"

// Frame layout:
//
//	[4 bytes] big-endian prefix; bit 31 marks a handshake (control) frame,
//	          bits 0-30 hold the payload length
//	[N bytes] payload
const (
	prefixSize = 4
	controlBit = uint32(1) << 31
	lengthMask = controlBit - 1

	// MaxFrameSize is the largest payload the prefix can describe.
	MaxFrameSize = int(lengthMask)

	// DefaultMaxMessageSize bounds the payload of a single frame unless
	// Config.MaxMessageSize says otherwise.
	DefaultMaxMessageSize = 16 << 20

	// maxHandshakeFrame bounds public keys, secret blobs and confirmation
	// frames exchanged during key negotiation.
	maxHandshakeFrame = 4096
)

// EncodeFrame returns payload preceded by its length prefix.
func EncodeFrame(payload []byte) []byte {
	return appendFrame(make([]byte, 0, prefixSize+len(payload)), payload, false)
}

func appendFrame(dst, payload []byte, control bool) []byte {
	prefix := uint32(len(payload))
	if control {
		prefix |= controlBit
	}
	dst = binary.BigEndian.AppendUint32(dst, prefix)
	return append(dst, payload...)
}

// frameReader decodes frames from a transport. Progress on a partially read
// frame is kept across timeouts so the next call picks up where the last
// one stopped instead of misreading the rest of the frame as a new prefix.
type frameReader struct {
	t *transport

	header  [prefixSize]byte
	headerN int

	inBody  bool
	control bool
	body    []byte
	bodyN   int
}

func newFrameReader(t *transport) *frameReader {
	return &frameReader{t: t}
}

// partial reports whether some bytes of the next frame were already read.
func (r *frameReader) partial() bool {
	return r.inBody || r.headerN > 0
}

// next returns the next complete frame. Frames longer than max are rejected
// with ErrMessageTooLarge before any of their body is read.
func (r *frameReader) next(max int) ([]byte, bool, error) {
	return r.nextTimeout(max, r.t.timeout)
}

func (r *frameReader) nextTimeout(max int, timeout time.Duration) ([]byte, bool, error) {
	if !r.inBody {
		n, err := r.t.readFullTimeout(r.header[r.headerN:], timeout)
		r.headerN += n
		if err != nil {
			return nil, false, err
		}
		r.headerN = 0

		prefix := binary.BigEndian.Uint32(r.header[:])
		size := int(prefix & lengthMask)
		if size > max {
			return nil, false, opError("read", ErrMessageTooLarge,
				fmt.Errorf("frame declares %d bytes, limit is %d", size, max))
		}
		r.control = prefix&controlBit != 0
		r.body = make([]byte, size)
		r.bodyN = 0
		r.inBody = true
	}

	n, err := r.t.readFullTimeout(r.body[r.bodyN:], timeout)
	r.bodyN += n
	if err != nil {
		return nil, false, err
	}

	payload, control := r.body, r.control
	r.body, r.bodyN, r.inBody, r.control = nil, 0, false, false
	return payload, control, nil
}
