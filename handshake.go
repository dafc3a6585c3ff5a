package supersocket

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

type handshakeState int

const (
	stateIdle handshakeState = iota
	stateGeneratingKeypair
	stateSendingPublicKey
	stateAwaitingPeerPublicKey
	stateSendingSecretBlob
	stateAwaitingSecretBlob
	stateConfirming
	stateEstablished
	stateFailed
)

func (s handshakeState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateGeneratingKeypair:
		return "generating keypair"
	case stateSendingPublicKey:
		return "sending public key"
	case stateAwaitingPeerPublicKey:
		return "awaiting peer public key"
	case stateSendingSecretBlob:
		return "sending secret blob"
	case stateAwaitingSecretBlob:
		return "awaiting secret blob"
	case stateConfirming:
		return "confirming key"
	case stateEstablished:
		return "established"
	case stateFailed:
		return "failed"
	}
	return fmt.Sprintf("handshakeState(%d)", int(s))
}

const challengeSize = 32

var (
	errUnexpectedDataFrame    = errors.New("data frame during key exchange")
	errUnexpectedControlFrame = errors.New("handshake frame outside key exchange")
	errConfirmationMismatch   = errors.New("key confirmation does not match")
)

// negotiator runs one side of the key exchange over a fresh connection.
//
// The server alone decides whether a key exchange happens. When it does, it
// sends its public key, the client answers with a random session key sealed
// to that public key, and the server proves it recovered the key by sending
// a sealed challenge which the client must answer with the sealed digest of
// the challenge. All handshake frames carry the control bit.
type negotiator struct {
	t      *transport
	frames *frameReader
	kx     KeyExchange
	cipher Cipher
	logger Logger
	role   string
	state  handshakeState

	// server: static key pair, nil for an ephemeral one
	keyPair *KeyPair

	// client: how long to wait for the server's first frame, and the
	// largest data frame it may turn out to be
	wait    time.Duration
	maxData int

	// outputs
	peerKey  []byte // public key used for the exchange
	early    []byte // first data frame seen by a client that got no handshake
	hasEarly bool
}

func (n *negotiator) enter(s handshakeState) {
	n.logger.Printf("supersocket: %s handshake: %s -> %s", n.role, n.state, s)
	n.state = s
}

func (n *negotiator) fail(cause error) error {
	n.enter(stateFailed)
	return opError("handshake", ErrHandshakeFailed, cause)
}

func (n *negotiator) writeControl(payload []byte) error {
	_, err := n.t.WriteAll(appendFrame(nil, payload, true))
	return err
}

func (n *negotiator) readControl() ([]byte, error) {
	payload, control, err := n.frames.next(maxHandshakeFrame)
	if err != nil {
		return nil, err
	}
	if !control {
		return nil, errUnexpectedDataFrame
	}
	return payload, nil
}

// runServer drives the server side and returns the agreed session key.
func (n *negotiator) runServer() ([]byte, error) {
	n.enter(stateGeneratingKeypair)
	kp := n.keyPair
	if kp == nil {
		var err error
		if kp, err = n.kx.GenerateKeypair(); err != nil {
			return nil, n.fail(err)
		}
	}
	n.peerKey = kp.Public

	n.enter(stateSendingPublicKey)
	if err := n.writeControl(kp.Public); err != nil {
		return nil, n.fail(err)
	}

	n.enter(stateAwaitingSecretBlob)
	blob, err := n.readControl()
	if err != nil {
		return nil, n.fail(err)
	}
	key, err := n.kx.Decrypt(kp, blob)
	if err != nil {
		return nil, n.fail(fmt.Errorf("secret blob: %w", err))
	}
	if len(key) != KeySize {
		return nil, n.fail(fmt.Errorf("secret blob carries %d-byte key, want %d", len(key), KeySize))
	}

	n.enter(stateConfirming)
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, n.fail(err)
	}
	sealed, err := n.cipher.Seal(key, challenge)
	if err != nil {
		return nil, n.fail(err)
	}
	if err := n.writeControl(sealed); err != nil {
		return nil, n.fail(err)
	}
	answer, err := n.readControl()
	if err != nil {
		return nil, n.fail(err)
	}
	digest, err := n.cipher.Open(key, answer)
	if err != nil {
		return nil, n.fail(fmt.Errorf("confirmation: %w", err))
	}
	want := sha256.Sum256(challenge)
	if subtle.ConstantTimeCompare(digest, want[:]) != 1 {
		return nil, n.fail(errConfirmationMismatch)
	}

	n.enter(stateEstablished)
	return key, nil
}

// runClient waits for the server to open a key exchange. It returns a nil
// key when the server sent no handshake frame within the wait window or
// started with application data.
func (n *negotiator) runClient() ([]byte, error) {
	n.enter(stateAwaitingPeerPublicKey)
	// The first frame may be a public key or data, so it is bounded by the
	// larger of the two limits and checked against its own limit below.
	limit := max(n.maxData, maxHandshakeFrame)
	first, control, err := n.frames.nextTimeout(limit, n.wait)
	if err != nil && IsTimeout(err) && n.frames.partial() {
		// The server already started talking; finish its frame under the
		// regular timeout.
		first, control, err = n.frames.next(limit)
	}
	switch {
	case err != nil && IsTimeout(err):
		n.enter(stateEstablished)
		return nil, nil
	case err != nil:
		return nil, n.fail(err)
	case !control && len(first) > n.maxData:
		return nil, n.fail(opError("read", ErrMessageTooLarge,
			fmt.Errorf("frame declares %d bytes, limit is %d", len(first), n.maxData)))
	case !control:
		n.early, n.hasEarly = first, true
		n.enter(stateEstablished)
		return nil, nil
	case len(first) > maxHandshakeFrame:
		return nil, n.fail(opError("read", ErrMessageTooLarge, fmt.Errorf("public key of %d bytes", len(first))))
	}
	n.peerKey = bytes.Clone(first)

	n.enter(stateSendingSecretBlob)
	key, err := newSessionKey()
	if err != nil {
		return nil, n.fail(err)
	}
	blob, err := n.kx.Encrypt(first, key)
	if err != nil {
		return nil, n.fail(fmt.Errorf("public key: %w", err))
	}
	if err := n.writeControl(blob); err != nil {
		return nil, n.fail(err)
	}

	n.enter(stateConfirming)
	sealed, err := n.readControl()
	if err != nil {
		return nil, n.fail(err)
	}
	challenge, err := n.cipher.Open(key, sealed)
	if err != nil {
		return nil, n.fail(fmt.Errorf("confirmation: %w", err))
	}
	digest := sha256.Sum256(challenge)
	answer, err := n.cipher.Seal(key, digest[:])
	if err != nil {
		return nil, n.fail(err)
	}
	if err := n.writeControl(answer); err != nil {
		return nil, n.fail(err)
	}

	n.enter(stateEstablished)
	return key, nil
}
