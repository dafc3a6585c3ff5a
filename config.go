package supersocket

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sethvargo/go-limiter"
)

// DefaultTimeout bounds every read and write unless Config.Timeout is set.
const DefaultTimeout = 3 * time.Second

// DefaultHandshakeWait is how long a client waits for the server to start a
// key exchange before it settles on an unencrypted session.
const DefaultHandshakeWait = time.Second

// Config holds the parameters of one endpoint. The same type serves both
// roles; fields that only one role reads say so.
type Config struct {
	Address string
	Port    int

	// Timeout bounds each blocking read and write. Zero means
	// DefaultTimeout, a negative value disables timeouts.
	Timeout time.Duration

	// Encrypt makes the server run a key exchange after accepting.
	// Server only: the client follows whatever the server decides.
	Encrypt bool

	// PreSharedKey, when set on both sides, skips the key exchange and
	// encrypts with a key derived from this passphrase.
	PreSharedKey string

	KeyExchange string // KeyExchangeX25519 (default) or KeyExchangeP256
	Cipher      string // CipherXChaCha20Poly1305 (default) or CipherSecretbox

	// PrivateKey is a static server key in the text form of the selected
	// key exchange. Empty means a fresh key per connection. Server only.
	PrivateKey string

	// MaxMessageSize bounds the wire size of one message. Zero means
	// DefaultMaxMessageSize.
	MaxMessageSize int

	// HandshakeWait is the client's window for the server's first frame.
	// Zero means DefaultHandshakeWait. Client only.
	HandshakeWait time.Duration

	Logger  Logger
	Metrics *Metrics

	// Limiter throttles accepted connections per remote IP. Server only.
	Limiter limiter.Store
}

// HostPort returns the address in host:port form.
func (c *Config) HostPort() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = DefaultMaxMessageSize
	}
	if out.HandshakeWait == 0 {
		out.HandshakeWait = DefaultHandshakeWait
	}
	if out.KeyExchange == "" {
		out.KeyExchange = KeyExchangeX25519
	}
	if out.Cipher == "" {
		out.Cipher = CipherXChaCha20Poly1305
	}
	if out.Logger == nil {
		out.Logger = nopLogger{}
	}
	return &out
}

// ValidateConfig validates the configuration and returns user-friendly errors.
// Call this before creating connections to catch configuration errors early.
func ValidateConfig(config *Config, isServer bool) error {
	if config == nil {
		return nil
	}

	if config.Port < 0 || config.Port > 65535 {
		return invalidConfig("port %d is outside 0-65535", config.Port)
	}
	if config.MaxMessageSize < 0 || config.MaxMessageSize > MaxFrameSize {
		return invalidConfig("max message size %d is outside 1-%d", config.MaxMessageSize, MaxFrameSize)
	}
	if config.HandshakeWait < 0 {
		return invalidConfig("handshake wait must not be negative")
	}
	if _, err := KeyExchangeByName(config.KeyExchange); err != nil {
		return invalidConfig("%v (use %q or %q)", err, KeyExchangeX25519, KeyExchangeP256)
	}
	if _, err := CipherByName(config.Cipher); err != nil {
		return invalidConfig("%v (use %q or %q)", err, CipherXChaCha20Poly1305, CipherSecretbox)
	}

	if isServer && config.PrivateKey != "" {
		kx, _ := KeyExchangeByName(config.KeyExchange)
		if _, err := kx.ParsePrivateKey(config.PrivateKey); err != nil {
			return invalidConfig("private key is not a valid %s key: %v", kx.Name(), err)
		}
	}

	return nil
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
