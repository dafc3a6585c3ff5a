// Package config loads the supersock configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fxpool/supersocket"
)

// Config holds the supersock configuration. Command-line flags override the
// values read from the file.
type Config struct {
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	Encrypt        bool          `yaml:"encrypt"`
	PreSharedKey   string        `yaml:"pre_shared_key"`
	KeyExchange    string        `yaml:"key_exchange"`
	Cipher         string        `yaml:"cipher"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	MaxMessageSize int           `yaml:"max_message_size"`
	HandshakeWait  time.Duration `yaml:"handshake_wait"`

	LogDir      string `yaml:"log_dir"`
	MetricsAddr string `yaml:"metrics_addr"`
	// RateLimit is the number of connections accepted per remote IP per
	// minute. Zero disables throttling.
	RateLimit uint64 `yaml:"rate_limit"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Address:       "127.0.0.1",
		Port:          9000,
		Timeout:       supersocket.DefaultTimeout,
		KeyExchange:   supersocket.KeyExchangeX25519,
		Cipher:        supersocket.CipherXChaCha20Poly1305,
		HandshakeWait: supersocket.DefaultHandshakeWait,
	}
}

// DefaultPath returns the default config file path: ~/.supersock/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".supersock", "config.yaml")
	}
	return filepath.Join(home, ".supersock", "config.yaml")
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// The file may carry a pre-shared key; warn if others can read it.
	if info, err := os.Stat(path); err == nil && cfg.PreSharedKey != "" {
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			fmt.Fprintf(os.Stderr,
				"warning: config file %s has permissions %04o, expected 0600. "+
					"The pre-shared key may be exposed to other users.\n",
				path, perm)
		}
	}
	return cfg, nil
}

// Save writes the configuration to path, creating its directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Session converts the file configuration into a session configuration,
// reading the private key file if one is named.
func (c *Config) Session() (*supersocket.Config, error) {
	out := &supersocket.Config{
		Address:        c.Address,
		Port:           c.Port,
		Timeout:        c.Timeout,
		Encrypt:        c.Encrypt,
		PreSharedKey:   c.PreSharedKey,
		KeyExchange:    c.KeyExchange,
		Cipher:         c.Cipher,
		MaxMessageSize: c.MaxMessageSize,
		HandshakeWait:  c.HandshakeWait,
	}
	if c.PrivateKeyFile != "" {
		data, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		out.PrivateKey = strings.TrimSpace(string(data))
	}
	return out, nil
}
