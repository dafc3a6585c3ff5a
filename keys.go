package supersocket

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

// Key exchange names accepted by Config.KeyExchange.
const (
	KeyExchangeX25519 = "x25519"
	KeyExchangeP256   = "p256"
)

// KeyPair is an asymmetric key pair owned by the server side of a handshake.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// KeyExchange transports a short secret to the holder of a private key.
type KeyExchange interface {
	Name() string
	GenerateKeypair() (*KeyPair, error)
	// Encrypt seals blob so that only the owner of publicKey can read it.
	Encrypt(publicKey, blob []byte) ([]byte, error)
	Decrypt(kp *KeyPair, ciphertext []byte) ([]byte, error)
	// MarshalPrivateKey and ParsePrivateKey convert a key pair to and from
	// its text form, used for static server keys.
	MarshalPrivateKey(kp *KeyPair) (string, error)
	ParsePrivateKey(text string) (*KeyPair, error)
}

// KeyExchangeByName returns the key exchange registered under name. An empty
// name selects X25519.
func KeyExchangeByName(name string) (KeyExchange, error) {
	switch name {
	case "", KeyExchangeX25519:
		return x25519Exchange{}, nil
	case KeyExchangeP256:
		return p256Exchange{}, nil
	}
	return nil, fmt.Errorf("unknown key exchange %q", name)
}

// Fingerprint returns a short printable digest of a public key.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return base58.Encode(sum[:20])
}

// x25519Exchange seals secrets in anonymous NaCl boxes.
type x25519Exchange struct{}

func (x25519Exchange) Name() string { return KeyExchangeX25519 }

func (x25519Exchange) GenerateKeypair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub[:], Private: priv[:]}, nil
}

func (x25519Exchange) Encrypt(publicKey, blob []byte) ([]byte, error) {
	if len(publicKey) != 32 {
		return nil, fmt.Errorf("x25519 public key must be 32 bytes, got %d", len(publicKey))
	}
	var pub [32]byte
	copy(pub[:], publicKey)
	return box.SealAnonymous(nil, blob, &pub, rand.Reader)
}

func (x25519Exchange) Decrypt(kp *KeyPair, ciphertext []byte) ([]byte, error) {
	if len(kp.Public) != 32 || len(kp.Private) != 32 {
		return nil, errors.New("malformed x25519 key pair")
	}
	var pub, priv [32]byte
	copy(pub[:], kp.Public)
	copy(priv[:], kp.Private)
	blob, ok := box.OpenAnonymous(nil, ciphertext, &pub, &priv)
	if !ok {
		return nil, errors.New("sealed box does not open")
	}
	return blob, nil
}

func (x25519Exchange) MarshalPrivateKey(kp *KeyPair) (string, error) {
	if len(kp.Private) != 32 {
		return "", errors.New("malformed x25519 private key")
	}
	return base58.Encode(kp.Private), nil
}

func (x25519Exchange) ParsePrivateKey(text string) (*KeyPair, error) {
	priv := base58.Decode(text)
	if len(priv) != 32 {
		return nil, errors.New("x25519 private key must decode to 32 bytes")
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// p256Exchange seals secrets with ECIES over P-256: an ephemeral ECDH share,
// HKDF-SHA256 and ChaCha20-Poly1305. Private keys travel as PEM.
type p256Exchange struct{}

var p256SealInfo = []byte("supersocket p256 seal")

func (p256Exchange) Name() string { return KeyExchangeP256 }

func (p256Exchange) GenerateKeypair() (*KeyPair, error) {
	priv, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return p256KeyPair(priv)
}

func (p256Exchange) Encrypt(publicKey, blob []byte) ([]byte, error) {
	peer, err := ecdh.P256().NewPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	eph, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	shared, err := eph.ECDH(peer)
	if err != nil {
		return nil, err
	}
	ephPub := eph.PublicKey().Bytes()
	salt := append(append([]byte{}, ephPub...), publicKey...)
	aead, err := chacha20poly1305.New(deriveKey(shared, salt, p256SealInfo))
	if err != nil {
		return nil, err
	}
	// Each sealing key is used once, so a zero nonce is safe.
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(ephPub, nonce, blob, nil), nil
}

func (p256Exchange) Decrypt(kp *KeyPair, ciphertext []byte) ([]byte, error) {
	const pointSize = 65
	if len(ciphertext) < pointSize+chacha20poly1305.Overhead {
		return nil, errors.New("p256 ciphertext too short")
	}
	priv, err := ecdh.P256().NewPrivateKey(kp.Private)
	if err != nil {
		return nil, err
	}
	ephPub := ciphertext[:pointSize]
	eph, err := ecdh.P256().NewPublicKey(ephPub)
	if err != nil {
		return nil, err
	}
	shared, err := priv.ECDH(eph)
	if err != nil {
		return nil, err
	}
	salt := append(append([]byte{}, ephPub...), kp.Public...)
	aead, err := chacha20poly1305.New(deriveKey(shared, salt, p256SealInfo))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Open(nil, nonce, ciphertext[pointSize:], nil)
}

func (p256Exchange) MarshalPrivateKey(kp *KeyPair) (string, error) {
	priv, err := ecdh.P256().NewPrivateKey(kp.Private)
	if err != nil {
		return "", err
	}
	return EncodePrivateKey(priv)
}

func (p256Exchange) ParsePrivateKey(text string) (*KeyPair, error) {
	priv, err := DecodePrivateKey(text)
	if err != nil {
		return nil, err
	}
	return p256KeyPair(priv)
}

func p256KeyPair(priv *ecdh.PrivateKey) (*KeyPair, error) {
	if priv.Curve() != ecdh.P256() {
		return nil, errors.New("not a P-256 key")
	}
	return &KeyPair{Public: priv.PublicKey().Bytes(), Private: priv.Bytes()}, nil
}

// GenerateKey creates a new P-256 key.
func GenerateKey() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// EncodePrivateKey encodes a private key to PEM format.
func EncodePrivateKey(key *ecdh.PrivateKey) (string, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}

	block := &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePrivateKey decodes a private key from PEM format. Both PKCS#8 and
// SEC 1 ("EC PRIVATE KEY") blocks are accepted.
func DecodePrivateKey(pemData string) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	var parsed any
	var err error
	if block.Type == "EC PRIVATE KEY" {
		parsed, err = x509.ParseECPrivateKey(block.Bytes)
	} else {
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, err
	}

	switch k := parsed.(type) {
	case *ecdsa.PrivateKey:
		return k.ECDH()
	case *ecdh.PrivateKey:
		return k, nil
	}
	return nil, errors.New("not an elliptic curve private key")
}

// EncodePublicKey encodes a P-256 public key to PEM format.
func EncodePublicKey(publicKey []byte) (string, error) {
	pub, err := ecdh.P256().NewPublicKey(publicKey)
	if err != nil {
		return "", err
	}
	keyBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}

	block := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: keyBytes,
	}
	return string(pem.EncodeToMemory(block)), nil
}

// deriveKey is a helper function that uses HKDF to derive a key of KeySize
// bytes from the secret using the provided salt and info parameters.
func deriveKey(secret, salt, info []byte) []byte {
	r := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, KeySize)
	// HKDF-SHA256 only fails past 255*32 bytes of output.
	if _, err := io.ReadFull(r, key); err != nil {
		panic(err)
	}
	return key
}
