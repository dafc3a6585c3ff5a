package supersocket

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the length of every session key.
const KeySize = 32

// Cipher names accepted by Config.Cipher.
const (
	CipherXChaCha20Poly1305 = "xchacha20poly1305"
	CipherSecretbox         = "secretbox"
)

// Cipher encrypts session payloads with a shared key. Ciphertexts are self
// contained: each carries its own random nonce, so one key can be used in
// both directions.
type Cipher interface {
	Name() string
	Seal(key, plaintext []byte) ([]byte, error)
	// Open returns ErrDecryptionFailed when ciphertext was tampered with or
	// sealed under another key.
	Open(key, ciphertext []byte) ([]byte, error)
}

// CipherByName returns the cipher registered under name. An empty name
// selects XChaCha20-Poly1305.
func CipherByName(name string) (Cipher, error) {
	switch name {
	case "", CipherXChaCha20Poly1305:
		return xchachaCipher{}, nil
	case CipherSecretbox:
		return secretboxCipher{}, nil
	}
	return nil, fmt.Errorf("unknown cipher %q", name)
}

var errKeySize = fmt.Errorf("key must be %d bytes", KeySize)

type xchachaCipher struct{}

func (xchachaCipher) Name() string { return CipherXChaCha20Poly1305 }

func (xchachaCipher) Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, plaintext, nil), nil
}

func (xchachaCipher) Open(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	nonce, sealed := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

type secretboxCipher struct{}

func (secretboxCipher) Name() string { return CipherSecretbox }

func (secretboxCipher) Seal(key, plaintext []byte) ([]byte, error) {
	var k [KeySize]byte
	if len(key) != KeySize {
		return nil, errKeySize
	}
	copy(k[:], key)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, len(nonce), len(nonce)+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &k), nil
}

func (secretboxCipher) Open(key, ciphertext []byte) ([]byte, error) {
	var k [KeySize]byte
	if len(key) != KeySize {
		return nil, errKeySize
	}
	copy(k[:], key)

	var nonce [24]byte
	if len(ciphertext) < len(nonce)+secretbox.Overhead {
		return nil, ErrDecryptionFailed
	}
	copy(nonce[:], ciphertext)
	plaintext, ok := secretbox.Open(nil, ciphertext[len(nonce):], &nonce, &k)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// pskSalt is fixed so that both peers derive the same key from the same
// passphrase without exchanging anything.
var pskSalt = []byte("supersocket pre-shared key v1")

// DerivePreSharedKey stretches a passphrase into a session key with
// Argon2id.
func DerivePreSharedKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty pre-shared key")
	}
	return argon2.IDKey([]byte(passphrase), pskSalt, 2, 19*1024, 1, KeySize), nil
}

// newSessionKey returns a fresh random session key.
func newSessionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
