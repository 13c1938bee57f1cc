package localstore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Codec transforms record values on their way to and from the engine.
type Codec interface {
	Encode(plaintext []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// aeadCodec encrypts values at rest with XChaCha20-Poly1305. The nonce is
// prepended to each stored value.
type aeadCodec struct {
	dek []byte
}

// NewAEADCodec creates an at-rest encryption codec from a 32-byte data
// encryption key.
func NewAEADCodec(dek []byte) (Codec, error) {
	if len(dek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("DEK must be %d bytes", chacha20poly1305.KeySize)
	}
	key := make([]byte, len(dek))
	copy(key, dek)
	return &aeadCodec{dek: key}, nil
}

// DeriveDEK derives a data encryption key from a master secret and salt.
func DeriveDEK(secret, salt []byte) ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, salt, []byte("localstore-dek"))
	if _, err := io.ReadFull(r, dek); err != nil {
		return nil, fmt.Errorf("failed to derive DEK: %w", err)
	}
	return dek, nil
}

func (c *aeadCodec) Encode(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aeadCodec) Decode(stored []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.dek)
	if err != nil {
		return nil, err
	}
	if len(stored) < aead.NonceSize() {
		return nil, fmt.Errorf("stored value too short")
	}
	nonce := stored[:aead.NonceSize()]
	return aead.Open(nil, nonce, stored[aead.NonceSize():], nil)
}
