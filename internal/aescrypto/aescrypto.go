// Package aescrypto implements the symmetric encryption used for
// push-delivered alarm payloads: AES in CBC mode with an optional
// HMAC-SHA256 tag, for 128-bit (legacy) and 256-bit keys.
//
// Ciphertext layout with MAC enabled:
//
//	[1 byte MAC flag][16 byte IV][CBC ciphertext][32 byte MAC]
//
// and without:
//
//	[16 byte IV][CBC ciphertext]
//
// The MAC is computed over IV||ciphertext with a MAC subkey that is split
// from the input key by a one-way hash, so the cipher key never doubles as
// the MAC key.
package aescrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
)

const (
	// IVLength is the required initialization vector size in bytes.
	IVLength = 16

	// MACLength is the size of the appended HMAC-SHA256 tag.
	MACLength = 32

	// KeyLength128 and KeyLength256 are the two supported key sizes.
	KeyLength128 = 16
	KeyLength256 = 32

	macEnabledPrefix = 0x01
)

// fixedKeyIV is the well-known IV used for key wrapping. Wrapped keys carry
// no IV of their own, so both sides use this constant.
var fixedKeyIV = [IVLength]byte{
	0x88, 0x88, 0x88, 0x88, 0x88, 0x88, 0x88, 0x88,
	0x88, 0x88, 0x88, 0x88, 0x88, 0x88, 0x88, 0x88,
}

type subKeys struct {
	cipherKey []byte
	macKey    []byte
}

// splitSubKeys derives the cipher and MAC subkeys from the input key.
// The 256-bit path uses SHA-512 to produce two 256-bit halves, the legacy
// 128-bit path uses SHA-256 to produce two 128-bit halves. Without MAC the
// key is used directly as the cipher key.
func splitSubKeys(key []byte, useMAC bool) subKeys {
	if !useMAC {
		return subKeys{cipherKey: key}
	}
	switch len(key) {
	case KeyLength128:
		sum := sha256.Sum256(key)
		return subKeys{cipherKey: sum[:KeyLength128], macKey: sum[KeyLength128:]}
	default:
		sum := sha512.Sum512(key)
		return subKeys{cipherKey: sum[:KeyLength256], macKey: sum[KeyLength256:]}
	}
}

func verifyKeySize(key []byte) error {
	if len(key) != KeyLength128 && len(key) != KeyLength256 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidKeySize, len(key))
	}
	return nil
}

// Encrypt encrypts plaintext with AES-CBC under the given key and IV.
// With useMAC set, the result carries the MAC-enabled prefix byte and an
// HMAC-SHA256 tag over IV||ciphertext.
func Encrypt(key, plaintext, iv []byte, usePadding, useMAC bool) ([]byte, error) {
	if err := verifyKeySize(key); err != nil {
		return nil, err
	}
	if len(iv) != IVLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidIV, len(iv))
	}

	keys := splitSubKeys(key, useMAC)

	ct, err := cbcEncrypt(keys.cipherKey, plaintext, iv, usePadding)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, 1+IVLength+len(ct)+MACLength)
	if useMAC {
		data = append(data, macEnabledPrefix)
	}
	data = append(data, iv...)
	data = append(data, ct...)

	if useMAC {
		mac := hmac.New(sha256.New, keys.macKey)
		mac.Write(data[1:])
		data = mac.Sum(data)
	}
	return data, nil
}

// Decrypt reverses Encrypt. The MAC is verified over the full IV and
// ciphertext before any block decryption runs, and verification failure is
// reported as ErrInvalidMac with no plaintext.
//
// For legacy 128-bit keys the useMAC argument is ignored: presence of a MAC
// is inferred from the total length parity (a MAC-tagged message is the
// 1-byte prefix plus two 16-aligned parts plus a 32-byte tag, hence odd).
// Stored ciphertexts predate the explicit flag, so the quirk stays.
func Decrypt(key, encrypted []byte, usePadding, useMAC bool) ([]byte, error) {
	if err := verifyKeySize(key); err != nil {
		return nil, err
	}
	if len(key) == KeyLength128 {
		useMAC = len(encrypted)%2 == 1
	}

	keys := splitSubKeys(key, useMAC)

	data := encrypted
	if useMAC {
		if len(encrypted) < 1+IVLength+MACLength {
			return nil, fmt.Errorf("%w: ciphertext too short for MAC layout", ErrInvalidMac)
		}
		if encrypted[0] != macEnabledPrefix {
			return nil, fmt.Errorf("%w: missing MAC prefix", ErrInvalidMac)
		}
		data = encrypted[1 : len(encrypted)-MACLength]
		provided := encrypted[len(encrypted)-MACLength:]

		mac := hmac.New(sha256.New, keys.macKey)
		mac.Write(data)
		if !hmac.Equal(provided, mac.Sum(nil)) {
			return nil, ErrInvalidMac
		}
	}

	if len(data) < IVLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidIV, len(data))
	}
	iv := data[:IVLength]
	ct := data[IVLength:]

	plaintext, err := cbcDecrypt(keys.cipherKey, ct, iv, usePadding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// WrapKey encrypts a session key under an encryption key using the fixed
// key-wrapping IV, no padding and no MAC.
func WrapKey(encryptionKey, key []byte) ([]byte, error) {
	if err := verifyKeySize(encryptionKey); err != nil {
		return nil, err
	}
	return cbcEncrypt(encryptionKey, key, fixedKeyIV[:], false)
}

// UnwrapKey decrypts a wrapped session key. The inverse of WrapKey.
func UnwrapKey(encryptionKey, wrapped []byte) ([]byte, error) {
	if err := verifyKeySize(encryptionKey); err != nil {
		return nil, err
	}
	key, err := cbcDecrypt(encryptionKey, wrapped, fixedKeyIV[:], false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return key, nil
}

// GenerateKey returns a fresh random key of the given length.
func GenerateKey(length int) ([]byte, error) {
	if length != KeyLength128 && length != KeyLength256 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeySize, length)
	}
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateIV returns a fresh random initialization vector.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	return iv, nil
}

func cbcEncrypt(key, plaintext, iv []byte, usePadding bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if usePadding {
		plaintext = padPKCS7(plaintext, block.BlockSize())
	} else if len(plaintext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("unpadded plaintext not block aligned (%d bytes)", len(plaintext))
	}
	ct := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, plaintext)
	return ct, nil
}

func cbcDecrypt(key, ct, iv []byte, usePadding bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ct) == 0 || len(ct)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext not block aligned (%d bytes)", len(ct))
	}
	plaintext := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ct)
	if usePadding {
		return unpadPKCS7(plaintext, block.BlockSize())
	}
	return plaintext, nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("bad padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
