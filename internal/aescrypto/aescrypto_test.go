package aescrypto

import (
	"bytes"
	"errors"
	"testing"
)

func mustKey(t *testing.T, length int) []byte {
	t.Helper()
	key, err := GenerateKey(length)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func mustIV(t *testing.T) []byte {
	t.Helper()
	iv, err := GenerateIV()
	if err != nil {
		t.Fatalf("Failed to generate IV: %v", err)
	}
	return iv
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("Alarm: weekly team meeting, Mondays 09:00")

	for _, keyLen := range []int{KeyLength128, KeyLength256} {
		for _, useMAC := range []bool{false, true} {
			key := mustKey(t, keyLen)
			iv := mustIV(t)

			encrypted, err := Encrypt(key, plaintext, iv, true, useMAC)
			if err != nil {
				t.Fatalf("Encrypt(keyLen=%d, mac=%v) failed: %v", keyLen, useMAC, err)
			}

			decrypted, err := Decrypt(key, encrypted, true, useMAC)
			if err != nil {
				t.Fatalf("Decrypt(keyLen=%d, mac=%v) failed: %v", keyLen, useMAC, err)
			}
			if !bytes.Equal(decrypted, plaintext) {
				t.Errorf("Round trip mismatch (keyLen=%d, mac=%v)", keyLen, useMAC)
			}
		}
	}
}

func TestEncryptDecryptNoPadding(t *testing.T) {
	key := mustKey(t, KeyLength256)
	iv := mustIV(t)
	plaintext := make([]byte, 32) // block aligned
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	encrypted, err := Encrypt(key, plaintext, iv, false, true)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	decrypted, err := Decrypt(key, encrypted, false, true)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("Round trip mismatch without padding")
	}
}

func TestEncryptRejectsBadIV(t *testing.T) {
	key := mustKey(t, KeyLength256)

	_, err := Encrypt(key, []byte("data"), make([]byte, 12), true, true)
	if !errors.Is(err, ErrInvalidIV) {
		t.Errorf("Expected ErrInvalidIV, got %v", err)
	}
}

func TestEncryptRejectsBadKeySize(t *testing.T) {
	for _, n := range []int{0, 8, 24, 33} {
		_, err := Encrypt(make([]byte, n), []byte("data"), mustIV(t), true, true)
		if !errors.Is(err, ErrInvalidKeySize) {
			t.Errorf("keyLen=%d: expected ErrInvalidKeySize, got %v", n, err)
		}
	}
}

func TestDecryptSingleByteFlipFailsWithInvalidMac(t *testing.T) {
	for _, keyLen := range []int{KeyLength128, KeyLength256} {
		key := mustKey(t, keyLen)
		encrypted, err := Encrypt(key, []byte("tamper target payload"), mustIV(t), true, true)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		for i := range encrypted {
			corrupted := make([]byte, len(encrypted))
			copy(corrupted, encrypted)
			corrupted[i] ^= 0x01

			_, err := Decrypt(key, corrupted, true, true)
			if !errors.Is(err, ErrInvalidMac) {
				t.Errorf("keyLen=%d byte %d: expected ErrInvalidMac, got %v", keyLen, i, err)
			}
		}
	}
}

func TestLegacy128MacInferredFromLengthParity(t *testing.T) {
	key := mustKey(t, KeyLength128)

	withMAC, err := Encrypt(key, []byte("legacy"), mustIV(t), true, true)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(withMAC)%2 != 1 {
		t.Fatalf("Expected odd length for MAC-tagged legacy ciphertext, got %d", len(withMAC))
	}

	withoutMAC, err := Encrypt(key, []byte("legacy"), mustIV(t), true, false)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(withoutMAC)%2 != 0 {
		t.Fatalf("Expected even length for untagged legacy ciphertext, got %d", len(withoutMAC))
	}

	// The useMAC argument is ignored on the legacy path: both decrypt fine
	// regardless of what the caller claims.
	if _, err := Decrypt(key, withMAC, true, false); err != nil {
		t.Errorf("Decrypt of MAC-tagged legacy ciphertext failed: %v", err)
	}
	if _, err := Decrypt(key, withoutMAC, true, true); err != nil {
		t.Errorf("Decrypt of untagged legacy ciphertext failed: %v", err)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key := mustKey(t, KeyLength256)
	other := mustKey(t, KeyLength256)

	encrypted, err := Encrypt(key, []byte("secret"), mustIV(t), true, true)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(other, encrypted, true, true); err == nil {
		t.Error("Expected decryption with wrong key to fail")
	}
}

func TestDecryptBadPaddingFails(t *testing.T) {
	key := mustKey(t, KeyLength256)

	// A block whose final byte is 0x00 can never be valid PKCS#7 padding.
	plaintext := make([]byte, 16)
	encrypted, err := Encrypt(key, plaintext, mustIV(t), false, false)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	_, err = Decrypt(key, encrypted, true, false)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed, got %v", err)
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	for _, wrapLen := range []int{KeyLength128, KeyLength256} {
		encryptionKey := mustKey(t, wrapLen)
		sessionKey := mustKey(t, KeyLength128)

		wrapped, err := WrapKey(encryptionKey, sessionKey)
		if err != nil {
			t.Fatalf("WrapKey failed: %v", err)
		}
		if bytes.Equal(wrapped, sessionKey) {
			t.Fatal("Wrapped key equals plaintext key")
		}

		unwrapped, err := UnwrapKey(encryptionKey, wrapped)
		if err != nil {
			t.Fatalf("UnwrapKey failed: %v", err)
		}
		if !bytes.Equal(unwrapped, sessionKey) {
			t.Error("Unwrap round trip mismatch")
		}
	}
}

func TestUnwrapKeyWrongKeyIsNotSilent(t *testing.T) {
	encryptionKey := mustKey(t, KeyLength128)
	other := mustKey(t, KeyLength128)
	sessionKey := mustKey(t, KeyLength128)

	wrapped, err := WrapKey(encryptionKey, sessionKey)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	// Unauthenticated key wrapping cannot detect a wrong key, but it must
	// never yield the original key material.
	unwrapped, err := UnwrapKey(other, wrapped)
	if err == nil && bytes.Equal(unwrapped, sessionKey) {
		t.Error("Unwrap with wrong key returned the original key")
	}
}
