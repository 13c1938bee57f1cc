package aescrypto

import "errors"

var (
	// ErrInvalidKeySize is returned for keys that are not 128 or 256 bit.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidIV is returned when an IV is not exactly 16 bytes.
	ErrInvalidIV = errors.New("invalid iv")

	// ErrInvalidMac is returned when MAC verification fails. Decryption is
	// never attempted in that case.
	ErrInvalidMac = errors.New("invalid mac")

	// ErrDecryptionFailed wraps block cipher or padding failures.
	ErrDecryptionFailed = errors.New("decryption failed")
)
