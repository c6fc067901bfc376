package security

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// NonceSize is the GCM initialization vector size; nonces are used as-is.
const NonceSize = 12

var (
	ErrInvalidNonceLength = errors.New("invalid nonce length")
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrCryptoUnavailable  = errors.New("crypto primitive unavailable")
)

// Encryptor is the AEAD capability the payment flow encrypts card payloads with.
// Implementations may be the software AES-GCM one or an HSM-backed one.
type Encryptor interface {
	// Encrypt seals plaintext with the base64 encoded key and the 12 character
	// nonce and returns base64(ciphertext || tag). The key is used for this call only.
	Encrypt(plaintext []byte, key, nonce string) (string, error)
}

// CheckNonce accepts exactly NonceSize ASCII characters, so the character
// count and the IV byte length agree.
func CheckNonce(nonce string) error {
	if n := utf8.RuneCountInString(nonce); n != NonceSize {
		return fmt.Errorf("nonce has %d characters, want %d: %w", n, NonceSize, ErrInvalidNonceLength)
	}
	for i := 0; i < len(nonce); i++ {
		if nonce[i] >= utf8.RuneSelf {
			return fmt.Errorf("nonce must be ASCII: %w", ErrInvalidNonceLength)
		}
	}
	return nil
}
