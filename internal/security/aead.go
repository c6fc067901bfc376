package security

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

// AESGCM is the software Encryptor built on crypto/aes and crypto/cipher.
type AESGCM struct{}

var _ Encryptor = AESGCM{}

func (AESGCM) Encrypt(plaintext []byte, key, nonce string) (string, error) {
	if err := CheckNonce(nonce); err != nil {
		return "", err
	}

	aead, raw, err := newGCM(key)
	defer Wipe(raw)
	if err != nil {
		return "", err
	}

	sealed := aead.Seal(nil, []byte(nonce), plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a payload produced by Encrypt. Only the fake gateway and tests
// need it; the payment flow never decrypts.
func Decrypt(ciphertext, key, nonce string) ([]byte, error) {
	if err := CheckNonce(nonce); err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	aead, raw, err := newGCM(key)
	defer Wipe(raw)
	if err != nil {
		return nil, err
	}

	plain, err := aead.Open(nil, []byte(nonce), sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	return plain, nil
}

// DecodeKey decodes a base64 key and checks it is a valid AES key size.
// Callers must Wipe the returned bytes.
func DecodeKey(key string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", ErrInvalidKeyMaterial)
	}
	switch len(raw) {
	case 16, 24, 32:
		return raw, nil
	default:
		Wipe(raw)
		return nil, fmt.Errorf("key has %d bytes: %w", len(raw), ErrInvalidKeyMaterial)
	}
}

func newGCM(key string) (cipher.AEAD, []byte, error) {
	raw, err := DecodeKey(key)
	if err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, raw, fmt.Errorf("%v: %w", err, ErrInvalidKeyMaterial)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, raw, fmt.Errorf("%v: %w", err, ErrCryptoUnavailable)
	}
	return aead, raw, nil
}

// Wipe zeroes b. Go gives no guarantee that no other copy exists.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
