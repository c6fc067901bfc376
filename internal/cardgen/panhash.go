package cardgen

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HashPANHMAC computes HMAC-SHA256 over a PAN with a secret pepper, so audit
// records can correlate attempts on the same card without storing it.
func HashPANHMAC(pan string, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(pan))
	return h.Sum(nil)
}
