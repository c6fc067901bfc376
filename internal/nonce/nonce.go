// Package nonce produces the 12 character alphanumeric values paired with each
// per-attempt encryption key.
package nonce

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

// Length is the exact size of every generated nonce.
const Length = 12

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// threshold is the largest multiple of len(alphabet) below 256; bytes at or
// above it are rejected so every character is equally likely.
const threshold = 256 - (256 % len(alphabet))

// Generator draws nonces from an injected randomness source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a Generator reading from r, or from crypto/rand when r is nil.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

// Generate returns a fresh nonce of exactly Length characters from [A-Za-z0-9].
func (g *Generator) Generate() (string, error) {
	var sb strings.Builder
	sb.Grow(Length)
	buf := make([]byte, 32)
	for sb.Len() < Length {
		n, err := g.rand.Read(buf)
		if err != nil {
			return "", fmt.Errorf("reading randomness: %w", err)
		}
		if n == 0 {
			return "", fmt.Errorf("reading randomness: %w", io.ErrNoProgress)
		}
		for i := 0; i < n && sb.Len() < Length; i++ {
			if int(buf[i]) < threshold {
				sb.WriteByte(alphabet[int(buf[i])%len(alphabet)])
			}
		}
	}
	return sb.String(), nil
}

var defaultGenerator = NewGenerator(nil)

// Generate returns a nonce drawn from crypto/rand.
func Generate() (string, error) {
	return defaultGenerator.Generate()
}
