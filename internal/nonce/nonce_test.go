package nonce

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func isAlnum(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

func TestGenerate_LengthAndAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		n, err := Generate()
		require.NoError(t, err)
		require.Len(t, n, Length)
		require.True(t, isAlnum(n), "unexpected character in %q", n)
	}
}

func TestGenerate_NoCollisions(t *testing.T) {
	seen := make(map[string]struct{}, 5000)
	for i := 0; i < 5000; i++ {
		n, err := Generate()
		require.NoError(t, err)
		_, dup := seen[n]
		require.False(t, dup, "nonce %q repeated", n)
		seen[n] = struct{}{}
	}
}

func TestGenerator_DeterministicSource(t *testing.T) {
	// 0..11 map straight onto the first 12 letters.
	src := bytes.NewReader([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	n, err := NewGenerator(src).Generate()
	require.NoError(t, err)
	require.Equal(t, "ABCDEFGHIJKL", n)
}

func TestGenerator_RejectsBiasedBytes(t *testing.T) {
	raw := []byte{255, 250, 248, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	n, err := NewGenerator(bytes.NewReader(raw)).Generate()
	require.NoError(t, err)
	require.Equal(t, "ABCDEFGHIJKL", n)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerator_SourceFailure(t *testing.T) {
	_, err := NewGenerator(failingReader{}).Generate()
	require.Error(t, err)
}
