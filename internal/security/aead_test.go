package security

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T, size int) string {
	t.Helper()
	b := make([]byte, size)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

func TestAESGCM_RoundTrip(t *testing.T) {
	enc := AESGCM{}
	payloads := []string{
		`{"card_token":"tok_123","cvv":"123"}`,
		`{}`,
		"",
		strings.Repeat("x", 4096),
	}
	for _, size := range []int{16, 24, 32} {
		key := newKey(t, size)
		for _, p := range payloads {
			ct, err := enc.Encrypt([]byte(p), key, "ABCDEFabcdef")
			require.NoError(t, err)

			got, err := Decrypt(ct, key, "ABCDEFabcdef")
			require.NoError(t, err)
			require.Equal(t, p, string(got))
		}
	}
}

func TestAESGCM_Deterministic(t *testing.T) {
	key := newKey(t, 32)
	a, err := AESGCM{}.Encrypt([]byte("payload"), key, "0123456789ab")
	require.NoError(t, err)
	b, err := AESGCM{}.Encrypt([]byte("payload"), key, "0123456789ab")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := AESGCM{}.Encrypt([]byte("payload"), key, "0123456789ac")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestAESGCM_InvalidNonceLength(t *testing.T) {
	// An invalid key proves the nonce check happens before any key work.
	for _, n := range []string{"", "short", "01234567890", "0123456789abc", strings.Repeat("n", 32)} {
		_, err := AESGCM{}.Encrypt([]byte("payload"), "%%%not-base64%%%", n)
		require.ErrorIs(t, err, ErrInvalidNonceLength, "nonce %q", n)
	}
}

func TestAESGCM_NonceCountsCharacters(t *testing.T) {
	key := newKey(t, 32)

	// six two-byte characters fill twelve bytes
	_, err := AESGCM{}.Encrypt([]byte("payload"), key, "éééééé")
	require.ErrorIs(t, err, ErrInvalidNonceLength)

	// twelve characters, twenty-four bytes
	_, err = AESGCM{}.Encrypt([]byte("payload"), key, strings.Repeat("é", 12))
	require.ErrorIs(t, err, ErrInvalidNonceLength)

	_, err = Decrypt("AAAA", key, "éééééé")
	require.ErrorIs(t, err, ErrInvalidNonceLength)

	// invalid UTF-8 bytes are not characters either
	_, err = AESGCM{}.Encrypt([]byte("payload"), key, strings.Repeat("\xff", 12))
	require.ErrorIs(t, err, ErrInvalidNonceLength)

	require.NoError(t, CheckNonce("ABCDEFabcdef"))
}

func TestAESGCM_InvalidKeyMaterial(t *testing.T) {
	cases := map[string]string{
		"not base64": "***",
		"empty":      "",
		"wrong size": base64.StdEncoding.EncodeToString([]byte("seven b")),
	}
	for name, key := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := AESGCM{}.Encrypt([]byte("payload"), key, "ABCDEFabcdef")
			require.ErrorIs(t, err, ErrInvalidKeyMaterial)
		})
	}
}

func TestDecrypt_TamperDetected(t *testing.T) {
	key := newKey(t, 32)
	ct, err := AESGCM{}.Encrypt([]byte("payload"), key, "ABCDEFabcdef")
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(ct)
	raw[0] ^= 0xff
	_, err = Decrypt(base64.StdEncoding.EncodeToString(raw), key, "ABCDEFabcdef")
	require.Error(t, err)

	_, err = Decrypt(ct, newKey(t, 32), "ABCDEFabcdef")
	require.Error(t, err)
}

func TestWipe(t *testing.T) {
	b := []byte("secret")
	Wipe(b)
	require.Equal(t, make([]byte, 6), b)
}
