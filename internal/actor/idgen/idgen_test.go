package idgen

import (
	"crypto"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/require"
)

func TestNewIDNeverStartsWithDigit(t *testing.T) {
	for i := 0; i < 200; i++ {
		id := NewID()
		require.NotEmpty(t, id)
		require.False(t, unicode.IsDigit(rune(id[0])), "id %q starts with a digit", id)
	}
}

func TestNewDeviceCodeLength(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		code := NewDeviceCode()
		require.Len(t, code, 51)
		require.NotContains(t, seen, code, "device codes must not repeat")
		seen[code] = struct{}{}
	}
}

func TestNewUserCodeFormat(t *testing.T) {
	code := NewUserCode()
	require.Len(t, code, 9)
	require.Equal(t, "-", string(code[4]))
	for _, half := range strings.Split(code, "-") {
		require.Len(t, half, 4)
		for _, r := range half {
			require.Contains(t, validUserCharacters, string(r))
			require.NotContains(t, "AEIOUY", string(r))
		}
	}
}

func TestNewHMACKeySize(t *testing.T) {
	key := NewHMACKey(crypto.SHA256)
	require.Len(t, key, crypto.SHA256.Size())
}
