// Package idgen generates the random identifiers used throughout the IdP:
// actor keys, authorization codes, device codes, and device user codes.
// Grounded directly on dex's storage.NewID/NewDeviceCode/NewUserCode
// generators, kept unchanged because they are already exactly what
// spec.md asks for (cryptographically secure, no leading digit, base32
// lower-case alphabet for anything that ends up in a URL).
package idgen

import (
	"crypto"
	"crypto/rand"
	"encoding/base32"
	"io"
	"math/big"
	"strings"
)

var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// validUserCharacters excludes vowels and easily-confused characters so a
// spoken/typed device user code never forms an accidental word.
const validUserCharacters = "BCDFGHJKLMNPQRSTVWXZ"

// NewDeviceCode returns a 51 character cryptographically secure string
// (built from 32 random bytes) suitable for the device_code and
// bc-authorize auth_req_id values.
func NewDeviceCode() string {
	return newSecureID(32)
}

// NewID returns a random string suitable as an actor key: authorization
// codes, PAR request URIs, session IDs, refresh token IDs.
func NewID() string {
	return newSecureID(16)
}

func newSecureID(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	// Avoid the identifier starting with a digit and trim base32 padding.
	return string(buf[0]%26+'a') + strings.TrimRight(encoding.EncodeToString(buf[1:]), "=")
}

// NewHMACKey returns random key material sized for HMAC-ing with h.
func NewHMACKey(h crypto.Hash) []byte {
	key := make([]byte, h.Size())
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(err)
	}
	return key
}

// NewUserCode returns a randomized "XXXX-XXXX" user code for the device
// authorization grant's verification_uri_complete flow.
func NewUserCode() string {
	code := randomString(8)
	return code[:4] + "-" + code[4:]
}

func randomString(n int) string {
	v := big.NewInt(int64(len(validUserCharacters)))
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		c, err := rand.Int(rand.Reader, v)
		if err != nil {
			panic(err)
		}
		out[i] = validUserCharacters[c.Int64()]
	}
	return string(out)
}
