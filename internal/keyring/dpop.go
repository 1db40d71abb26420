package keyring

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// dpopAllowedAlgs lists the signature algorithms accepted on a DPoP proof
// JWT. None is never acceptable here regardless of featureflags.AllowNoneAlgorithm:
// a proof of possession with no signature proves nothing.
var dpopAllowedAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.ES384, jose.ES512, jose.EdDSA}

// dpopProofFreshness bounds how far the proof's iat may drift from now, to
// limit the window a captured-but-not-yet-replayed proof stays usable.
const dpopProofFreshness = 60 * time.Second

// DPoPClaims are the JWT claims carried by a DPoP proof, per RFC 9449 §4.2.
type DPoPClaims struct {
	JTI           string `json:"jti"`
	HTTPMethod    string `json:"htm"`
	HTTPURI       string `json:"htu"`
	IssuedAt      int64  `json:"iat"`
	AccessTokHash string `json:"ath,omitempty"`
}

// DPoPProof is a verified DPoP proof: its claims plus the JWK thumbprint
// (jkt) of the key that signed it, which callers bind to the issued token.
type DPoPProof struct {
	Claims DPoPClaims
	JKT    string
}

// VerifyDPoPProof parses and verifies a DPoP proof JWT: it must carry
// typ=dpop+jwt, an embedded public JWK in its header used to verify its own
// signature, and htm/htu claims matching the request, with iat within
// dpopProofFreshness of now. jti replay rejection is the caller's
// responsibility (via the actor store, keyed by jti) since it requires
// shared state this package does not own.
func VerifyDPoPProof(proof, method, uri string, now time.Time) (DPoPProof, error) {
	jws, err := jose.ParseSigned(proof, dpopAllowedAlgs)
	if err != nil {
		return DPoPProof{}, fmt.Errorf("keyring: parse dpop proof: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return DPoPProof{}, fmt.Errorf("keyring: dpop proof must have exactly one signature")
	}
	header := jws.Signatures[0].Header
	if typ, _ := header.ExtraHeaders["typ"].(string); typ != "dpop+jwt" {
		return DPoPProof{}, fmt.Errorf("keyring: dpop proof typ must be \"dpop+jwt\", got %q", typ)
	}
	if header.JSONWebKey == nil {
		return DPoPProof{}, fmt.Errorf("keyring: dpop proof header missing jwk")
	}
	jwk := *header.JSONWebKey
	if !jwk.IsPublic() {
		jwk = jwk.Public()
	}

	payload, err := jws.Verify(jwk.Key)
	if err != nil {
		return DPoPProof{}, fmt.Errorf("keyring: dpop proof signature invalid: %w", err)
	}

	var claims DPoPClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return DPoPProof{}, fmt.Errorf("keyring: dpop proof claims invalid: %w", err)
	}
	if claims.JTI == "" {
		return DPoPProof{}, fmt.Errorf("keyring: dpop proof missing jti")
	}
	if !strings.EqualFold(claims.HTTPMethod, method) {
		return DPoPProof{}, fmt.Errorf("keyring: dpop proof htm mismatch")
	}
	if normalizeURI(claims.HTTPURI) != normalizeURI(uri) {
		return DPoPProof{}, fmt.Errorf("keyring: dpop proof htu mismatch")
	}
	iat := time.Unix(claims.IssuedAt, 0)
	if now.Sub(iat) > dpopProofFreshness || iat.Sub(now) > dpopProofFreshness {
		return DPoPProof{}, fmt.Errorf("keyring: dpop proof iat outside freshness window")
	}

	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return DPoPProof{}, fmt.Errorf("keyring: computing jwk thumbprint: %w", err)
	}

	return DPoPProof{Claims: claims, JKT: base64.RawURLEncoding.EncodeToString(thumb)}, nil
}

func normalizeURI(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	return strings.TrimSuffix(uri, "/")
}
