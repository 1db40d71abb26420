// Package scope provides small helpers over an OAuth2 "scope" value, the
// space-delimited list of strings defined by RFC 6749 §3.3.
package scope

import "strings"

const (
	// CrossClientPrefix marks a scope that requests tokens be minted for a
	// peer client's audience rather than the requesting client itself. See
	// https://developers.google.com/identity/protocols/CrossClientAuth.
	CrossClientPrefix = "audience:server:client_id:"

	// Groups indicates that group membership should be added to the ID Token.
	Groups = "groups"

	// OfflineAccess requests a refresh token alongside the access token.
	OfflineAccess = "offline_access"

	OpenID  = "openid"
	Email   = "email"
	Profile = "profile"
)

// Scopes is a parsed, space-delimited OAuth2 scope value.
type Scopes []string

// Parse splits a raw "scope" parameter into Scopes, dropping empty fields.
func Parse(raw string) Scopes {
	return Scopes(strings.Fields(raw))
}

// String renders the scopes back into the space-delimited wire format.
func (s Scopes) String() string {
	return strings.Join(s, " ")
}

// Has reports whether scope is present.
func (s Scopes) Has(target string) bool {
	for _, cur := range s {
		if cur == target {
			return true
		}
	}
	return false
}

// OfflineAccess reports whether the offline_access scope was requested.
func (s Scopes) OfflineAccess() bool {
	return s.Has(OfflineAccess)
}

// CrossClientIDs returns the set of client IDs named by
// "audience:server:client_id:<id>" scopes.
func (s Scopes) CrossClientIDs() []string {
	var ids []string
	for _, cur := range s {
		if strings.HasPrefix(cur, CrossClientPrefix) {
			ids = append(ids, cur[len(CrossClientPrefix):])
		}
	}
	return ids
}

// Subset reports whether every scope in other is present in s (the
// allow-list), ignoring empty entries.
func (s Scopes) Subset(other Scopes) bool {
	have := make(map[string]struct{}, len(s))
	for _, cur := range s {
		have[cur] = struct{}{}
	}
	for _, want := range other {
		if want == "" {
			continue
		}
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}
