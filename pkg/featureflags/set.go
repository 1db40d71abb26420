package featureflags

var (
	// FAPIEnforced is not read by any code path: setting it imposes none of
	// PAR, PKCE S256, confidential clients or sender-constrained tokens. The
	// only FAPI 2.0 behaviour is per client (clientreg.Client.RequireFAPI2,
	// which shortens the PAR request_uri lifetime).
	FAPIEnforced = newFlag("fapi_enforced", false)

	// AllowNoneAlgorithm lets KeyRing.Sign use a signing key whose algorithm
	// is none; with the flag off Sign refuses such a key. Sign is its only
	// reader: there is no production-environment check and no request-object
	// parsing. DPoP proof verification refuses none regardless of this flag.
	AllowNoneAlgorithm = newFlag("allow_none_algorithm", false)

	// RequireDPoP rejects token issuance for any grant that did not present
	// a valid DPoP proof, even when the client did not register DPoP.
	RequireDPoP = newFlag("require_dpop", false)

	// ConfigDisallowUnknownFields forbids unknown fields while decoding the
	// static bootstrap config.
	ConfigDisallowUnknownFields = newFlag("config_disallow_unknown_fields", false)

	// ClientCredentialGrantEnabledByDefault enables the client_credentials
	// grant type for every registered client without requiring it to be
	// listed explicitly in the client's allowed grant types.
	ClientCredentialGrantEnabledByDefault = newFlag("client_credential_grant_enabled_by_default", false)
)
