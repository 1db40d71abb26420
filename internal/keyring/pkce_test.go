package keyring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/keyring"
)

func TestVerifyPKCES256(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge, err := keyring.CodeChallenge(verifier, keyring.CodeChallengeMethodS256)
	require.NoError(t, err)
	require.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", challenge)

	require.NoError(t, keyring.VerifyPKCE(challenge, keyring.CodeChallengeMethodS256, verifier))
}

func TestVerifyPKCERejectsWrongVerifier(t *testing.T) {
	challenge, err := keyring.CodeChallenge("correct-verifier", keyring.CodeChallengeMethodS256)
	require.NoError(t, err)
	require.Error(t, keyring.VerifyPKCE(challenge, keyring.CodeChallengeMethodS256, "wrong-verifier"))
}

func TestVerifyPKCENoFlowStarted(t *testing.T) {
	require.NoError(t, keyring.VerifyPKCE("", "", ""))
	require.ErrorIs(t, keyring.VerifyPKCE("", "", "some-verifier"), keyring.ErrPKCERequired)
	require.ErrorIs(t, keyring.VerifyPKCE("some-challenge", keyring.CodeChallengeMethodS256, ""), keyring.ErrPKCERequired)
}

func TestVerifyPKCEPlainMethod(t *testing.T) {
	require.NoError(t, keyring.VerifyPKCE("plain-value", keyring.CodeChallengeMethodPlain, "plain-value"))
}
