package flow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testContext() FlowRuntimeContext {
	rt := &RuntimeState{
		UserID:                "user-1",
		CompletedCapabilities: []string{"identifier", "login"},
		CollectedData: map[string]interface{}{
			"mfaMethod": "totp",
			"riskScore": float64(42),
		},
		Claims: map[string]interface{}{
			"emailVerified": true,
		},
		OAuthParams: map[string]string{"prompt": "none"},
	}
	return newRuntimeContext(rt)
}

func TestConditionEqMatches(t *testing.T) {
	c := Condition{Path: "collectedData.mfaMethod", Op: OpEq, Value: "totp"}
	require.True(t, c.Evaluate(testContext()))
}

func TestConditionEqMismatches(t *testing.T) {
	c := Condition{Path: "collectedData.mfaMethod", Op: OpEq, Value: "sms"}
	require.False(t, c.Evaluate(testContext()))
}

func TestConditionNumericComparisons(t *testing.T) {
	ctx := testContext()
	require.True(t, (Condition{Path: "collectedData.riskScore", Op: OpGt, Value: 10}).Evaluate(ctx))
	require.True(t, (Condition{Path: "collectedData.riskScore", Op: OpLe, Value: 42}).Evaluate(ctx))
	require.False(t, (Condition{Path: "collectedData.riskScore", Op: OpLt, Value: 42}).Evaluate(ctx))
}

func TestConditionStringOperators(t *testing.T) {
	c := Condition{Path: "oauthParams.prompt", Op: OpCo, Value: "non"}
	require.True(t, c.Evaluate(testContext()))
	require.True(t, (Condition{Path: "oauthParams.prompt", Op: OpSw, Value: "non"}).Evaluate(testContext()))
	require.True(t, (Condition{Path: "oauthParams.prompt", Op: OpEw, Value: "one"}).Evaluate(testContext()))
}

func TestConditionExists(t *testing.T) {
	require.True(t, (Condition{Path: "userId", Op: OpExists}).Evaluate(testContext()))
	require.False(t, (Condition{Path: "collectedData.nope", Op: OpExists}).Evaluate(testContext()))
}

func TestConditionIsTrueIsFalse(t *testing.T) {
	require.True(t, (Condition{Path: "claims.emailVerified", Op: OpIsTrue}).Evaluate(testContext()))
	require.False(t, (Condition{Path: "claims.emailVerified", Op: OpIsFalse}).Evaluate(testContext()))
}

func TestConditionInAndNotIn(t *testing.T) {
	c := Condition{Path: "collectedData.mfaMethod", Op: OpIn, Value: []interface{}{"totp", "webauthn"}}
	require.True(t, c.Evaluate(testContext()))
	nc := Condition{Path: "collectedData.mfaMethod", Op: OpNotIn, Value: []interface{}{"sms"}}
	require.True(t, nc.Evaluate(testContext()))
}

func TestConditionMatches(t *testing.T) {
	c := Condition{Path: "collectedData.mfaMethod", Op: OpMatches, Value: "^to.p$"}
	require.True(t, c.Evaluate(testContext()))
}

func TestConditionCompletedCapabilitiesPath(t *testing.T) {
	c := Condition{Path: "completedCapabilities", Op: OpIn, Value: []interface{}{"identifier", "login"}}
	// completedCapabilities resolves to a slice, not a scalar, so an "in"
	// comparison against it (rather than checking membership of it) never
	// matches a scalar-shaped Value list; existence is the meaningful check.
	require.False(t, c.Evaluate(testContext()))
	require.True(t, (Condition{Path: "completedCapabilities", Op: OpExists}).Evaluate(testContext()))
}

func TestConditionAndOrNot(t *testing.T) {
	ctx := testContext()
	and := Condition{And: []Condition{
		{Path: "userId", Op: OpExists},
		{Path: "collectedData.mfaMethod", Op: OpEq, Value: "totp"},
	}}
	require.True(t, and.Evaluate(ctx))

	or := Condition{Or: []Condition{
		{Path: "collectedData.mfaMethod", Op: OpEq, Value: "sms"},
		{Path: "collectedData.mfaMethod", Op: OpEq, Value: "totp"},
	}}
	require.True(t, or.Evaluate(ctx))

	not := Condition{Not: &Condition{Path: "collectedData.mfaMethod", Op: OpEq, Value: "sms"}}
	require.True(t, not.Evaluate(ctx))
}

func TestConditionMissingPathIsFalseExceptExists(t *testing.T) {
	c := Condition{Path: "collectedData.absent", Op: OpEq, Value: "x"}
	require.False(t, c.Evaluate(testContext()))
}
