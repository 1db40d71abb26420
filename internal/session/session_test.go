package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/actor/memactor"
)

func TestCreateThenGetSessionRoundTrips(t *testing.T) {
	store := New(memactor.New())
	ctx := context.Background()

	sid, err := store.CreateSession(ctx, "user-1", []string{"pwd"}, "urn:acr:1", time.Hour, map[string]string{"ip": "10.0.0.1"})
	require.NoError(t, err)

	sess, err := store.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, "user-1", sess.UserID)
	require.Equal(t, []string{"pwd"}, sess.AMR)
	require.Equal(t, "urn:acr:1", sess.ACR)
	require.WithinDuration(t, time.Now(), sess.AuthTime, time.Second)
}

func TestGetSessionUnknownSidIsNotFound(t *testing.T) {
	store := New(memactor.New())
	_, err := store.GetSession(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeSessionMakesItUnreadable(t *testing.T) {
	store := New(memactor.New())
	ctx := context.Background()

	sid, err := store.CreateSession(ctx, "user-1", nil, "", time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, store.RevokeSession(ctx, sid))

	_, err = store.GetSession(ctx, sid)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeSessionOnUnknownSidIsNoop(t *testing.T) {
	store := New(memactor.New())
	require.NoError(t, store.RevokeSession(context.Background(), "nope"))
}

func TestSilentAuthCheckSatisfiedWithFreshSessionAndMatchingACR(t *testing.T) {
	store := New(memactor.New())
	ctx := context.Background()

	sid, err := store.CreateSession(ctx, "user-1", []string{"pwd"}, "urn:acr:1", time.Hour, nil)
	require.NoError(t, err)

	sess, decision := store.SilentAuthCheck(ctx, sid, time.Hour, []string{"urn:acr:1", "urn:acr:2"})
	require.Equal(t, DecisionSatisfied, decision)
	require.Equal(t, "user-1", sess.UserID)
}

func TestSilentAuthCheckLoginRequiredWithoutSession(t *testing.T) {
	store := New(memactor.New())
	_, decision := store.SilentAuthCheck(context.Background(), "nope", 0, nil)
	require.Equal(t, DecisionLoginRequired, decision)
}

func TestSilentAuthCheckInteractionRequiredWhenTooOld(t *testing.T) {
	store := New(memactor.New())
	ctx := context.Background()

	sid, err := store.CreateSession(ctx, "user-1", nil, "", time.Hour, nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, decision := store.SilentAuthCheck(ctx, sid, time.Millisecond, nil)
	require.Equal(t, DecisionInteractionRequired, decision)
}

func TestSilentAuthCheckInteractionRequiredWhenACRMismatches(t *testing.T) {
	store := New(memactor.New())
	ctx := context.Background()

	sid, err := store.CreateSession(ctx, "user-1", nil, "urn:acr:1", time.Hour, nil)
	require.NoError(t, err)

	_, decision := store.SilentAuthCheck(ctx, sid, 0, []string{"urn:acr:2"})
	require.Equal(t, DecisionInteractionRequired, decision)
}

func TestSilentAuthCheckAnyACRSatisfiesEmptyACRValues(t *testing.T) {
	store := New(memactor.New())
	ctx := context.Background()

	sid, err := store.CreateSession(ctx, "user-1", nil, "urn:acr:1", time.Hour, nil)
	require.NoError(t, err)

	_, decision := store.SilentAuthCheck(ctx, sid, 0, nil)
	require.Equal(t, DecisionSatisfied, decision)
}
