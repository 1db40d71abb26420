package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/actor/memactor"
)

func TestIssueThenRotateReturnsSameClaims(t *testing.T) {
	store := NewRefreshStore(memactor.New(), time.Hour)
	ctx := context.Background()

	first, err := store.Issue(ctx, RefreshClaims{Subject: "user-1", ClientID: "client-a", Scopes: []string{"openid"}})
	require.NoError(t, err)

	second, claims, err := store.Rotate(ctx, first)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, "user-1", claims.Subject)
}

func TestRotateUnknownTokenFails(t *testing.T) {
	store := NewRefreshStore(memactor.New(), time.Hour)
	_, _, err := store.Rotate(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestRotateReusedTokenRevokesWholeFamily(t *testing.T) {
	store := NewRefreshStore(memactor.New(), time.Hour)
	ctx := context.Background()

	first, err := store.Issue(ctx, RefreshClaims{Subject: "user-1", ClientID: "client-a"})
	require.NoError(t, err)

	second, _, err := store.Rotate(ctx, first)
	require.NoError(t, err)

	// Replaying the already-consumed first token must revoke second too.
	_, _, err = store.Rotate(ctx, first)
	require.ErrorIs(t, err, ErrRefreshReused)

	_, _, err = store.Rotate(ctx, second)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRefreshReused) // second is simply gone, not a fresh reuse detection
}

func TestRevokeFamilyOnUnknownFamilyIsNoop(t *testing.T) {
	store := NewRefreshStore(memactor.New(), time.Hour)
	err := store.RevokeFamily(context.Background(), "nonexistent-family")
	require.NoError(t, err)
}

func TestIssueInFamilyReservesFamilyBeforeFirstToken(t *testing.T) {
	store := NewRefreshStore(memactor.New(), time.Hour)
	ctx := context.Background()

	token, err := store.IssueInFamily(ctx, "family-x", RefreshClaims{Subject: "user-2"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	next, claims, err := store.Rotate(ctx, token)
	require.NoError(t, err)
	require.NotEmpty(t, next)
	require.Equal(t, "user-2", claims.Subject)
}

func TestRevokeFamilyDeletesEveryDescendant(t *testing.T) {
	store := NewRefreshStore(memactor.New(), time.Hour)
	ctx := context.Background()

	token, err := store.Issue(ctx, RefreshClaims{Subject: "user-1", ClientID: "client-a"})
	require.NoError(t, err)

	rec, err := store.tokens.Get(ctx, token)
	require.NoError(t, err)
	require.NoError(t, store.RevokeFamily(ctx, rec.FamilyID))

	_, _, err = store.Rotate(ctx, token)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrRefreshReused))
}
