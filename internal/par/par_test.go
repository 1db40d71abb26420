package par

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/veriflow/veriflow/internal/actor/memactor"
)

func TestMintThenConsumeReturnsOriginalParams(t *testing.T) {
	store := New(memactor.New())
	ctx := context.Background()

	params := url.Values{"scope": []string{"openid profile"}, "redirect_uri": []string{"https://client.example.com/cb"}}
	uri, expiresIn, err := store.Mint(ctx, Request{ClientID: "client-a", Params: params, DPoPJKT: "jkt-value"}, false)
	require.NoError(t, err)
	require.Contains(t, uri, requestURIPrefix)
	require.Equal(t, defaultExpiry, expiresIn)

	req, err := store.Consume(ctx, uri, "client-a")
	require.NoError(t, err)
	require.Equal(t, "client-a", req.ClientID)
	require.Equal(t, params, req.Params)
	require.Equal(t, "jkt-value", req.DPoPJKT)
}

func TestConsumeTwiceFailsSecondTime(t *testing.T) {
	store := New(memactor.New())
	ctx := context.Background()

	uri, _, err := store.Mint(ctx, Request{ClientID: "client-a"}, false)
	require.NoError(t, err)

	_, err = store.Consume(ctx, uri, "client-a")
	require.NoError(t, err)

	_, err = store.Consume(ctx, uri, "client-a")
	require.ErrorIs(t, err, ErrInvalidRequestURI)
}

func TestConsumeWithWrongClientIDFails(t *testing.T) {
	store := New(memactor.New())
	ctx := context.Background()

	uri, _, err := store.Mint(ctx, Request{ClientID: "client-a"}, false)
	require.NoError(t, err)

	_, err = store.Consume(ctx, uri, "client-b")
	require.ErrorIs(t, err, ErrInvalidRequestURI)
}

func TestConsumeUnknownURIFails(t *testing.T) {
	store := New(memactor.New())
	_, err := store.Consume(context.Background(), requestURIPrefix+"does-not-exist", "client-a")
	require.ErrorIs(t, err, ErrInvalidRequestURI)
}

func TestConsumeMalformedURIFails(t *testing.T) {
	store := New(memactor.New())
	_, err := store.Consume(context.Background(), "not-a-request-uri", "client-a")
	require.ErrorIs(t, err, ErrInvalidRequestURI)
}

func TestMintUsesShorterExpiryUnderFAPI(t *testing.T) {
	store := New(memactor.New())
	_, expiresIn, err := store.Mint(context.Background(), Request{ClientID: "client-a"}, true)
	require.NoError(t, err)
	require.Equal(t, fapiExpiry, expiresIn)
}

func TestMintThenConsumeWithEncryptionRoundTrips(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	store := New(memactor.New(), WithEncryptionKey(key))
	ctx := context.Background()

	params := url.Values{"login_hint": []string{"alice@example.com"}, "claims": []string{`{"userinfo":{"email":null}}`}}
	uri, _, err := store.Mint(ctx, Request{ClientID: "client-a", Params: params}, false)
	require.NoError(t, err)

	req, err := store.Consume(ctx, uri, "client-a")
	require.NoError(t, err)
	require.Equal(t, params, req.Params)
}
