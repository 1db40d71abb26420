package clientreg

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no client is registered under the given ID.
var ErrNotFound = errors.New("clientreg: client not found")

// Source is the source of truth a Registry caches in front of: a static
// bootstrap config, a future admin-managed store, or both layered via
// WithStatic.
type Source interface {
	GetClient(ctx context.Context, id string) (Client, error)
}

// staticSource is a read-only in-memory Source, the same role dex's
// staticClientsStorage plays: bootstrap-config clients that can never be
// created, updated, or deleted at runtime.
type staticSource struct {
	byID map[string]Client
}

// NewStaticSource returns a Source serving a fixed set of clients loaded
// from static configuration.
func NewStaticSource(clients []Client) Source {
	byID := make(map[string]Client, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}
	return staticSource{byID: byID}
}

func (s staticSource) GetClient(ctx context.Context, id string) (Client, error) {
	if c, ok := s.byID[id]; ok {
		return c, nil
	}
	return Client{}, ErrNotFound
}

// layeredSource checks primary first, falling back to secondary. Used by
// WithStatic to let a dynamic source add clients alongside a static
// bootstrap set without the static set ever being mutated.
type layeredSource struct {
	primary   Source
	secondary Source
}

// WithStatic layers a read-only static client set in front of a dynamic
// source: static entries always win on ID collision, exactly as dex's
// WithStaticClients documents ("Clients inherently trust themselves" and
// the static set is consulted first).
func WithStatic(dynamic Source, static []Client) Source {
	return layeredSource{primary: NewStaticSource(static), secondary: dynamic}
}

func (s layeredSource) GetClient(ctx context.Context, id string) (Client, error) {
	c, err := s.primary.GetClient(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Client{}, err
	}
	return s.secondary.GetClient(ctx, id)
}
