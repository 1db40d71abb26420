package clientreg

import (
	"context"
	"errors"
	"testing"
)

func TestStaticSourceGetClient(t *testing.T) {
	src := NewStaticSource([]Client{{ID: "client-a"}, {ID: "client-b"}})

	c, err := src.GetClient(context.Background(), "client-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.ID != "client-a" {
		t.Fatalf("got %q", c.ID)
	}

	_, err = src.GetClient(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

type fakeDynamicSource struct {
	clients map[string]Client
}

func (f fakeDynamicSource) GetClient(ctx context.Context, id string) (Client, error) {
	if c, ok := f.clients[id]; ok {
		return c, nil
	}
	return Client{}, ErrNotFound
}

func TestWithStaticPrefersStaticOnCollision(t *testing.T) {
	dynamic := fakeDynamicSource{clients: map[string]Client{
		"shared":       {ID: "shared", Name: "from-dynamic"},
		"only-dynamic": {ID: "only-dynamic"},
	}}
	layered := WithStatic(dynamic, []Client{{ID: "shared", Name: "from-static"}})

	got, err := layered.GetClient(context.Background(), "shared")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "from-static" {
		t.Fatalf("got %q, want static entry to win", got.Name)
	}

	got, err = layered.GetClient(context.Background(), "only-dynamic")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "only-dynamic" {
		t.Fatalf("expected fallthrough to dynamic source")
	}
}
