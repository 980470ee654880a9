package registry

import (
	"context"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

// Source yields node connection records for discovery.
type Source interface {
	Name() string
	ListNodes(ctx context.Context) ([]api.Node, error)
}

// NodeLister is satisfied by record stores that keep node rows.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]api.Node, error)
}

// StoreSource reads persisted node records.
type StoreSource struct{ Store NodeLister }

func (s StoreSource) Name() string { return "store" }

func (s StoreSource) ListNodes(ctx context.Context) ([]api.Node, error) {
	return s.Store.ListNodes(ctx)
}

// StaticSource serves nodes declared in the config file.
type StaticSource struct{ Nodes []api.Node }

func (s StaticSource) Name() string { return "config" }

func (s StaticSource) ListNodes(ctx context.Context) ([]api.Node, error) {
	_ = ctx
	out := make([]api.Node, len(s.Nodes))
	copy(out, s.Nodes)
	return out, nil
}
