package noop

import (
	"context"
	"time"

	"github.com/chirino/notesync/internal/model"
	"github.com/chirino/notesync/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.CountsCache, error) {
			return &noopCountsCache{}, nil
		},
	})
}

type noopCountsCache struct{}

func (n *noopCountsCache) Available() bool { return false }
func (n *noopCountsCache) Get(_ context.Context, _ string) (*model.OwnerStats, error) {
	return nil, nil
}
func (n *noopCountsCache) Set(_ context.Context, _ string, _ model.OwnerStats, _ time.Duration) error {
	return nil
}
func (n *noopCountsCache) Remove(_ context.Context, _ string) error { return nil }

var _ cache.CountsCache = (*noopCountsCache)(nil)
