package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/notesync/internal/model"
)

// CountsCache caches authoritative recount stats per owner so returning to a
// list screen does not re-issue count queries on every visit.
type CountsCache interface {
	Available() bool
	// Get returns the cached stats, or (nil, nil) on a miss.
	Get(ctx context.Context, ownerID string) (*model.OwnerStats, error)
	Set(ctx context.Context, ownerID string, stats model.OwnerStats, ttl time.Duration) error
	Remove(ctx context.Context, ownerID string) error
}

// Loader creates a CountsCache from config.
type Loader func(ctx context.Context) (CountsCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
