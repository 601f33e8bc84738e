package connectivity

import (
	"context"
	"fmt"
)

// Event is a connectivity state transition.
type Event struct {
	Connected bool
}

// Monitor reports connectivity transitions as discrete events. Implementations
// emit only state changes (plus the initial state), never steady-state polls.
type Monitor interface {
	// Start begins monitoring. It blocks until ctx is canceled.
	Start(ctx context.Context) error
	// Events returns the transition stream. The channel is closed when the
	// monitor stops.
	Events() <-chan Event
}

// Loader creates a Monitor from config.
type Loader func(ctx context.Context) (Monitor, error)

// Plugin represents a connectivity monitor plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a connectivity monitor plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered connectivity monitor plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named connectivity monitor plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown connectivity monitor %q; valid: %v", name, Names())
}
