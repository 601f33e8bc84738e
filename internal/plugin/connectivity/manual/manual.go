// Package manual is a connectivity monitor driven by explicit SetConnected
// calls. Used in tests and on platforms that push reachability callbacks
// instead of being polled.
package manual

import (
	"context"

	registryconnectivity "github.com/chirino/notesync/internal/registry/connectivity"
)

func init() {
	registryconnectivity.Register(registryconnectivity.Plugin{
		Name: "manual",
		Loader: func(ctx context.Context) (registryconnectivity.Monitor, error) {
			return New(), nil
		},
	})
}

// New returns a monitor that starts disconnected.
func New() *Monitor {
	return &Monitor{events: make(chan registryconnectivity.Event, 8)}
}

type Monitor struct {
	events chan registryconnectivity.Event
}

var _ registryconnectivity.Monitor = (*Monitor)(nil)

// SetConnected reports a connectivity change. Every call emits an event;
// deduplication is the consumer's concern.
func (m *Monitor) SetConnected(connected bool) {
	m.events <- registryconnectivity.Event{Connected: connected}
}

func (m *Monitor) Events() <-chan registryconnectivity.Event {
	return m.events
}

func (m *Monitor) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
