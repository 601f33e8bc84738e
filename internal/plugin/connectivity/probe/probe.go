// Package probe detects connectivity changes by periodically dialing a
// well-known endpoint.
package probe

import (
	"context"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/notesync/internal/config"
	registryconnectivity "github.com/chirino/notesync/internal/registry/connectivity"
)

func init() {
	registryconnectivity.Register(registryconnectivity.Plugin{
		Name: "probe",
		Loader: func(ctx context.Context) (registryconnectivity.Monitor, error) {
			cfg := config.FromContext(ctx)
			return &probeMonitor{
				address:  cfg.ProbeAddress,
				interval: cfg.ProbeInterval,
				timeout:  cfg.ProbeTimeout,
				events:   make(chan registryconnectivity.Event, 1),
			}, nil
		},
	})
}

type probeMonitor struct {
	address  string
	interval time.Duration
	timeout  time.Duration
	events   chan registryconnectivity.Event
}

var _ registryconnectivity.Monitor = (*probeMonitor)(nil)

func (m *probeMonitor) Events() <-chan registryconnectivity.Event {
	return m.events
}

func (m *probeMonitor) probe() bool {
	conn, err := net.DialTimeout("tcp", m.address, m.timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Start probes until the context is cancelled, emitting the initial state
// and every transition after it.
func (m *probeMonitor) Start(ctx context.Context) error {
	connected := m.probe()
	log.Info("Connectivity monitor started", "address", m.address, "connected", connected)
	m.emit(ctx, registryconnectivity.Event{Connected: connected})

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := m.probe()
			if now == connected {
				continue
			}
			connected = now
			log.Info("Connectivity changed", "connected", connected)
			m.emit(ctx, registryconnectivity.Event{Connected: connected})
		}
	}
}

func (m *probeMonitor) emit(ctx context.Context, ev registryconnectivity.Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}
