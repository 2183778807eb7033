// Package connectivity tracks whether the backend is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Signal is what the upload pipeline consumes.
type Signal interface {
	Online() bool
}

// Pinger checks reachability once.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor checks the backend periodically and reports offline/online
// transitions. Listeners on OnlineEvents receive one value per
// offline-to-online transition; sends never block.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	online    bool
	listeners []chan struct{}
}

// NewMonitor returns a monitor that assumes it starts online until the first
// check says otherwise.
func NewMonitor(p Pinger, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{pinger: p, interval: interval, logger: logger, online: true}
}

// Online reports the result of the latest check.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnlineEvents returns a channel that receives a value each time the backend
// becomes reachable again.
func (m *Monitor) OnlineEvents() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()
	return ch
}

// Run checks immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one check and updates the state.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.pinger.Ping(ctx)
	if ctx.Err() != nil {
		return m.Online()
	}
	m.Set(err == nil)
	if err != nil {
		m.logger.Debug("backend check failed", "error", err)
	}
	return err == nil
}

// Set forces the state, notifying listeners on an offline-to-online edge.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	prev := m.online
	m.online = online
	var notify []chan struct{}
	if online && !prev {
		notify = m.listeners
	}
	m.mu.Unlock()

	if prev != online {
		if online {
			m.logger.Info("backend reachable")
		} else {
			m.logger.Warn("backend unreachable, uploads deferred")
		}
	}
	for _, ch := range notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Static is a fixed connectivity signal.
type Static bool

func (s Static) Online() bool { return bool(s) }
