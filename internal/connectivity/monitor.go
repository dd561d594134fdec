// Package connectivity tracks whether the store of record is reachable and
// tells subscribers about every online/offline transition.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener receives the new state after a transition.
type Listener func(online bool)

// Monitor caches the last observed connectivity state. It never probes the
// network itself; host signals arrive through Set or Watch.
type Monitor struct {
	online atomic.Bool

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64

	// notifyMu orders transitions so listeners see them in the order they
	// were observed.
	notifyMu sync.Mutex

	logger *slog.Logger
}

func NewMonitor(initial bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		listeners: make(map[uint64]Listener),
		logger:    logger,
	}
	m.online.Store(initial)
	return m
}

// IsOnline returns the cached state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// AddListener subscribes fn to transitions. The returned function removes
// the subscription and may be called any number of times. Listeners must not
// call Set.
func (m *Monitor) AddListener(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Set records a host signal. Listeners run only when the state changes.
func (m *Monitor) Set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	if m.online.Swap(online) == online {
		return
	}

	m.logger.Info("connectivity changed", "online", online)

	m.mu.Lock()
	snapshot := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		snapshot = append(snapshot, fn)
	}
	m.mu.Unlock()

	for _, fn := range snapshot {
		m.deliver(fn, online)
	}
}

func (m *Monitor) deliver(fn Listener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity listener panicked", "panic", r)
		}
	}()
	fn(online)
}

// Watch feeds Set from signals until ctx is done or the channel is closed.
func (m *Monitor) Watch(ctx context.Context, signals <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-signals:
			if !ok {
				return
			}
			m.Set(online)
		}
	}
}
