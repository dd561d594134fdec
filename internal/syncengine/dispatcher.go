package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
)

/*
LEARNING: SINGLE-WORKER DISPATCHER

Connectivity listeners and the retry timer must never run a sync pass on
their own goroutine. They call Trigger, which drops a token into a channel
of capacity one and returns. One worker goroutine drains the channel and
runs passes.

A trigger that arrives while a token is already queued is absorbed by it:
the queued pass will see every draft the second trigger cared about.
*/

type dispatcher struct {
	engine *Engine

	triggers  chan struct{}
	reconnect atomic.Bool

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	passes atomic.Int64
}

func newDispatcher(e *Engine) *dispatcher {
	return &dispatcher{
		engine:   e,
		triggers: make(chan struct{}, 1),
	}
}

// Start recovers stale drafts, subscribes to connectivity and launches the
// worker. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	d := e.dispatcher

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	if n, err := e.RecoverStale(ctx); err != nil {
		return err
	} else if n > 0 {
		e.logger.Info("recovered stale drafts", "count", n)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.started = true

	if e.conn != nil {
		d.unsubscribe = e.conn.AddListener(func(online bool) {
			if online {
				d.reconnect.Store(true)
				d.trigger()
			}
		})
	}

	d.wg.Add(1)
	go d.worker(ctx)

	e.logger.Info("sync dispatcher started")
	d.trigger()
	return nil
}

// Stop unsubscribes, disarms the retry timer and waits for a running pass
// to finish.
func (e *Engine) Stop() {
	d := e.dispatcher

	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	d.cancel()
	d.mu.Unlock()

	e.stopTimer()
	d.wg.Wait()
	e.logger.Info("sync dispatcher stopped")
}

// Trigger asks the dispatcher for a pass without blocking. A trigger made
// before Start is held until the worker runs.
func (e *Engine) Trigger() {
	e.dispatcher.trigger()
}

// Passes returns how many passes the dispatcher has run.
func (e *Engine) Passes() int64 {
	return e.dispatcher.passes.Load()
}

func (d *dispatcher) trigger() {
	select {
	case d.triggers <- struct{}{}:
	default:
	}
}

func (d *dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	e := d.engine

	for {
		select {
		case <-ctx.Done():
			return

		case <-d.triggers:
			if e.conn != nil && !e.conn.IsOnline() {
				e.logger.Debug("offline, deferring sync pass")
				continue
			}

			ignoreBackoff := d.reconnect.Swap(false)
			result, err := e.syncPass(ctx, ignoreBackoff)
			d.passes.Add(1)

			if err != nil && ctx.Err() == nil {
				e.logger.Error("sync pass aborted", "error", err)
			} else if result.Coalesced {
				e.logger.Debug("sync pass coalesced with a running pass")
			}
		}
	}
}
