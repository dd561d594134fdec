// Package kv is the host persistence surface the draft store is built on:
// a plain get/set/delete key-value store.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store is closed")

// Store is a durable key-value store. Get reports a missing key with
// ok == false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Txn is the view of the store inside Transact.
type Txn interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Transactor is implemented by stores that can run a read-modify-write in
// one transaction, isolated from every other handle on the same data.
type Transactor interface {
	Transact(ctx context.Context, fn func(tx Txn) error) error
}

// Transact runs fn in a transaction when s supports it. Otherwise fn reads
// and writes s directly and callers must serialize themselves. An error from
// fn rolls the transaction back.
func Transact(ctx context.Context, s Store, fn func(tx Txn) error) error {
	if t, ok := s.(Transactor); ok {
		return t.Transact(ctx, fn)
	}
	return fn(directTxn{ctx: ctx, s: s})
}

type directTxn struct {
	ctx context.Context
	s   Store
}

func (t directTxn) Get(key string) ([]byte, bool, error) { return t.s.Get(t.ctx, key) }
func (t directTxn) Set(key string, value []byte) error   { return t.s.Set(t.ctx, key, value) }
func (t directTxn) Delete(key string) error              { return t.s.Delete(t.ctx, key) }

// MemoryStore keeps values in a map. It does not survive a restart and is
// meant for tests and ephemeral agents.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.data[key] = clone(value)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// Transact holds the store lock for the whole of fn. Writes are staged and
// only applied when fn succeeds.
func (m *MemoryStore) Transact(_ context.Context, fn func(tx Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	tx := &memoryTxn{m: m, staged: make(map[string]*[]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for key, v := range tx.staged {
		if v == nil {
			delete(m.data, key)
		} else {
			m.data[key] = *v
		}
	}
	return nil
}

type memoryTxn struct {
	m *MemoryStore
	// staged maps a key to its new value, or nil for a delete
	staged map[string]*[]byte
}

func (t *memoryTxn) Get(key string) ([]byte, bool, error) {
	if v, ok := t.staged[key]; ok {
		if v == nil {
			return nil, false, nil
		}
		return clone(*v), true, nil
	}
	v, ok := t.m.data[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (t *memoryTxn) Set(key string, value []byte) error {
	v := clone(value)
	t.staged[key] = &v
	return nil
}

func (t *memoryTxn) Delete(key string) error {
	t.staged[key] = nil
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
