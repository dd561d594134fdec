package remote

import (
	"context"
	"fmt"
	"sync"

	"brewlog/internal/apperrors"
	"brewlog/internal/models"

	"github.com/google/uuid"
)

// Memory is an in-process store of record with the same idempotency contract
// as the server. It backs tests and offline demos.
type Memory struct {
	mu      sync.Mutex
	byKey   map[string]*models.Brew
	order   []string
	calls   int
	failing []error

	// BeforeCreate, when set, runs before every create and can fail it.
	BeforeCreate func(ctx context.Context, key string) error
	// AfterCreate, when set, runs after a record is stored and can replace
	// the response with an error, simulating a dropped response.
	AfterCreate func(ctx context.Context, key string) error
}

func NewMemory() *Memory {
	return &Memory{byKey: make(map[string]*models.Brew)}
}

// FailNext makes the next len(errs) creates fail with the given errors
// without storing anything.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = append(m.failing, errs...)
}

func (m *Memory) Create(ctx context.Context, payload models.BrewPayload, key string) (models.RemoteRef, error) {
	if key == "" {
		return models.RemoteRef{}, apperrors.Validation("idempotency_key", "is required")
	}
	if m.BeforeCreate != nil {
		if err := m.BeforeCreate(ctx, key); err != nil {
			return models.RemoteRef{}, err
		}
	}

	m.mu.Lock()
	m.calls++
	if len(m.failing) > 0 {
		err := m.failing[0]
		m.failing = m.failing[1:]
		m.mu.Unlock()
		return models.RemoteRef{}, err
	}

	if existing, ok := m.byKey[key]; ok {
		m.mu.Unlock()
		return models.RemoteRef{RemoteID: existing.ID, Replayed: true}, nil
	}

	if err := payload.Validate(); err != nil {
		m.mu.Unlock()
		return models.RemoteRef{}, err
	}

	brew := models.NewBrew(payload, key)
	brew.ID = uuid.NewString()
	m.byKey[key] = brew
	m.order = append(m.order, key)
	m.mu.Unlock()

	if m.AfterCreate != nil {
		if err := m.AfterCreate(ctx, key); err != nil {
			return models.RemoteRef{}, err
		}
	}
	return models.RemoteRef{RemoteID: brew.ID}, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (models.RemoteRef, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byKey[key]
	if !ok {
		return models.RemoteRef{}, false, nil
	}
	return models.RemoteRef{RemoteID: b.ID, Replayed: true}, true, nil
}

// Get returns the record created with key.
func (m *Memory) Get(key string) (*models.Brew, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byKey[key]
	if !ok {
		return nil, apperrors.NotFound("brew", key)
	}
	copied := *b
	return &copied, nil
}

// Keys returns idempotency keys in creation order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// Calls counts create calls that reached the store, including failed ones.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Memory) String() string {
	return fmt.Sprintf("remote.Memory{records: %d}", m.Len())
}
