// Package drafts persists brews that the store of record has not accepted yet.
//
// Layout on the host KV store:
//
//	drafts/index     JSON array of local ids
//	drafts/<localID> JSON DraftRecord
package drafts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"brewlog/internal/apperrors"
	"brewlog/internal/kv"
	"brewlog/internal/models"

	"github.com/segmentio/ksuid"
)

const (
	indexKey  = "drafts/index"
	keyPrefix = "drafts/"

	DefaultMaxDrafts = 500
)

// Filter narrows List. An empty States matches every draft.
type Filter struct {
	States []models.SyncState
}

func (f Filter) matches(d *models.DraftRecord) bool {
	return len(f.States) == 0 || slices.Contains(f.States, d.SyncState)
}

// Store is the local draft store. Writes are serialized in-process and each
// one runs in a kv transaction, which also serializes them against other
// processes sharing a SQLite file.
type Store struct {
	kv        kv.Store
	maxDrafts int
	now       func() time.Time
	logger    *slog.Logger

	mu sync.Mutex
}

type Option func(*Store)

func WithMaxDrafts(n int) Option {
	return func(s *Store) { s.maxDrafts = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:        store,
		maxDrafts: DefaultMaxDrafts,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists d as a pending draft and returns its local id. A missing
// LocalID is generated; a LocalID that already exists is a conflict.
func (s *Store) Save(ctx context.Context, d models.DraftRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.LocalID == "" {
		d.LocalID = ksuid.New().String()
	}
	now := s.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	d.SyncState = models.SyncStatePending
	d.RemoteID = ""
	d.AttemptCount = 0
	d.LastError = ""
	d.ErrorKind = models.ErrorKindNone
	d.NextAttemptAt = time.Time{}
	d.SyncStartedAt = time.Time{}

	record, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode draft: %w", err)
	}

	err = kv.Transact(ctx, s.kv, func(tx kv.Txn) error {
		ids, err := readIndex(tx)
		if err != nil {
			return err
		}
		if slices.Contains(ids, d.LocalID) {
			return apperrors.Conflict("draft", d.LocalID, "local id already exists")
		}
		if s.maxDrafts > 0 && len(ids) >= s.maxDrafts {
			return &apperrors.QuotaError{Limit: s.maxDrafts}
		}

		index, err := json.Marshal(append(ids, d.LocalID))
		if err != nil {
			return fmt.Errorf("failed to encode draft index: %w", err)
		}

		// Record first: on a store without transactions an interrupted write
		// leaves an unindexed record, never an index entry without a record.
		if err := tx.Set(keyPrefix+d.LocalID, record); err != nil {
			return fmt.Errorf("failed to save draft: %w", err)
		}
		if err := tx.Set(indexKey, index); err != nil {
			return fmt.Errorf("failed to save draft: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("draft saved", "local_id", d.LocalID)
	return d.LocalID, nil
}

// Get returns the draft with the given id.
func (s *Store) Get(ctx context.Context, localID string) (*models.DraftRecord, error) {
	d, err := read(s.direct(ctx), localID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperrors.NotFound("draft", localID)
	}
	return d, nil
}

// List returns matching drafts, oldest first. Ties on CreatedAt are broken by
// LocalID, which ksuid makes time ordered as well.
func (s *Store) List(ctx context.Context, filter Filter) ([]models.DraftRecord, error) {
	r := s.direct(ctx)
	ids, err := readIndex(r)
	if err != nil {
		return nil, err
	}

	out := make([]models.DraftRecord, 0, len(ids))
	for _, id := range ids {
		d, err := read(r, id)
		if err != nil {
			return nil, err
		}
		if d == nil {
			s.logger.Warn("draft index entry without record", "local_id", id)
			continue
		}
		if filter.matches(d) {
			out = append(out, *d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out, nil
}

// Count returns the number of stored drafts.
func (s *Store) Count(ctx context.Context) (int, error) {
	ids, err := readIndex(s.direct(ctx))
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Update applies patch to the stored draft and returns the result. The
// Expect check and the write happen in one kv transaction, so two stores on
// the same database cannot both claim a draft.
func (s *Store) Update(ctx context.Context, localID string, patch models.DraftPatch) (*models.DraftRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d *models.DraftRecord
	err := kv.Transact(ctx, s.kv, func(tx kv.Txn) error {
		var err error
		d, err = read(tx, localID)
		if err != nil {
			return err
		}
		if d == nil {
			return apperrors.NotFound("draft", localID)
		}

		if !patch.Allows(d.SyncState) {
			return apperrors.Conflict("draft", localID,
				fmt.Sprintf("state is %s, expected one of %v", d.SyncState, patch.Expect))
		}

		patch.Apply(d)

		if !d.SyncState.Valid() {
			return apperrors.Validation("sync_state", fmt.Sprintf("unknown state %q", d.SyncState))
		}
		if d.SyncState == models.SyncStateSynced && d.RemoteID == "" {
			return apperrors.Conflict("draft", localID, "cannot mark synced without a remote id")
		}
		d.UpdatedAt = s.now().UTC()

		record, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to encode draft: %w", err)
		}
		if err := tx.Set(keyPrefix+localID, record); err != nil {
			return fmt.Errorf("failed to update draft %s: %w", localID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Remove deletes the draft. Removing an absent draft is not an error.
func (s *Store) Remove(ctx context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return kv.Transact(ctx, s.kv, func(tx kv.Txn) error {
		ids, err := readIndex(tx)
		if err != nil {
			return err
		}

		// Index first so an interrupted write never lists a deleted record.
		if i := slices.Index(ids, localID); i >= 0 {
			index, err := json.Marshal(slices.Delete(ids, i, i+1))
			if err != nil {
				return fmt.Errorf("failed to encode draft index: %w", err)
			}
			if err := tx.Set(indexKey, index); err != nil {
				return fmt.Errorf("failed to remove draft %s: %w", localID, err)
			}
		}
		if err := tx.Delete(keyPrefix + localID); err != nil {
			return fmt.Errorf("failed to remove draft %s: %w", localID, err)
		}
		return nil
	})
}

// reader is satisfied by kv.Txn and by direct reads outside a transaction.
type reader interface {
	Get(key string) ([]byte, bool, error)
}

type directReader struct {
	ctx context.Context
	kv  kv.Store
}

func (r directReader) Get(key string) ([]byte, bool, error) { return r.kv.Get(r.ctx, key) }

func (s *Store) direct(ctx context.Context) reader {
	return directReader{ctx: ctx, kv: s.kv}
}

func read(r reader, localID string) (*models.DraftRecord, error) {
	data, ok, err := r.Get(keyPrefix + localID)
	if err != nil {
		return nil, fmt.Errorf("failed to read draft %s: %w", localID, err)
	}
	if !ok {
		return nil, nil
	}

	var d models.DraftRecord
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode draft %s: %w", localID, err)
	}
	return &d, nil
}

func readIndex(r reader) ([]string, error) {
	data, ok, err := r.Get(indexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read draft index: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode draft index: %w", err)
	}
	return ids, nil
}
