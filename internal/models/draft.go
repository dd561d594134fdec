package models

import (
	"slices"
	"time"

	"brewlog/internal/brewcalc"
)

// SyncState is the position of a draft in the sync state machine:
//
//	pending -> syncing -> synced
//	                   -> failed -> pending (retry)
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSynced  SyncState = "synced"
	SyncStateFailed  SyncState = "failed"
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStatePending, SyncStateSyncing, SyncStateSynced, SyncStateFailed:
		return true
	}
	return false
}

// ErrorKind records how the last sync failure was classified.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindValidation ErrorKind = "validation"
)

// DraftRecord is a brew held on the device until the store of record has
// accepted it. LocalID doubles as the idempotency key of the remote create.
type DraftRecord struct {
	LocalID        string      `json:"local_id"`
	RemoteID       string      `json:"remote_id,omitempty"`
	Payload        BrewPayload `json:"payload"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	SyncState      SyncState   `json:"sync_state"`
	AttemptCount   int         `json:"attempt_count"`
	LastError      string      `json:"last_error,omitempty"`
	ErrorKind      ErrorKind   `json:"error_kind,omitempty"`
	NextAttemptAt  time.Time   `json:"next_attempt_at,omitzero"`
	SyncStartedAt  time.Time   `json:"sync_started_at,omitzero"`
	NeedsReconcile bool        `json:"needs_reconcile,omitempty"`
}

// IsSynced reports whether the store of record holds this draft.
func (d *DraftRecord) IsSynced() bool {
	return d.SyncState == SyncStateSynced && d.RemoteID != ""
}

// DraftPatch is a partial update of a stored draft. Expect, when non-empty,
// is a precondition on the current state.
type DraftPatch struct {
	Expect         []SyncState
	Payload        *BrewPayload
	RemoteID       *string
	SyncState      *SyncState
	AttemptCount   *int
	LastError      *string
	ErrorKind      *ErrorKind
	NextAttemptAt  *time.Time
	SyncStartedAt  *time.Time
	NeedsReconcile *bool
}

// Allows reports whether the precondition admits state s.
func (p DraftPatch) Allows(s SyncState) bool {
	return len(p.Expect) == 0 || slices.Contains(p.Expect, s)
}

// Apply writes the patch onto d.
func (p DraftPatch) Apply(d *DraftRecord) {
	if p.Payload != nil {
		d.Payload = *p.Payload
	}
	if p.RemoteID != nil {
		d.RemoteID = *p.RemoteID
	}
	if p.SyncState != nil {
		d.SyncState = *p.SyncState
	}
	if p.AttemptCount != nil {
		d.AttemptCount = *p.AttemptCount
	}
	if p.LastError != nil {
		d.LastError = *p.LastError
	}
	if p.ErrorKind != nil {
		d.ErrorKind = *p.ErrorKind
	}
	if p.NextAttemptAt != nil {
		d.NextAttemptAt = *p.NextAttemptAt
	}
	if p.SyncStartedAt != nil {
		d.SyncStartedAt = *p.SyncStartedAt
	}
	if p.NeedsReconcile != nil {
		d.NeedsReconcile = *p.NeedsReconcile
	}
}

// RemoteRef identifies the record created by the store of record.
type RemoteRef struct {
	RemoteID string `json:"id"`
	Replayed bool   `json:"replayed,omitempty"`
}

// DraftView is what the UI reads: the stored draft plus values computed on read.
type DraftView struct {
	DraftRecord
	Derived            brewcalc.Derived `json:"derived"`
	RatioDisplay       string           `json:"ratio_display,omitempty"`
	DisplayName        string           `json:"display_name"`
	AwaitingSync       bool             `json:"awaiting_sync"`
	AwaitingReflection bool             `json:"awaiting_reflection"`
}

// NewDraftView computes the read-time fields for d.
func NewDraftView(d DraftRecord, displayName string) DraftView {
	derived := d.Payload.Derived()
	return DraftView{
		DraftRecord:        d,
		Derived:            derived,
		RatioDisplay:       derived.RatioDisplay(),
		DisplayName:        displayName,
		AwaitingSync:       d.SyncState != SyncStateSynced,
		AwaitingReflection: d.Payload.NeedsReflection(),
	}
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
