package models

import (
	"math"
	"time"

	"brewlog/internal/apperrors"
	"brewlog/internal/brewcalc"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	MinRating = 1
	MaxRating = 5
)

// BrewPayload is the brew as captured by the barista. It is the body of a
// remote create and the payload of a local draft.
type BrewPayload struct {
	Name            string     `json:"name,omitempty"`
	MachineID       int64      `json:"machine_id"`
	BagID           int64      `json:"bag_id"`
	GrinderID       int64      `json:"grinder_id"`
	BaristaID       int64      `json:"barista_id"`
	Dose            float64    `json:"dose"`
	Yield           *float64   `json:"yield,omitempty"`
	BrewTimeSeconds *float64   `json:"brew_time,omitempty"`
	Rating          *int       `json:"rating,omitempty"`
	TastingNotes    *string    `json:"tasting_notes,omitempty"`
	Reflections     *string    `json:"reflections,omitempty"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
}

// Validate checks the fields required at capture time.
func (p BrewPayload) Validate() error {
	switch {
	case p.MachineID <= 0:
		return apperrors.Validation("machine_id", "is required")
	case p.BagID <= 0:
		return apperrors.Validation("bag_id", "is required")
	case p.GrinderID <= 0:
		return apperrors.Validation("grinder_id", "is required")
	case p.BaristaID <= 0:
		return apperrors.Validation("barista_id", "is required")
	case math.IsNaN(p.Dose) || math.IsInf(p.Dose, 0) || p.Dose <= 0:
		return apperrors.Validation("dose", "must be a positive number of grams")
	}

	if p.Yield != nil && (math.IsNaN(*p.Yield) || *p.Yield < 0) {
		return apperrors.Validation("yield", "must not be negative")
	}
	if p.BrewTimeSeconds != nil && (math.IsNaN(*p.BrewTimeSeconds) || *p.BrewTimeSeconds < 0) {
		return apperrors.Validation("brew_time", "must not be negative")
	}
	if p.Rating != nil && (*p.Rating < MinRating || *p.Rating > MaxRating) {
		return apperrors.Validation("rating", "must be between 1 and 5")
	}
	return nil
}

// Derived recomputes ratio and flow rate from the payload.
func (p BrewPayload) Derived() brewcalc.Derived {
	return brewcalc.Compute(p.Dose, p.Yield, p.BrewTimeSeconds)
}

// NeedsReflection reports whether the completion fields are still missing.
func (p BrewPayload) NeedsReflection() bool {
	return p.Yield == nil || p.BrewTimeSeconds == nil || p.Rating == nil
}

// BrewPatch is a partial edit of a payload. Nil fields are left untouched.
type BrewPatch struct {
	Name            *string    `json:"name,omitempty"`
	MachineID       *int64     `json:"machine_id,omitempty"`
	BagID           *int64     `json:"bag_id,omitempty"`
	GrinderID       *int64     `json:"grinder_id,omitempty"`
	BaristaID       *int64     `json:"barista_id,omitempty"`
	Dose            *float64   `json:"dose,omitempty"`
	Yield           *float64   `json:"yield,omitempty"`
	BrewTimeSeconds *float64   `json:"brew_time,omitempty"`
	Rating          *int       `json:"rating,omitempty"`
	TastingNotes    *string    `json:"tasting_notes,omitempty"`
	Reflections     *string    `json:"reflections,omitempty"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
}

// Apply returns a copy of p with the patch applied.
func (bp BrewPatch) Apply(p BrewPayload) BrewPayload {
	if bp.Name != nil {
		p.Name = *bp.Name
	}
	if bp.MachineID != nil {
		p.MachineID = *bp.MachineID
	}
	if bp.BagID != nil {
		p.BagID = *bp.BagID
	}
	if bp.GrinderID != nil {
		p.GrinderID = *bp.GrinderID
	}
	if bp.BaristaID != nil {
		p.BaristaID = *bp.BaristaID
	}
	if bp.Dose != nil {
		p.Dose = *bp.Dose
	}
	if bp.Yield != nil {
		p.Yield = bp.Yield
	}
	if bp.BrewTimeSeconds != nil {
		p.BrewTimeSeconds = bp.BrewTimeSeconds
	}
	if bp.Rating != nil {
		p.Rating = bp.Rating
	}
	if bp.TastingNotes != nil {
		p.TastingNotes = bp.TastingNotes
	}
	if bp.Reflections != nil {
		p.Reflections = bp.Reflections
	}
	if bp.Timestamp != nil {
		p.Timestamp = bp.Timestamp
	}
	return p
}

// Reflection carries the completion fields that are optional at capture time
// and required once the barista reflects on the brew.
type Reflection struct {
	Yield           *float64 `json:"yield"`
	BrewTimeSeconds *float64 `json:"brew_time"`
	Rating          *int     `json:"rating"`
	TastingNotes    *string  `json:"tasting_notes,omitempty"`
	Reflections     *string  `json:"reflections,omitempty"`
}

// Validate requires every field that completion makes mandatory.
func (r Reflection) Validate() error {
	switch {
	case r.Yield == nil:
		return apperrors.Validation("yield", "is required to complete a brew")
	case r.BrewTimeSeconds == nil:
		return apperrors.Validation("brew_time", "is required to complete a brew")
	case r.Rating == nil:
		return apperrors.Validation("rating", "is required to complete a brew")
	}
	return nil
}

// Patch converts the reflection into a payload patch.
func (r Reflection) Patch() BrewPatch {
	return BrewPatch{
		Yield:           r.Yield,
		BrewTimeSeconds: r.BrewTimeSeconds,
		Rating:          r.Rating,
		TastingNotes:    r.TastingNotes,
		Reflections:     r.Reflections,
	}
}

// Brew is the authoritative record held by the server.
type Brew struct {
	ID              string     `json:"id" gorm:"type:uuid;primaryKey"`
	IdempotencyKey  string     `json:"idempotency_key" gorm:"type:varchar(64);not null;uniqueIndex:ux_brews_idempotency_key"`
	Name            string     `json:"name" gorm:"type:text"`
	MachineID       int64      `json:"machine_id" gorm:"not null;index"`
	BagID           int64      `json:"bag_id" gorm:"not null;index"`
	GrinderID       int64      `json:"grinder_id" gorm:"not null"`
	BaristaID       int64      `json:"barista_id" gorm:"not null;index"`
	Dose            float64    `json:"dose" gorm:"not null"`
	Yield           *float64   `json:"yield,omitempty" gorm:"column:yield"`
	BrewTimeSeconds *float64   `json:"brew_time,omitempty" gorm:"column:brew_time"`
	Rating          *int       `json:"rating,omitempty"`
	TastingNotes    *string    `json:"tasting_notes,omitempty" gorm:"type:text"`
	Reflections     *string    `json:"reflections,omitempty" gorm:"type:text"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	CreatedAt       time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate generates the remote id
func (b *Brew) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// BrewFilter narrows a brew listing. Nil fields do not filter.
type BrewFilter struct {
	BaristaID *int64
	BagID     *int64
	BeanID    *int64
}

// TableName override
func (Brew) TableName() string {
	return "brew"
}

// NewBrew builds a Brew row from a payload and the client's idempotency key.
func NewBrew(p BrewPayload, idempotencyKey string) *Brew {
	return &Brew{
		IdempotencyKey:  idempotencyKey,
		Name:            p.Name,
		MachineID:       p.MachineID,
		BagID:           p.BagID,
		GrinderID:       p.GrinderID,
		BaristaID:       p.BaristaID,
		Dose:            p.Dose,
		Yield:           p.Yield,
		BrewTimeSeconds: p.BrewTimeSeconds,
		Rating:          p.Rating,
		TastingNotes:    p.TastingNotes,
		Reflections:     p.Reflections,
		Timestamp:       p.Timestamp,
	}
}

// Payload returns the captured fields of the record.
func (b *Brew) Payload() BrewPayload {
	return BrewPayload{
		Name:            b.Name,
		MachineID:       b.MachineID,
		BagID:           b.BagID,
		GrinderID:       b.GrinderID,
		BaristaID:       b.BaristaID,
		Dose:            b.Dose,
		Yield:           b.Yield,
		BrewTimeSeconds: b.BrewTimeSeconds,
		Rating:          b.Rating,
		TastingNotes:    b.TastingNotes,
		Reflections:     b.Reflections,
		Timestamp:       b.Timestamp,
	}
}

// BrewView is a brew as served to readers: derived fields are attached here
// and nowhere else.
type BrewView struct {
	*Brew
	Derived      brewcalc.Derived `json:"derived"`
	RatioDisplay string           `json:"ratio_display,omitempty"`
	DisplayName  string           `json:"display_name"`
}

// NewBrewView attaches freshly computed derived fields.
func NewBrewView(b *Brew, displayName string) *BrewView {
	d := b.Payload().Derived()
	return &BrewView{
		Brew:         b,
		Derived:      d,
		RatioDisplay: d.RatioDisplay(),
		DisplayName:  displayName,
	}
}
