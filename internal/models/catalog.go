package models

import (
	"strings"
	"time"
)

// RoastLevel mirrors the roast scale used on bean labels.
type RoastLevel string

const (
	RoastDark        RoastLevel = "Dark"
	RoastMediumDark  RoastLevel = "Medium Dark"
	RoastMedium      RoastLevel = "Medium"
	RoastMediumLight RoastLevel = "Medium Light"
	RoastLight       RoastLevel = "Light"
)

// Barista is the person who captures brews.
// Learning: DisplayName is an optional override; the name resolver falls back
// to first/last name when it is empty.
type Barista struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	FirstName   string    `json:"first_name" gorm:"type:text"`
	LastName    string    `json:"last_name" gorm:"type:text"`
	Email       string    `json:"email" gorm:"type:text;uniqueIndex"`
	DisplayName *string   `json:"display_name,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// TableName override
func (Barista) TableName() string {
	return "barista"
}

// PreferredName returns the display name override, or "" when none is set.
func (b *Barista) PreferredName() string {
	if b.DisplayName == nil {
		return ""
	}
	return strings.TrimSpace(*b.DisplayName)
}

type Roaster struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name      string    `json:"name" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// TableName override
func (Roaster) TableName() string {
	return "roaster"
}

type Bean struct {
	ID              int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name            string     `json:"name" gorm:"type:text;not null"`
	RoasterID       int64      `json:"roaster_id" gorm:"index"`
	Roaster         *Roaster   `json:"roaster,omitempty" gorm:"foreignKey:RoasterID"`
	RoastLevel      RoastLevel `json:"roast_level" gorm:"type:text"`
	CountryOfOrigin string     `json:"country_of_origin" gorm:"type:text"`
	TastingNotes    string     `json:"tasting_notes" gorm:"type:text"`
	Rating          *int       `json:"rating,omitempty"`
	CreatedAt       time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// TableName override
func (Bean) TableName() string {
	return "bean"
}

// Bag is a purchased bag of a bean. OwnerID points at the barista who
// bought it.
type Bag struct {
	ID               int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name             string     `json:"name" gorm:"type:text"`
	BeanID           int64      `json:"bean_id" gorm:"index"`
	Bean             *Bean      `json:"bean,omitempty" gorm:"foreignKey:BeanID"`
	OwnerID          *int64     `json:"owner_id,omitempty" gorm:"index"`
	Owner            *Barista   `json:"owner,omitempty" gorm:"foreignKey:OwnerID"`
	RoastDate        *time.Time `json:"roast_date,omitempty" gorm:"type:date"`
	Weight           *float64   `json:"weight,omitempty"`
	Price            *float64   `json:"price,omitempty"`
	PurchaseLocation string     `json:"purchase_location" gorm:"type:text"`
	Rating           *int       `json:"rating,omitempty"`
	CreatedAt        time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// TableName override
func (Bag) TableName() string {
	return "bag"
}
