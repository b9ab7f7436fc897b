package model

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UnitPolicy holds the per-unit policy knobs that rarely change.
type UnitPolicy struct {
	CostPerGBHour float64 `json:"costPerGBHour"` // SEK per GB-hour, used by usage reports
	WarningLevel  float64 `json:"warningLevel"`  // Quota fraction at which to warn unit admins
}

// Unit is an organization owning users and projects.
type Unit struct {
	gorm.Model
	PublicID     string `gorm:"uniqueIndex;type:varchar(50);not null;comment:public unit id"`
	Name         string `gorm:"uniqueIndex;type:varchar(255);not null;comment:display name"`
	InternalRef  string `gorm:"uniqueIndex;type:varchar(50);not null;comment:prefix for project public ids"`
	ContactEmail string `gorm:"type:varchar(255);not null;comment:unit contact address"`

	// Reference to the object-storage tenancy the unit's buckets live in.
	// Credentials are resolved from configuration, never stored here.
	StorageName string `gorm:"type:varchar(255);not null;comment:object storage tenancy name"`

	DaysInAvailable int `gorm:"not null;default:90;comment:default download window in days"`
	DaysInExpired   int `gorm:"not null;default:30;comment:default grace period in days"`

	// Counter feeds the per-unit project sequence in public ids. Incremented
	// under a row lock so two concurrent creations cannot share a number.
	Counter int `gorm:"not null;default:0;comment:project sequence counter"`

	Policy datatypes.JSONType[UnitPolicy] `gorm:"comment:unit policy knobs"`

	Users    []User
	Projects []Project
}
