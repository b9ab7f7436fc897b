package model

import (
	"time"

	"gorm.io/gorm"
)

// File is the live index of one logical uploaded object. File rows are
// removed when project contents are deleted; the Version ledger stays.
type File struct {
	gorm.Model
	ProjectID uint `gorm:"index;not null"`

	PublicID     string `gorm:"uniqueIndex;type:varchar(255);not null"`
	Name         string `gorm:"type:text;not null"`
	Subpath      string `gorm:"type:text;not null"`
	NameInBucket string `gorm:"type:text;not null;comment:object storage key"`

	SizeOriginal int64 `gorm:"not null;comment:bytes before compression and encryption"`
	SizeStored   int64 `gorm:"not null;comment:bytes in the bucket"`
	Compressed   bool  `gorm:"not null"`

	Checksum  string `gorm:"type:varchar(64);not null;comment:sha256 of original contents"`
	PublicKey []byte `gorm:"not null;comment:ephemeral file encryption public key"`
	Salt      []byte `gorm:"not null"`

	TimeLatestDownload *time.Time

	Versions []Version `gorm:"foreignKey:ActiveFileID"`
}

// Version is one materialized byte blob of a file over time. Rows are
// append-only: deletion sets TimeDeleted, the row itself survives for
// invoicing even after the File is gone.
type Version struct {
	ID        uint `gorm:"primarykey"`
	ProjectID uint `gorm:"index;not null"`

	// SET NULL on file deletion keeps the ledger row when the live index
	// entry disappears.
	ActiveFileID *uint `gorm:"constraint:OnDelete:SET NULL"`

	SizeStored   int64     `gorm:"not null"`
	TimeUploaded time.Time `gorm:"not null"`
	TimeDeleted  *time.Time
	TimeInvoiced *time.Time
}

// Usage is a monthly usage snapshot per project, written by the scheduled
// collector.
type Usage struct {
	ID        uint `gorm:"primarykey"`
	ProjectID uint `gorm:"index;not null"`

	ByteHours     float64   `gorm:"not null"`
	Cost          float64   `gorm:"not null"`
	TimeCollected time.Time `gorm:"not null"`
}
