package model

import (
	"time"

	"gorm.io/gorm"
)

// Project is the central entity: a unit-owned container of files with its
// own keypair and lifecycle status history.
//
// A "Deleted" or aborted "Archived" project keeps its row: PublicID and
// Bucket survive for the audit trail while the descriptive fields and key
// material are nulled out.
type Project struct {
	gorm.Model
	UnitID *uint `gorm:"comment:owning unit, nulled on scrub"`

	PublicID    string  `gorm:"uniqueIndex;type:varchar(255);not null;comment:immutable public id"`
	Title       *string `gorm:"type:text"`
	Description *string `gorm:"type:text"`
	PI          *string `gorm:"type:varchar(255);comment:principal investigator name"`
	CreatedBy   string  `gorm:"type:varchar(50);comment:username of creator"`

	Bucket string `gorm:"uniqueIndex;type:varchar(255);not null;comment:object storage bucket"`
	Size   int64  `gorm:"not null;default:0;comment:total stored bytes, denormalized"`

	// Project keypair. The private key is encrypted at rest under a key
	// derived from the application secret; per-user copies live in
	// ProjectUserKeys.
	PublicKey    []byte
	PrivateKey   []byte `gorm:"comment:encrypted x25519 private key"`
	PrivkeyNonce []byte
	PrivkeySalt  []byte

	// Busy is the advisory mutual-exclusion latch for status transitions.
	// It is flipped by a conditional update and must be released on every
	// exit path.
	Busy bool `gorm:"not null;default:false"`

	IsSensitive bool `gorm:"not null;default:false"`

	Statuses []ProjectStatus
	Files    []File
	Versions []Version
	Users    []ProjectUser
	Invites  []ProjectInvite
	UserKeys []ProjectUserKey
}

// CurrentStatus returns the status row with the latest creation time, or nil
// for a project without history. Ties on the timestamp are broken by row id,
// so rapid consecutive transitions stay unambiguous.
func (p *Project) CurrentStatus() *ProjectStatus {
	var cur *ProjectStatus
	for i := range p.Statuses {
		s := &p.Statuses[i]
		if cur == nil || s.CreatedAt.After(cur.CreatedAt) ||
			(s.CreatedAt.Equal(cur.CreatedAt) && s.ID > cur.ID) {
			cur = s
		}
	}
	return cur
}

// CurrentState is the state of the current status row, zero if none exists.
func (p *Project) CurrentState() ProjectState {
	if cur := p.CurrentStatus(); cur != nil {
		return cur.State
	}
	return 0
}

// HasBeenAvailable reports whether the project was ever released.
func (p *Project) HasBeenAvailable() bool {
	for i := range p.Statuses {
		if p.Statuses[i].State == StateAvailable {
			return true
		}
	}
	return false
}

// ProjectStatus is one row of the append-only status history. Rows are never
// mutated or removed; the ordered sequence is the audit trail.
type ProjectStatus struct {
	ID        uint `gorm:"primarykey"`
	ProjectID uint `gorm:"index;not null"`

	State     ProjectState `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null"`
	Deadline  *time.Time   `gorm:"comment:when the state must change again"`
	IsAborted bool         `gorm:"not null;default:false;comment:only meaningful for Archived"`
}

// ProjectUser links a user to a project. At most one row exists per
// (project, user) pair; an ownership change flips Owner in place.
type ProjectUser struct {
	ProjectID uint   `gorm:"primaryKey"`
	Username  string `gorm:"primaryKey;type:varchar(50)"`
	Owner     bool   `gorm:"not null;default:false"`
}

// ProjectInvite is the invite-side counterpart of ProjectUser.
type ProjectInvite struct {
	ProjectID uint `gorm:"primaryKey"`
	InviteID  uint `gorm:"primaryKey"`
	Owner     bool `gorm:"not null;default:false"`
}

// ProjectUserKey holds the project private key wrapped for one user. The
// presence of a row is necessary and sufficient for the user to decrypt the
// project key client-side: this table is the cryptographic access list.
type ProjectUserKey struct {
	ProjectID uint   `gorm:"primaryKey"`
	Username  string `gorm:"primaryKey;type:varchar(50)"`
	Key       []byte `gorm:"not null;comment:project private key wrapped for the user"`
}

// ProjectInviteKey holds the project private key wrapped for an invite's
// keypair, re-wrapped into a ProjectUserKey when the invite is accepted.
type ProjectInviteKey struct {
	ProjectID uint   `gorm:"primaryKey"`
	InviteID  uint   `gorm:"primaryKey"`
	Key       []byte `gorm:"not null"`
}
