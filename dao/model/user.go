package model

import (
	"time"

	"gorm.io/gorm"
)

// User is the basic account entity. Project Owner is not an account role:
// ownership is the Owner flag on the ProjectUser association.
type User struct {
	gorm.Model
	Username string `gorm:"uniqueIndex;type:varchar(50);not null;comment:login name"`
	Name     string `gorm:"type:varchar(255);comment:display name"`
	Role     Role   `gorm:"not null;comment:account role"`
	UnitID   *uint  `gorm:"comment:owning unit, null for researchers and super admins"`
	Active   bool   `gorm:"not null;default:true"`

	// Personal keypair. The private key is stored encrypted under a key
	// derived from the user's password; the server never persists the
	// plaintext.
	PublicKey    []byte `gorm:"not null;comment:x25519 public key"`
	PrivateKey   []byte `gorm:"not null;comment:encrypted x25519 private key"`
	PrivkeyNonce []byte `gorm:"not null"`
	KDFSalt      []byte `gorm:"not null;comment:salt for password-derived key"`

	Emails   []Email       `gorm:"constraint:OnDelete:CASCADE"`
	Projects []ProjectUser `gorm:"foreignKey:Username;references:Username"`
}

// Email is one of a user's addresses. Exactly one should be primary.
type Email struct {
	gorm.Model
	UserID  uint   `gorm:"not null"`
	Email   string `gorm:"uniqueIndex;type:varchar(255);not null"`
	Primary bool   `gorm:"not null;default:false"`
}

// Invite is a placeholder for a not-yet-registered email address. Invites
// are ephemeral: accepted ones are converted into users and deleted, stale
// ones are swept after a week.
type Invite struct {
	gorm.Model
	Email  string `gorm:"uniqueIndex;type:varchar(255);not null"`
	Role   Role   `gorm:"not null;comment:role granted on acceptance"`
	UnitID *uint

	// Invite-specific keypair. The private key is encrypted under a key
	// derived from the one-time token mailed to the invitee, so the server
	// cannot unwrap the invite's project keys on its own.
	PublicKey    []byte `gorm:"not null"`
	PrivateKey   []byte `gorm:"not null;comment:encrypted with token-derived key"`
	PrivkeyNonce []byte `gorm:"not null"`
	KDFSalt      []byte `gorm:"not null"`

	Projects []ProjectInvite
}

// Stale reports whether the invite is older than the acceptance window.
func (i *Invite) Stale(now time.Time) bool {
	const inviteTTL = 7 * 24 * time.Hour
	return i.CreatedAt.Add(inviteTTL).Before(now)
}
