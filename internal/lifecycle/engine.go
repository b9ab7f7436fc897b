// Package lifecycle implements the project status state machine and its
// side effects against the database and the object storage backend.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/dao/query"
	"github.com/datahaven-io/datahaven/internal/util"
	"github.com/datahaven-io/datahaven/pkg/keyenvelope"
	"github.com/datahaven-io/datahaven/pkg/logutils"
	"github.com/datahaven-io/datahaven/pkg/mailer"
	"github.com/datahaven-io/datahaven/pkg/objectstore"
	"github.com/datahaven-io/datahaven/pkg/utils"
)

// Policy carries the lifecycle defaults, resolved once at startup. Unit rows
// may override the day counts.
type Policy struct {
	DaysInAvailable int
	DaysInExpired   int
	MaxReleases     int
	MinimumAdmins   int
	WarnBelowAdmins int
	SizeUpdateTries int

	// AppSecret is the passphrase protecting project private keys at rest.
	AppSecret string
}

type Engine struct {
	db     *gorm.DB
	store  objectstore.Gateway
	notify mailer.Notifier
	policy Policy

	now func() time.Time
}

func NewEngine(db *gorm.DB, store objectstore.Gateway, notify mailer.Notifier, policy Policy) *Engine {
	return &Engine{
		db:     db,
		store:  store,
		notify: notify,
		policy: policy,
		now:    utils.CurrentTime,
	}
}

type CreateProjectRequest struct {
	Title       string
	Description string
	PI          string
	Sensitive   bool
}

// CreateProject registers a new project for the actor's unit: it reserves a
// sequence number under the unit row lock, generates the project keypair,
// creates the bucket and the initial "In Progress" status row, and shares
// the project key with every user of the unit.
//
// A unit below the minimum Unit Admin count is refused; a unit with fewer
// admins than the recommended count gets the project plus a warning the
// caller should surface.
func (e *Engine) CreateProject(ctx context.Context, actor util.JWTMessage, req *CreateProjectRequest) (*model.Project, string, error) {
	if req.Title == "" || req.Description == "" {
		return nil, "", argumentErrorf("title and description are required")
	}
	if !actor.Role.IsUnitLevel() {
		return nil, "", fmt.Errorf("%w: only unit accounts can create projects", ErrAccessDenied)
	}

	var adminCount int64
	if err := e.db.WithContext(ctx).Model(&model.User{}).
		Where("unit_id = ? AND role = ? AND active = ?", actor.UnitID, model.RoleUnitAdmin, true).
		Count(&adminCount).Error; err != nil {
		return nil, "", err
	}
	if adminCount < int64(e.policy.MinimumAdmins) {
		return nil, "", fmt.Errorf(
			"%w: unit needs at least %d Unit Admins before projects can be created",
			ErrAccessDenied, e.policy.MinimumAdmins)
	}
	var warning string
	if adminCount < int64(e.policy.WarnBelowAdmins) {
		warning = fmt.Sprintf(
			"unit has only %d Unit Admins; this poses a high risk of data loss", adminCount)
	}

	now := e.now()
	var project *model.Project

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unit model.Unit
		if err := query.LockForUpdate(tx).Where("id = ?", actor.UnitID).First(&unit).Error; err != nil {
			return fmt.Errorf("%w: user is not associated with a unit", ErrAccessDenied)
		}

		unit.Counter++
		publicID := fmt.Sprintf("%s%05d", unit.InternalRef, unit.Counter)
		bucket := bucketName(publicID, now)

		pub, priv, err := keyenvelope.GenerateKeypair()
		if err != nil {
			return err
		}
		defer keyenvelope.Zero(priv)

		salt := keyenvelope.NewSalt()
		kek, err := keyenvelope.DeriveKey([]byte(e.policy.AppSecret), salt)
		if err != nil {
			return err
		}
		defer keyenvelope.Zero(kek)

		encPriv, nonce, err := keyenvelope.Encrypt(priv, kek)
		if err != nil {
			return err
		}

		title, desc, pi := req.Title, req.Description, req.PI
		project = &model.Project{
			UnitID:       &unit.ID,
			PublicID:     publicID,
			Title:        &title,
			Description:  &desc,
			PI:           &pi,
			CreatedBy:    actor.Username,
			Bucket:       bucket,
			PublicKey:    pub,
			PrivateKey:   encPriv,
			PrivkeyNonce: nonce,
			PrivkeySalt:  salt,
			IsSensitive:  req.Sensitive,
		}
		if err := tx.Create(project).Error; err != nil {
			return err
		}
		if err := tx.Model(&unit).Update("counter", unit.Counter).Error; err != nil {
			return err
		}
		if err := tx.Create(&model.ProjectStatus{
			ProjectID: project.ID,
			State:     model.StateInProgress,
			CreatedAt: now,
		}).Error; err != nil {
			return err
		}

		// Every unit account gets a wrapped copy of the project key so any
		// staff member can manage the data.
		var unitUsers []model.User
		if err := tx.Where("unit_id = ? AND active = ?", unit.ID, true).Find(&unitUsers).Error; err != nil {
			return err
		}
		for i := range unitUsers {
			wrapped, err := keyenvelope.Wrap(priv, unitUsers[i].PublicKey)
			if err != nil {
				return err
			}
			if err := tx.Create(&model.ProjectUserKey{
				ProjectID: project.ID,
				Username:  unitUsers[i].Username,
				Key:       wrapped,
			}).Error; err != nil {
				return err
			}
		}

		if err := e.store.CreateBucket(ctx, bucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	logutils.Log.Infof("project %s created by %s", project.PublicID, actor.Username)
	return project, warning, nil
}

// RecalculateSize re-derives the denormalized project size from its file
// rows. Transient database errors are retried a bounded number of times;
// the attempt count is reported either way.
func (e *Engine) RecalculateSize(ctx context.Context, publicID string) (size int64, attempts int, err error) {
	for attempts = 1; attempts <= e.policy.SizeUpdateTries; attempts++ {
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			project, lookupErr := e.loadProject(tx, publicID)
			if lookupErr != nil {
				return lookupErr
			}
			var total int64
			if sumErr := tx.Model(&model.File{}).
				Where("project_id = ?", project.ID).
				Select("COALESCE(SUM(size_original), 0)").
				Scan(&total).Error; sumErr != nil {
				return sumErr
			}
			size = total
			return tx.Model(project).
				Updates(map[string]any{"size": total, "updated_at": e.now()}).Error
		})
		if err == nil || errors.Is(err, ErrProjectNotFound) {
			break
		}
		logutils.Log.Warnf("size recalculation attempt %d for %s failed: %v", attempts, publicID, err)
	}
	if attempts > e.policy.SizeUpdateTries {
		attempts = e.policy.SizeUpdateTries
	}
	return size, attempts, err
}

// loadProject fetches a project with its full status history.
func (e *Engine) loadProject(tx *gorm.DB, publicID string) (*model.Project, error) {
	var project model.Project
	err := tx.Preload("Statuses").Where("public_id = ?", publicID).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return &project, nil
}

func bucketName(publicID string, created time.Time) string {
	return fmt.Sprintf("%s-%s-%s",
		strings.ToLower(publicID),
		utils.Timestamp(created),
		uuid.NewString()[:8])
}
