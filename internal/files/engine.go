// Package files maintains the file index and the version ledger: clients
// register what they uploaded, and removals keep the ledger rows alive with a
// deletion stamp so consumed storage stays billable.
package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/internal/util"
	"github.com/datahaven-io/datahaven/pkg/logutils"
	"github.com/datahaven-io/datahaven/pkg/objectstore"
	"github.com/datahaven-io/datahaven/pkg/utils"
)

type Engine struct {
	db    *gorm.DB
	store objectstore.Gateway

	now func() time.Time
}

func NewEngine(db *gorm.DB, store objectstore.Gateway) *Engine {
	return &Engine{db: db, store: store, now: utils.CurrentTime}
}

// RegisterRequest describes one uploaded object. The upload client has
// already placed the bytes in the bucket; this registers them in the index.
type RegisterRequest struct {
	ProjectID    string
	Name         string
	Subpath      string
	NameInBucket string
	SizeOriginal int64
	SizeStored   int64
	Compressed   bool
	Checksum     string
	PublicKey    []byte
	Salt         []byte
}

// Register inserts or overwrites a file in the index and opens a new version
// ledger row. Overwriting closes the previous version with the same
// timestamp the new one starts at.
func (e *Engine) Register(ctx context.Context, actor util.JWTMessage, req *RegisterRequest) (*model.File, error) {
	if req.Name == "" || req.NameInBucket == "" || req.Checksum == "" {
		return nil, argumentErrorf("name, bucket name and checksum are required")
	}
	if req.SizeOriginal < 0 || req.SizeStored < 0 {
		return nil, argumentErrorf("file sizes cannot be negative")
	}

	project, err := e.uploadableProject(ctx, actor, req.ProjectID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var file *model.File
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.File
		err := tx.Where("project_id = ? AND name = ?", project.ID, req.Name).
			First(&existing).Error
		switch {
		case err == nil:
			if closeErr := closeVersions(tx, existing.ID, now); closeErr != nil {
				return closeErr
			}
			existing.Subpath = req.Subpath
			existing.NameInBucket = req.NameInBucket
			existing.SizeOriginal = req.SizeOriginal
			existing.SizeStored = req.SizeStored
			existing.Compressed = req.Compressed
			existing.Checksum = req.Checksum
			existing.PublicKey = req.PublicKey
			existing.Salt = req.Salt
			if saveErr := tx.Save(&existing).Error; saveErr != nil {
				return saveErr
			}
			file = &existing

		case errors.Is(err, gorm.ErrRecordNotFound):
			file = &model.File{
				ProjectID:    project.ID,
				PublicID:     uuid.NewString(),
				Name:         req.Name,
				Subpath:      req.Subpath,
				NameInBucket: req.NameInBucket,
				SizeOriginal: req.SizeOriginal,
				SizeStored:   req.SizeStored,
				Compressed:   req.Compressed,
				Checksum:     req.Checksum,
				PublicKey:    req.PublicKey,
				Salt:         req.Salt,
			}
			if createErr := tx.Create(file).Error; createErr != nil {
				return createErr
			}

		default:
			return err
		}

		return tx.Create(&model.Version{
			ProjectID:    project.ID,
			ActiveFileID: &file.ID,
			SizeStored:   req.SizeStored,
			TimeUploaded: now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// List returns the file index of a project the actor can see.
func (e *Engine) List(ctx context.Context, actor util.JWTMessage, projectID string) ([]model.File, error) {
	project, err := e.visibleProject(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	var list []model.File
	err = e.db.WithContext(ctx).
		Where("project_id = ?", project.ID).
		Order("subpath, name").Find(&list).Error
	return list, err
}

// RemoveOutcome reports a partial removal: files that failed and files that
// were never in the index.
type RemoveOutcome struct {
	NotRemoved map[string]string `json:"notRemoved"`
	NotFound   []string          `json:"notFound"`
}

// Remove deletes the named files from the index and the bucket. Each file is
// its own transaction with the bucket delete last, so one failure does not
// abort the rest.
func (e *Engine) Remove(ctx context.Context, actor util.JWTMessage, projectID string, names []string) (*RemoveOutcome, error) {
	if len(names) == 0 {
		return nil, argumentErrorf("no file names given")
	}
	project, err := e.uploadableProject(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}

	outcome := &RemoveOutcome{NotRemoved: map[string]string{}}
	now := e.now()
	for _, name := range names {
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var file model.File
			if err := tx.Where("project_id = ? AND name = ?", project.ID, name).
				First(&file).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if err := closeVersions(tx, file.ID, now); err != nil {
				return err
			}
			if err := tx.Unscoped().Delete(&file).Error; err != nil {
				return err
			}
			return e.store.RemoveOne(ctx, project.Bucket, file.NameInBucket)
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			outcome.NotFound = append(outcome.NotFound, name)
		default:
			logutils.Log.Warnf("removing %s from %s failed: %v", name, project.PublicID, err)
			outcome.NotRemoved[name] = err.Error()
		}
	}
	return outcome, nil
}

// RemoveDir deletes every file under a subpath, then clears the matching
// bucket prefix. Returns how many index entries went away.
func (e *Engine) RemoveDir(ctx context.Context, actor util.JWTMessage, projectID, subpath string) (int, error) {
	subpath = strings.Trim(subpath, "/")
	if subpath == "" {
		return 0, argumentErrorf("a subpath is required")
	}
	project, err := e.uploadableProject(ctx, actor, projectID)
	if err != nil {
		return 0, err
	}

	removed := 0
	now := e.now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var list []model.File
		if err := tx.Where("project_id = ? AND (subpath = ? OR subpath LIKE ?)",
			project.ID, subpath, subpath+"/%").Find(&list).Error; err != nil {
			return err
		}
		if len(list) == 0 {
			return fmt.Errorf("%w: no files under %s", ErrNotFound, subpath)
		}
		for i := range list {
			if err := closeVersions(tx, list[i].ID, now); err != nil {
				return err
			}
			if err := tx.Unscoped().Delete(&list[i]).Error; err != nil {
				return err
			}
		}
		removed = len(list)
		return e.store.RemovePrefix(ctx, project.Bucket, subpath+"/")
	})
	if err != nil {
		return 0, err
	}
	logutils.Log.Infof("removed %d files under %s/%s", removed, project.PublicID, subpath)
	return removed, nil
}

// closeVersions stamps the open ledger rows of a file. The rows survive the
// file for invoicing.
func closeVersions(tx *gorm.DB, fileID uint, now time.Time) error {
	return tx.Model(&model.Version{}).
		Where("active_file_id = ? AND time_deleted IS NULL", fileID).
		Updates(map[string]any{"time_deleted": now, "active_file_id": nil}).Error
}

// uploadableProject loads the project and checks the actor may change its
// contents: unit staff of the owning unit, and only while data is still being
// put together.
func (e *Engine) uploadableProject(ctx context.Context, actor util.JWTMessage, publicID string) (*model.Project, error) {
	project, err := e.loadProject(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.IsUnitLevel() || project.UnitID == nil || *project.UnitID != actor.UnitID {
		return nil, fmt.Errorf("%w: only unit accounts manage project contents", ErrAccessDenied)
	}
	if state := project.CurrentState(); state != model.StateInProgress {
		return nil, argumentErrorf("project contents cannot change in state %s", state)
	}
	return project, nil
}

// visibleProject loads the project and checks read access: unit staff of the
// owning unit, super admins, or a project member.
func (e *Engine) visibleProject(ctx context.Context, actor util.JWTMessage, publicID string) (*model.Project, error) {
	project, err := e.loadProject(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if actor.Role == model.RoleSuperAdmin {
		return project, nil
	}
	if actor.Role.IsUnitLevel() {
		if project.UnitID == nil || *project.UnitID != actor.UnitID {
			return nil, fmt.Errorf("%w: project belongs to another unit", ErrAccessDenied)
		}
		return project, nil
	}

	var count int64
	if err := e.db.WithContext(ctx).Model(&model.ProjectUser{}).
		Where("project_id = ? AND username = ?", project.ID, actor.Username).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: no access to project %s", ErrAccessDenied, publicID)
	}
	return project, nil
}

func (e *Engine) loadProject(ctx context.Context, publicID string) (*model.Project, error) {
	var project model.Project
	err := e.db.WithContext(ctx).Preload("Statuses").
		Where("public_id = ?", publicID).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: project %s", ErrNotFound, publicID)
		}
		return nil, err
	}
	return &project, nil
}
