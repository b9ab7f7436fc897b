package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/pkg/logutils"
	"github.com/datahaven-io/datahaven/pkg/utils"
)

// legalTransitions is the full authority on reachable states. Terminal
// states map to an empty set.
var legalTransitions = map[model.ProjectState][]model.ProjectState{
	model.StateInProgress: {model.StateAvailable, model.StateDeleted, model.StateArchived},
	model.StateAvailable:  {model.StateInProgress, model.StateExpired, model.StateArchived},
	model.StateExpired:    {model.StateAvailable, model.StateArchived},
	model.StateArchived:   {},
	model.StateDeleted:    {},
}

// TransitionRequest is one requested status change.
type TransitionRequest struct {
	ProjectID    string
	NewState     model.ProjectState
	DeadlineDays *int // override for the unit default, only for Available/Expired
	Abort        bool // only meaningful for Archived
	SendEmail    bool
}

// ChangeStatus runs one transition of the state machine: it takes the busy
// latch, validates the request against the transition table, appends the new
// status row and executes the destructive side effects in one database
// transaction, with object storage cleaned up last so a storage failure can
// still roll the database back.
func (e *Engine) ChangeStatus(ctx context.Context, req *TransitionRequest) (*model.ProjectStatus, error) {
	project, err := e.loadProject(e.db.WithContext(ctx), req.ProjectID)
	if err != nil {
		return nil, err
	}

	if err := e.acquireBusy(ctx, project.ID); err != nil {
		return nil, err
	}
	// The latch must come off on every exit path, including panics in the
	// transaction body.
	defer e.releaseBusy(project.ID)

	// Reload under the latch: another request may have appended status rows
	// between the first load and latch acquisition, and the legality check
	// must run against the history as it is now.
	project, err = e.loadProject(e.db.WithContext(ctx), req.ProjectID)
	if err != nil {
		return nil, err
	}

	current := project.CurrentState()
	if err := validateTransition(current, req.NewState); err != nil {
		return nil, err
	}

	now := e.now()
	newRow := &model.ProjectStatus{
		ProjectID: project.ID,
		State:     req.NewState,
		CreatedAt: now,
		IsAborted: req.NewState == model.StateArchived && req.Abort,
	}

	unit, err := e.unitFor(ctx, project)
	if err != nil {
		return nil, err
	}

	switch req.NewState {
	case model.StateAvailable:
		deadline, err := e.releaseDeadline(project, unit, current, req.DeadlineDays, now)
		if err != nil {
			return nil, err
		}
		newRow.Deadline = &deadline

	case model.StateInProgress:
		// Retraction carries the download deadline forward untouched.
		if cur := project.CurrentStatus(); cur != nil && cur.Deadline != nil {
			d := *cur.Deadline
			newRow.Deadline = &d
		}

	case model.StateExpired:
		days := unit.DaysInExpired
		if days == 0 {
			days = e.policy.DaysInExpired
		}
		deadline := utils.DeadlineAfter(now, days)
		newRow.Deadline = &deadline

	case model.StateDeleted:
		if project.HasBeenAvailable() {
			return nil, argumentErrorf(
				"cannot delete a project that has been made available; archive it with abort instead")
		}

	case model.StateArchived:
		// no deadline
	}

	scrubContents := req.NewState == model.StateDeleted ||
		(req.NewState == model.StateArchived && (req.Abort || project.HasBeenAvailable()))
	scrubFields := req.NewState == model.StateDeleted ||
		(req.NewState == model.StateArchived && req.Abort)

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(newRow).Error; err != nil {
			return err
		}
		if scrubContents {
			if err := e.deleteContents(tx, project, now); err != nil {
				return err
			}
			if err := e.revokeAllKeys(tx, project); err != nil {
				return err
			}
		}
		if scrubFields {
			if err := e.scrubProjectFields(tx, project); err != nil {
				return err
			}
		}
		if scrubContents {
			// Bucket cleanup is deliberately the last step: the database
			// half rolls back if it fails. The reverse failure mode (commit
			// fails after the bucket is empty) cannot be rolled back and is
			// logged for manual reconciliation.
			if err := e.store.RemoveAll(ctx, project.Bucket); err != nil {
				logutils.Log.Errorf(
					"bucket %s cleanup failed during %s of %s; bucket may need manual reconciliation: %v",
					project.Bucket, req.NewState, project.PublicID, err)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if req.SendEmail && req.NewState == model.StateAvailable && e.notify != nil {
		e.notifyRelease(ctx, project, newRow)
	}

	logutils.Log.Infof("project %s: %s -> %s", project.PublicID, current, req.NewState)
	return newRow, nil
}

func validateTransition(current, requested model.ProjectState) error {
	if current == 0 {
		return argumentErrorf("project has no status history")
	}
	allowed, ok := legalTransitions[current]
	if !ok || !lo.Contains(allowed, requested) {
		return &TransitionError{From: current, To: requested}
	}
	return nil
}

// releaseDeadline computes the Available deadline. First releases and
// re-releases out of Expired get a fresh end-of-day deadline; re-releasing a
// retracted project keeps the deadline of its earlier Available period. The
// number of releases out of Expired is capped by policy.
func (e *Engine) releaseDeadline(project *model.Project, unit *model.Unit, current model.ProjectState, overrideDays *int, now time.Time) (time.Time, error) {
	days := unit.DaysInAvailable
	if days == 0 {
		days = e.policy.DaysInAvailable
	}
	if overrideDays != nil {
		if *overrideDays <= 0 || *overrideDays > days {
			return time.Time{}, argumentErrorf(
				"deadline must be between 1 and %d days", days)
		}
		days = *overrideDays
	}

	if current == model.StateExpired {
		if releasesFromExpired(project) >= e.policy.MaxReleases {
			return time.Time{}, argumentErrorf(
				"project cannot be made Available any more times")
		}
		return utils.DeadlineAfter(now, days), nil
	}

	if project.HasBeenAvailable() {
		// Released, retracted, re-released: the original window still runs.
		if last := lastAvailableStatus(project); last != nil && last.Deadline != nil {
			return *last.Deadline, nil
		}
	}
	return utils.DeadlineAfter(now, days), nil
}

// sortedStatuses returns the history ordered oldest first, ids breaking
// timestamp ties.
func sortedStatuses(project *model.Project) []model.ProjectStatus {
	statuses := make([]model.ProjectStatus, len(project.Statuses))
	copy(statuses, project.Statuses)
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].CreatedAt.Equal(statuses[j].CreatedAt) {
			return statuses[i].ID < statuses[j].ID
		}
		return statuses[i].CreatedAt.Before(statuses[j].CreatedAt)
	})
	return statuses
}

// releasesFromExpired counts Available rows directly preceded by Expired.
func releasesFromExpired(project *model.Project) int {
	statuses := sortedStatuses(project)
	count := 0
	for i := 1; i < len(statuses); i++ {
		if statuses[i].State == model.StateAvailable && statuses[i-1].State == model.StateExpired {
			count++
		}
	}
	return count
}

// lastAvailableStatus returns the newest Available row. When a project has
// been released more than once, the most recent window is the one still
// running; an earlier window's deadline may already be in the past.
func lastAvailableStatus(project *model.Project) *model.ProjectStatus {
	statuses := sortedStatuses(project)
	for i := len(statuses) - 1; i >= 0; i-- {
		if statuses[i].State == model.StateAvailable {
			return &statuses[i]
		}
	}
	return nil
}

// acquireBusy flips the latch with a conditional update; zero affected rows
// means someone else holds it.
func (e *Engine) acquireBusy(ctx context.Context, projectID uint) error {
	res := e.db.WithContext(ctx).Model(&model.Project{}).
		Where("id = ? AND busy = ?", projectID, false).
		Update("busy", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProjectBusy
	}
	return nil
}

// releaseBusy always runs, even when the transition failed; a latch left on
// would wedge the project for every later request.
func (e *Engine) releaseBusy(projectID uint) {
	if err := e.db.Model(&model.Project{}).
		Where("id = ?", projectID).
		Update("busy", false).Error; err != nil {
		logutils.Log.Errorf("failed to release busy latch for project %d: %v", projectID, err)
	}
}

// deleteContents drops the live file index and closes the version ledger.
// Version rows survive with TimeDeleted set so invoicing stays correct.
func (e *Engine) deleteContents(tx *gorm.DB, project *model.Project, now time.Time) error {
	if err := tx.Model(&model.Version{}).
		Where("project_id = ? AND time_deleted IS NULL", project.ID).
		Updates(map[string]any{"time_deleted": now, "active_file_id": nil}).Error; err != nil {
		return err
	}
	if err := tx.Unscoped().Where("project_id = ?", project.ID).
		Delete(&model.File{}).Error; err != nil {
		return err
	}
	return tx.Model(&model.Project{}).Where("id = ?", project.ID).
		Update("size", 0).Error
}

// revokeAllKeys removes every wrapped key and membership row of the project.
func (e *Engine) revokeAllKeys(tx *gorm.DB, project *model.Project) error {
	for _, m := range []any{
		&model.ProjectUserKey{},
		&model.ProjectInviteKey{},
		&model.ProjectUser{},
		&model.ProjectInvite{},
	} {
		if err := tx.Where("project_id = ?", project.ID).Delete(m).Error; err != nil {
			return err
		}
	}
	return nil
}

// scrubProjectFields nulls the descriptive fields, dates and key material
// while keeping the public id and bucket name for the audit trail. The status
// history rows keep their timestamps.
func (e *Engine) scrubProjectFields(tx *gorm.DB, project *model.Project) error {
	return tx.Model(&model.Project{}).Where("id = ?", project.ID).
		Updates(map[string]any{
			"unit_id":       nil,
			"title":         nil,
			"description":   nil,
			"pi":            nil,
			"public_key":    nil,
			"private_key":   nil,
			"privkey_nonce": nil,
			"privkey_salt":  nil,
			"created_at":    time.Time{},
			"updated_at":    time.Time{},
		}).Error
}

func (e *Engine) unitFor(ctx context.Context, project *model.Project) (*model.Unit, error) {
	if project.UnitID == nil {
		return &model.Unit{}, nil
	}
	var unit model.Unit
	if err := e.db.WithContext(ctx).Where("id = ?", *project.UnitID).First(&unit).Error; err != nil {
		return nil, fmt.Errorf("loading unit for project %s: %w", project.PublicID, err)
	}
	return &unit, nil
}

func (e *Engine) notifyRelease(ctx context.Context, project *model.Project, status *model.ProjectStatus) {
	var emails []string
	err := e.db.WithContext(ctx).Model(&model.Email{}).
		Joins("JOIN users ON users.id = emails.user_id").
		Joins("JOIN project_users ON project_users.username = users.username").
		Where("project_users.project_id = ? AND emails.\"primary\" = ?", project.ID, true).
		Pluck("emails.email", &emails).Error
	if err != nil || len(emails) == 0 {
		if err != nil {
			logutils.Log.Warnf("could not collect recipients for %s: %v", project.PublicID, err)
		}
		return
	}

	title := ""
	if project.Title != nil {
		title = *project.Title
	}
	deadline := ""
	if status.Deadline != nil {
		deadline = status.Deadline.Format("2006-01-02")
	}
	if err := e.notify.ProjectReleased(emails, project.PublicID, title, deadline); err != nil {
		logutils.Log.Warnf("release notification for %s failed: %v", project.PublicID, err)
	}
}
