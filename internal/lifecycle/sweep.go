package lifecycle

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/pkg/logutils"
)

// ExpireOverdue moves every Available project whose download deadline has
// passed into Expired. Projects that are busy or have raced into another
// state since the candidate query are skipped, not failed: the next sweep
// picks them up.
func (e *Engine) ExpireOverdue(ctx context.Context) (int, error) {
	return e.sweep(ctx, model.StateAvailable, model.StateExpired)
}

// ArchiveOverdue archives every Expired project whose grace deadline has
// passed.
func (e *Engine) ArchiveOverdue(ctx context.Context) (int, error) {
	return e.sweep(ctx, model.StateExpired, model.StateArchived)
}

func (e *Engine) sweep(ctx context.Context, from, to model.ProjectState) (int, error) {
	candidates, err := e.overdueProjects(ctx, from)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, publicID := range candidates {
		_, err := e.ChangeStatus(ctx, &TransitionRequest{ProjectID: publicID, NewState: to})
		switch {
		case err == nil:
			moved++
		case errors.Is(err, ErrProjectBusy):
			logutils.Log.Infof("sweep: project %s busy, deferring to next run", publicID)
		default:
			var transitionErr *TransitionError
			if errors.As(err, &transitionErr) {
				// Raced into another state between the query and the latch.
				logutils.Log.Infof("sweep: project %s no longer %s, skipping", publicID, from)
				continue
			}
			logutils.Log.Errorf("sweep: moving project %s to %s failed: %v", publicID, to, err)
		}
	}
	if moved > 0 {
		logutils.Log.Infof("sweep: moved %d projects from %s to %s", moved, from, to)
	}
	return moved, nil
}

// overdueProjects finds public ids whose current status is the given state
// with a deadline in the past. The current status is the newest row per
// project, ties broken by id.
func (e *Engine) overdueProjects(ctx context.Context, state model.ProjectState) ([]string, error) {
	var publicIDs []string
	err := e.db.WithContext(ctx).Model(&model.Project{}).
		Joins("JOIN project_statuses ps ON ps.project_id = projects.id").
		Where("ps.id = (?)", e.db.Model(&model.ProjectStatus{}).
			Select("id").
			Where("project_id = projects.id").
			Order("created_at DESC").Order("id DESC").
			Limit(1)).
		Where("ps.state = ? AND ps.deadline IS NOT NULL AND ps.deadline < ?", state, e.now()).
		Pluck("projects.public_id", &publicIDs).Error
	if err != nil {
		return nil, err
	}
	return publicIDs, nil
}

// MonthlyInvoiceMark stamps TimeInvoiced on version rows that have not been
// billed yet, closing the accounting period.
func (e *Engine) MonthlyInvoiceMark(ctx context.Context) (int64, error) {
	res := e.db.WithContext(ctx).Model(&model.Version{}).
		Where("time_invoiced IS NULL").
		Update("time_invoiced", e.now())
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// PurgeStaleInvites deletes invites past their validity window together with
// their wrapped project keys and pending memberships.
func (e *Engine) PurgeStaleInvites(ctx context.Context, validDays int) (int, error) {
	cutoff := e.now().AddDate(0, 0, -validDays)
	var stale []model.Invite
	if err := e.db.WithContext(ctx).Where("created_at < ?", cutoff).Find(&stale).Error; err != nil {
		return 0, err
	}
	for i := range stale {
		inv := &stale[i]
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("invite_id = ?", inv.ID).Delete(&model.ProjectInviteKey{}).Error; err != nil {
				return err
			}
			if err := tx.Where("invite_id = ?", inv.ID).Delete(&model.ProjectInvite{}).Error; err != nil {
				return err
			}
			return tx.Unscoped().Delete(inv).Error
		})
		if err != nil {
			logutils.Log.Errorf("purging stale invite %s failed: %v", inv.Email, err)
			return i, err
		}
	}
	if len(stale) > 0 {
		logutils.Log.Infof("purged %d stale invites", len(stale))
	}
	return len(stale), nil
}
