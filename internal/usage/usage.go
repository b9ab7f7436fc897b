// Package usage computes storage consumption from the version ledger. The
// unit of account is the byte-hour: bytes stored multiplied by the hours the
// bytes sat in the bucket, priced per gigabyte-hour.
package usage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/pkg/logutils"
	"github.com/datahaven-io/datahaven/pkg/utils"
)

const bytesPerGB = 1e9

type Calculator struct {
	db *gorm.DB

	// DefaultCostPerGBHour applies when the owning unit has no price of its
	// own configured.
	defaultCost float64

	now func() time.Time
}

func NewCalculator(db *gorm.DB, defaultCostPerGBHour float64) *Calculator {
	return &Calculator{db: db, defaultCost: defaultCostPerGBHour, now: utils.CurrentTime}
}

// ProjectUsage is the consumption summary of one project.
type ProjectUsage struct {
	PublicID  string  `json:"projectID"`
	Title     string  `json:"title"`
	ByteHours float64 `json:"byteHours"`
	Cost      float64 `json:"cost"`
}

// ForProject sums byte-hours over every version row of the project,
// including deleted versions up to their deletion time.
func (c *Calculator) ForProject(ctx context.Context, publicID string) (*ProjectUsage, error) {
	var project model.Project
	if err := c.db.WithContext(ctx).Where("public_id = ?", publicID).First(&project).Error; err != nil {
		return nil, err
	}
	return c.forLoadedProject(ctx, &project)
}

// ForUnit reports usage for every project of the unit, newest project first
// by public id, plus the summed totals.
func (c *Calculator) ForUnit(ctx context.Context, unitID uint) ([]ProjectUsage, *ProjectUsage, error) {
	var projects []model.Project
	if err := c.db.WithContext(ctx).
		Where("unit_id = ?", unitID).Order("public_id").Find(&projects).Error; err != nil {
		return nil, nil, err
	}

	usages := make([]ProjectUsage, 0, len(projects))
	total := &ProjectUsage{PublicID: "total"}
	for i := range projects {
		u, err := c.forLoadedProject(ctx, &projects[i])
		if err != nil {
			return nil, nil, err
		}
		usages = append(usages, *u)
		total.ByteHours += u.ByteHours
		total.Cost += u.Cost
	}
	return usages, total, nil
}

func (c *Calculator) forLoadedProject(ctx context.Context, project *model.Project) (*ProjectUsage, error) {
	var versions []model.Version
	if err := c.db.WithContext(ctx).
		Where("project_id = ?", project.ID).Find(&versions).Error; err != nil {
		return nil, err
	}

	now := c.now()
	var byteHours float64
	for i := range versions {
		byteHours += versionByteHours(&versions[i], now)
	}

	title := ""
	if project.Title != nil {
		title = *project.Title
	}
	return &ProjectUsage{
		PublicID:  project.PublicID,
		Title:     title,
		ByteHours: byteHours,
		Cost:      byteHours / bytesPerGB * c.costFor(ctx, project),
	}, nil
}

// versionByteHours charges a version from upload until deletion, or until
// now for versions still in the bucket.
func versionByteHours(v *model.Version, now time.Time) float64 {
	end := now
	if v.TimeDeleted != nil {
		end = *v.TimeDeleted
	}
	hours := end.Sub(v.TimeUploaded).Hours()
	if hours <= 0 {
		return 0
	}
	return float64(v.SizeStored) * hours
}

func (c *Calculator) costFor(ctx context.Context, project *model.Project) float64 {
	if project.UnitID == nil {
		return c.defaultCost
	}
	var unit model.Unit
	if err := c.db.WithContext(ctx).First(&unit, *project.UnitID).Error; err != nil {
		return c.defaultCost
	}
	if cost := unit.Policy.Data().CostPerGBHour; cost > 0 {
		return cost
	}
	return c.defaultCost
}

// Snapshot persists a usage row per project of every unit. Run monthly by
// the scheduler so invoicing has a stable series even as versions get
// deleted later.
func (c *Calculator) Snapshot(ctx context.Context) (int, error) {
	var projects []model.Project
	if err := c.db.WithContext(ctx).
		Where("unit_id IS NOT NULL").Find(&projects).Error; err != nil {
		return 0, err
	}

	now := c.now()
	written := 0
	for i := range projects {
		u, err := c.forLoadedProject(ctx, &projects[i])
		if err != nil {
			return written, err
		}
		if err := c.db.WithContext(ctx).Create(&model.Usage{
			ProjectID:     projects[i].ID,
			ByteHours:     u.ByteHours,
			Cost:          u.Cost,
			TimeCollected: now,
		}).Error; err != nil {
			return written, err
		}
		written++
	}
	logutils.Log.Infof("usage snapshot: %d projects recorded", written)
	return written, nil
}
