package usage

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/dao/query"
)

var testTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newCalculator(t *testing.T) (*Calculator, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, query.MigrateForTest(db))

	calc := NewCalculator(db, 0.5)
	calc.now = func() time.Time { return testTime }
	return calc, db
}

func seedProject(t *testing.T, db *gorm.DB, unitID *uint, publicID string) *model.Project {
	t.Helper()
	title := "usage test"
	project := &model.Project{
		UnitID:   unitID,
		PublicID: publicID,
		Title:    &title,
		Bucket:   publicID + "-bucket",
	}
	require.NoError(t, db.Create(project).Error)
	return project
}

func TestForProjectSumsVersionByteHours(t *testing.T) {
	calc, db := newCalculator(t)
	project := seedProject(t, db, nil, "UNO00001")

	// 1 GB live for 10 hours.
	require.NoError(t, db.Create(&model.Version{
		ProjectID:    project.ID,
		SizeStored:   1e9,
		TimeUploaded: testTime.Add(-10 * time.Hour),
	}).Error)
	// 2 GB that lived 3 hours before deletion.
	deleted := testTime.Add(-1 * time.Hour)
	require.NoError(t, db.Create(&model.Version{
		ProjectID:    project.ID,
		SizeStored:   2e9,
		TimeUploaded: testTime.Add(-4 * time.Hour),
		TimeDeleted:  &deleted,
	}).Error)

	u, err := calc.ForProject(context.Background(), project.PublicID)
	require.NoError(t, err)
	assert.InDelta(t, 16e9, u.ByteHours, 1)
	// 16 GB-hours at the 0.5 default price.
	assert.InDelta(t, 8.0, u.Cost, 0.001)
}

func TestForProjectUsesUnitPrice(t *testing.T) {
	calc, db := newCalculator(t)
	unit := &model.Unit{
		PublicID: "unit-one", Name: "Unit One", InternalRef: "UNO",
		ContactEmail: "x@y.z",
		Policy:       datatypes.NewJSONType(model.UnitPolicy{CostPerGBHour: 2.0}),
	}
	require.NoError(t, db.Create(unit).Error)
	project := seedProject(t, db, &unit.ID, "UNO00001")

	require.NoError(t, db.Create(&model.Version{
		ProjectID:    project.ID,
		SizeStored:   1e9,
		TimeUploaded: testTime.Add(-5 * time.Hour),
	}).Error)

	u, err := calc.ForProject(context.Background(), project.PublicID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, u.Cost, 0.001)
}

func TestForUnitTotals(t *testing.T) {
	calc, db := newCalculator(t)
	unit := &model.Unit{PublicID: "unit-one", Name: "Unit One", InternalRef: "UNO", ContactEmail: "x@y.z"}
	require.NoError(t, db.Create(unit).Error)

	first := seedProject(t, db, &unit.ID, "UNO00001")
	second := seedProject(t, db, &unit.ID, "UNO00002")
	for _, p := range []*model.Project{first, second} {
		require.NoError(t, db.Create(&model.Version{
			ProjectID:    p.ID,
			SizeStored:   1e9,
			TimeUploaded: testTime.Add(-2 * time.Hour),
		}).Error)
	}

	usages, total, err := calc.ForUnit(context.Background(), unit.ID)
	require.NoError(t, err)
	require.Len(t, usages, 2)
	assert.InDelta(t, 4e9, total.ByteHours, 1)
}

func TestSnapshotWritesUsageRows(t *testing.T) {
	calc, db := newCalculator(t)
	unit := &model.Unit{PublicID: "unit-one", Name: "Unit One", InternalRef: "UNO", ContactEmail: "x@y.z"}
	require.NoError(t, db.Create(unit).Error)
	project := seedProject(t, db, &unit.ID, "UNO00001")
	seedProject(t, db, nil, "ORPHAN01") // scrubbed project, not snapshotted

	require.NoError(t, db.Create(&model.Version{
		ProjectID:    project.ID,
		SizeStored:   5e8,
		TimeUploaded: testTime.Add(-time.Hour),
	}).Error)

	written, err := calc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	var rows []model.Usage
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, project.ID, rows[0].ProjectID)
	assert.InDelta(t, 5e8, rows[0].ByteHours, 1)
}
