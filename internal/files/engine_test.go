package files

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/dao/query"
	"github.com/datahaven-io/datahaven/internal/util"
	"github.com/datahaven-io/datahaven/pkg/utils"
)

type fakeStore struct {
	removedOne    []string
	removedPrefix []string
}

func (f *fakeStore) CreateBucket(_ context.Context, _ string) error { return nil }

func (f *fakeStore) RemoveAll(_ context.Context, _ string) error { return nil }

func (f *fakeStore) RemovePrefix(_ context.Context, bucket, prefix string) error {
	f.removedPrefix = append(f.removedPrefix, bucket+"/"+prefix)
	return nil
}

func (f *fakeStore) RemoveOne(_ context.Context, bucket, key string) error {
	f.removedOne = append(f.removedOne, bucket+"/"+key)
	return nil
}

var testTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *fakeStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, query.MigrateForTest(db))

	store := &fakeStore{}
	engine := NewEngine(db, store)
	engine.now = func() time.Time { return testTime }
	return engine, store, db
}

func seedUnit(t *testing.T, db *gorm.DB) *model.Unit {
	t.Helper()
	unit := &model.Unit{
		PublicID:     "unit-one",
		Name:         "Unit One",
		InternalRef:  "UNO",
		ContactEmail: "support@unit.one",
		StorageName:  "primary",
	}
	require.NoError(t, db.Create(unit).Error)
	return unit
}

func seedProject(t *testing.T, db *gorm.DB, unit *model.Unit, publicID string, state model.ProjectState) *model.Project {
	t.Helper()
	title := "Test project"
	project := &model.Project{
		UnitID:   &unit.ID,
		PublicID: publicID,
		Title:    &title,
		Bucket:   fmt.Sprintf("%s-bucket", publicID),
	}
	require.NoError(t, db.Create(project).Error)
	row := &model.ProjectStatus{ProjectID: project.ID, State: state, CreatedAt: testTime.Add(-time.Hour)}
	if state == model.StateAvailable {
		d := utils.DeadlineAfter(row.CreatedAt, 90)
		row.Deadline = &d
	}
	require.NoError(t, db.Create(row).Error)
	return project
}

func staffActor(unitID uint) util.JWTMessage {
	return util.JWTMessage{Username: "staff", Role: model.RoleUnitPersonnel, UnitID: unitID}
}

func registerReq(projectID, name, subpath string, size int64) *RegisterRequest {
	return &RegisterRequest{
		ProjectID:    projectID,
		Name:         name,
		Subpath:      subpath,
		NameInBucket: subpath + "/" + name + ".enc",
		SizeOriginal: size,
		SizeStored:   size / 2,
		Compressed:   true,
		Checksum:     "c0ffee",
		PublicKey:    []byte("filepub"),
		Salt:         []byte("salt"),
	}
}

func TestRegisterCreatesFileAndVersion(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	project := seedProject(t, db, unit, "UNO00001", model.StateInProgress)

	file, err := engine.Register(context.Background(), staffActor(unit.ID),
		registerReq(project.PublicID, "data.csv", "raw", 1000))
	require.NoError(t, err)
	assert.NotEmpty(t, file.PublicID)
	assert.EqualValues(t, 500, file.SizeStored)

	var version model.Version
	require.NoError(t, db.Where("project_id = ?", project.ID).First(&version).Error)
	require.NotNil(t, version.ActiveFileID)
	assert.Equal(t, file.ID, *version.ActiveFileID)
	assert.True(t, version.TimeUploaded.Equal(testTime))
	assert.Nil(t, version.TimeDeleted)
}

func TestRegisterOverwriteClosesPreviousVersion(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	project := seedProject(t, db, unit, "UNO00001", model.StateInProgress)
	actor := staffActor(unit.ID)

	first, err := engine.Register(context.Background(), actor,
		registerReq(project.PublicID, "data.csv", "raw", 1000))
	require.NoError(t, err)

	second, err := engine.Register(context.Background(), actor,
		registerReq(project.PublicID, "data.csv", "raw", 2000))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "overwrite reuses the index row")
	assert.EqualValues(t, 1000, second.SizeStored)

	var fileCount int64
	require.NoError(t, db.Model(&model.File{}).
		Where("project_id = ?", project.ID).Count(&fileCount).Error)
	assert.EqualValues(t, 1, fileCount)

	var versions []model.Version
	require.NoError(t, db.Where("project_id = ?", project.ID).
		Order("id").Find(&versions).Error)
	require.Len(t, versions, 2)
	require.NotNil(t, versions[0].TimeDeleted, "overwritten version is closed")
	assert.Nil(t, versions[0].ActiveFileID)
	assert.Nil(t, versions[1].TimeDeleted)
}

func TestRegisterRefusedOutsideInProgress(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	project := seedProject(t, db, unit, "UNO00001", model.StateAvailable)

	_, err := engine.Register(context.Background(), staffActor(unit.ID),
		registerReq(project.PublicID, "data.csv", "raw", 1000))
	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
}

func TestRegisterDeniedForResearchers(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	project := seedProject(t, db, unit, "UNO00001", model.StateInProgress)

	_, err := engine.Register(context.Background(),
		util.JWTMessage{Username: "researcher", Role: model.RoleResearcher},
		registerReq(project.PublicID, "data.csv", "raw", 1000))
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestRegisterDeniedForForeignUnit(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	project := seedProject(t, db, unit, "UNO00001", model.StateInProgress)

	_, err := engine.Register(context.Background(), staffActor(unit.ID+1),
		registerReq(project.PublicID, "data.csv", "raw", 1000))
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestRemoveDeletesRowAndObject(t *testing.T) {
	engine, store, db := newTestEngine(t)
	unit := seedUnit(t, db)
	project := seedProject(t, db, unit, "UNO00001", model.StateInProgress)
	actor := staffActor(unit.ID)

	_, err := engine.Register(context.Background(), actor,
		registerReq(project.PublicID, "data.csv", "raw", 1000))
	require.NoError(t, err)

	outcome, err := engine.Remove(context.Background(), actor, project.PublicID,
		[]string{"data.csv", "missing.csv"})
	require.NoError(t, err)
	assert.Empty(t, outcome.NotRemoved)
	assert.Equal(t, []string{"missing.csv"}, outcome.NotFound)

	var fileCount int64
	require.NoError(t, db.Unscoped().Model(&model.File{}).
		Where("project_id = ?", project.ID).Count(&fileCount).Error)
	assert.Zero(t, fileCount)

	var version model.Version
	require.NoError(t, db.Where("project_id = ?", project.ID).First(&version).Error)
	require.NotNil(t, version.TimeDeleted, "ledger row survives removal")

	require.Len(t, store.removedOne, 1)
	assert.Equal(t, project.Bucket+"/raw/data.csv.enc", store.removedOne[0])
}

func TestRemoveDirClearsSubpath(t *testing.T) {
	engine, store, db := newTestEngine(t)
	unit := seedUnit(t, db)
	project := seedProject(t, db, unit, "UNO00001", model.StateInProgress)
	actor := staffActor(unit.ID)

	for _, f := range []struct{ name, subpath string }{
		{"a.csv", "raw"},
		{"b.csv", "raw/nested"},
		{"c.csv", "results"},
	} {
		_, err := engine.Register(context.Background(), actor,
			registerReq(project.PublicID, f.name, f.subpath, 100))
		require.NoError(t, err)
	}

	removed, err := engine.RemoveDir(context.Background(), actor, project.PublicID, "raw")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	var names []string
	require.NoError(t, db.Model(&model.File{}).
		Where("project_id = ?", project.ID).Pluck("name", &names).Error)
	assert.Equal(t, []string{"c.csv"}, names)

	var closed int64
	require.NoError(t, db.Model(&model.Version{}).
		Where("project_id = ? AND time_deleted IS NOT NULL", project.ID).
		Count(&closed).Error)
	assert.EqualValues(t, 2, closed)

	require.Len(t, store.removedPrefix, 1)
	assert.Equal(t, project.Bucket+"/raw/", store.removedPrefix[0])
}

func TestRemoveDirUnknownSubpath(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	project := seedProject(t, db, unit, "UNO00001", model.StateInProgress)

	_, err := engine.RemoveDir(context.Background(), staffActor(unit.ID), project.PublicID, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListVisibility(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	project := seedProject(t, db, unit, "UNO00001", model.StateInProgress)
	actor := staffActor(unit.ID)

	_, err := engine.Register(context.Background(), actor,
		registerReq(project.PublicID, "data.csv", "raw", 1000))
	require.NoError(t, err)

	require.NoError(t, db.Create(&model.ProjectUser{
		ProjectID: project.ID, Username: "member",
	}).Error)

	list, err := engine.List(context.Background(),
		util.JWTMessage{Username: "member", Role: model.RoleResearcher}, project.PublicID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "data.csv", list[0].Name)

	_, err = engine.List(context.Background(),
		util.JWTMessage{Username: "outsider", Role: model.RoleResearcher}, project.PublicID)
	require.ErrorIs(t, err, ErrAccessDenied)
}
