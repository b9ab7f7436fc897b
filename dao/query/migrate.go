package query

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/pkg/logutils"
)

// allModels lists every table in creation order. Referenced tables first so
// foreign keys resolve.
func allModels() []any {
	return []any{
		&model.Unit{},
		&model.User{},
		&model.Email{},
		&model.Invite{},
		&model.Project{},
		&model.ProjectStatus{},
		&model.ProjectUser{},
		&model.ProjectInvite{},
		&model.ProjectUserKey{},
		&model.ProjectInviteKey{},
		&model.File{},
		&model.Version{},
		&model.Usage{},
	}
}

// Migrate brings the schema up to date. InitSchema covers fresh databases;
// incremental migrations below cover deployed ones.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			// Release counting was originally derived by scanning status
			// history joins; an index makes the scan cheap.
			ID: "202508-project-status-index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Migrator().AutoMigrate(&model.ProjectStatus{})
			},
			Rollback: func(tx *gorm.DB) error { return nil },
		},
		{
			ID: "202508-usage-snapshots",
			Migrate: func(tx *gorm.DB) error {
				return tx.Migrator().AutoMigrate(&model.Usage{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&model.Usage{})
			},
		},
	})

	m.InitSchema(func(tx *gorm.DB) error {
		return tx.AutoMigrate(allModels()...)
	})

	if err := m.Migrate(); err != nil {
		return err
	}
	logutils.Log.Info("database schema up to date")
	return nil
}

// MigrateForTest creates the full schema on a throwaway database.
func MigrateForTest(db *gorm.DB) error {
	return db.AutoMigrate(allModels()...)
}
