package helper

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/datahaven-io/datahaven/dao/query"
	"github.com/datahaven-io/datahaven/internal/files"
	"github.com/datahaven-io/datahaven/internal/handler"
	"github.com/datahaven-io/datahaven/internal/lifecycle"
	"github.com/datahaven-io/datahaven/internal/sharing"
	"github.com/datahaven-io/datahaven/internal/usage"
	"github.com/datahaven-io/datahaven/pkg/config"
	"github.com/datahaven-io/datahaven/pkg/cronjob"
	"github.com/datahaven-io/datahaven/pkg/mailer"
	"github.com/datahaven-io/datahaven/pkg/objectstore"
)

// ConfigInitializer wires configuration into the engines the server runs on.
type ConfigInitializer struct {
	backendConfig *config.Config
}

func NewConfigInitializer() *ConfigInitializer {
	return &ConfigInitializer{
		backendConfig: config.GetConfig(),
	}
}

func (ci *ConfigInitializer) GetBackendConfig() *config.Config {
	return ci.backendConfig
}

// LoadDebugEnvironment pulls local overrides from .debug.env in debug mode.
func (ci *ConfigInitializer) LoadDebugEnvironment() error {
	if gin.Mode() != gin.DebugMode {
		return nil
	}

	if err := godotenv.Load(".debug.env"); err != nil {
		return err
	}

	be := os.Getenv("DATAHAVEN_BE_PORT")
	if be == "" {
		panic("DATAHAVEN_BE_PORT is not set")
	}
	ci.backendConfig.ServerAddr = ":" + be
	return nil
}

// InitializeRegisterConfig connects the database, migrates the schema, and
// builds the engines shared by handlers and the scheduler.
func (ci *ConfigInitializer) InitializeRegisterConfig(ctx context.Context) (*handler.RegisterConfig, *cronjob.Manager, error) {
	db := query.GetDB()
	if err := query.Migrate(db); err != nil {
		return nil, nil, err
	}

	store, err := objectstore.NewS3(ctx)
	if err != nil {
		return nil, nil, err
	}
	notify := mailer.New()

	cfg := ci.backendConfig
	lifecycleEngine := lifecycle.NewEngine(db, store, notify, lifecycle.Policy{
		DaysInAvailable: cfg.Policy.DaysInAvailable,
		DaysInExpired:   cfg.Policy.DaysInExpired,
		MaxReleases:     cfg.Policy.MaxReleases,
		MinimumAdmins:   cfg.Policy.MinimumAdmins,
		WarnBelowAdmins: cfg.Policy.WarnBelowAdmins,
		SizeUpdateTries: cfg.Policy.SizeUpdateTries,
		AppSecret:       cfg.AppSecret,
	})
	sharingEngine := sharing.NewEngine(db, notify, sharing.Policy{
		InviteValidDays: cfg.Policy.InviteValidDays,
	})
	filesEngine := files.NewEngine(db, store)
	usageCalc := usage.NewCalculator(db, cfg.Policy.CostPerGBHour)

	scheduler := cronjob.New(lifecycleEngine, usageCalc, cfg.Policy.InviteValidDays)

	return &handler.RegisterConfig{
		DB:        db,
		Lifecycle: lifecycleEngine,
		Sharing:   sharingEngine,
		Files:     filesEngine,
		Usage:     usageCalc,
	}, scheduler, nil
}
