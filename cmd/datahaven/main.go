package main

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/datahaven-io/datahaven/cmd/datahaven/helper"
)

// @title						DataHaven API
// @version						1.0.0
// @description					API server for DataHaven, a multi-tenant research data delivery service.
// @securityDefinitions.apikey	Bearer
// @in							header
// @name						Authorization
func main() {
	// All persisted timestamps and deadline comparisons are UTC.
	time.Local = time.UTC

	configInit := helper.NewConfigInitializer()
	backendConfig := configInit.GetBackendConfig()

	if err := configInit.LoadDebugEnvironment(); err != nil {
		klog.Fatalf("Failed to load env: %s", err)
	}

	registerConfig, scheduler, err := configInit.InitializeRegisterConfig(context.Background())
	if err != nil {
		klog.Fatalf("Failed to initialize: %s", err)
	}

	serverRunner := helper.NewServerRunner(backendConfig)
	serverRunner.StartServer(registerConfig, scheduler)
}
