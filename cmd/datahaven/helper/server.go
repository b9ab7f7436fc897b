package helper

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/datahaven-io/datahaven/internal"
	"github.com/datahaven-io/datahaven/internal/handler"
	"github.com/datahaven-io/datahaven/pkg/config"
	"github.com/datahaven-io/datahaven/pkg/cronjob"
)

type ServerRunner struct {
	backendConfig *config.Config
}

func NewServerRunner(backendConfig *config.Config) *ServerRunner {
	return &ServerRunner{
		backendConfig: backendConfig,
	}
}

var (
	readHeaderTimeout = 10 * time.Second
	cancelTimeout     = 10 * time.Second
)

// StartServer runs the HTTP server and the scheduler until SIGINT/SIGTERM,
// then shuts both down gracefully.
func (sr *ServerRunner) StartServer(registerConfig *handler.RegisterConfig, scheduler *cronjob.Manager) {
	klog.Info("starting server")
	backend := internal.Register(registerConfig)

	srv := &http.Server{
		Addr:              sr.backendConfig.ServerAddr,
		Handler:           backend.R,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("listen: %s\n", err)
		}
	}()

	if err := scheduler.Start(); err != nil {
		klog.Fatalf("scheduler: %s\n", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	klog.Info("Shutdown Gin Server ...")

	// Let running cron jobs finish before closing their database handle.
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		klog.Info("Gin Server Shutdown:", err)
	}
	klog.Info("Gin Server exiting")
}
