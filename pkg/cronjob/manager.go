// Package cronjob schedules the recurring maintenance work: deadline sweeps,
// stale invite cleanup and usage snapshots.
package cronjob

import (
	"context"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"

	"github.com/datahaven-io/datahaven/internal/lifecycle"
	"github.com/datahaven-io/datahaven/internal/usage"
)

const (
	// Sweeps run hourly; deadlines are end-of-day so sub-hour precision buys
	// nothing.
	sweepSpec = "0 * * * *"

	staleInviteSpec = "30 2 * * *"

	// First of the month, after the nightly sweep window.
	usageSnapshotSpec = "0 3 1 * *"
)

type Manager struct {
	cron            *cron.Cron
	lifecycle       *lifecycle.Engine
	usage           *usage.Calculator
	inviteValidDays int
}

func New(lc *lifecycle.Engine, uc *usage.Calculator, inviteValidDays int) *Manager {
	return &Manager{
		cron:            cron.New(),
		lifecycle:       lc,
		usage:           uc,
		inviteValidDays: inviteValidDays,
	}
}

// Start registers the schedules and launches the scheduler goroutine.
func (m *Manager) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func()
	}{
		{sweepSpec, "deadline sweep", m.runSweeps},
		{staleInviteSpec, "stale invite cleanup", m.runInviteCleanup},
		{usageSnapshotSpec, "usage snapshot", m.runUsageSnapshot},
	}
	for _, job := range jobs {
		if _, err := m.cron.AddFunc(job.spec, job.run); err != nil {
			return err
		}
		klog.Infof("scheduled %s (%s)", job.name, job.spec)
	}
	m.cron.Start()
	return nil
}

// Stop halts scheduling and returns a context that is done once running jobs
// have finished.
func (m *Manager) Stop() context.Context {
	return m.cron.Stop()
}

func (m *Manager) runSweeps() {
	ctx := context.Background()
	if _, err := m.lifecycle.ExpireOverdue(ctx); err != nil {
		klog.Errorf("expire sweep failed: %v", err)
	}
	if _, err := m.lifecycle.ArchiveOverdue(ctx); err != nil {
		klog.Errorf("archive sweep failed: %v", err)
	}
}

func (m *Manager) runInviteCleanup() {
	if _, err := m.lifecycle.PurgeStaleInvites(context.Background(), m.inviteValidDays); err != nil {
		klog.Errorf("stale invite cleanup failed: %v", err)
	}
}

func (m *Manager) runUsageSnapshot() {
	ctx := context.Background()
	if _, err := m.usage.Snapshot(ctx); err != nil {
		klog.Errorf("usage snapshot failed: %v", err)
		return
	}
	if _, err := m.lifecycle.MonthlyInvoiceMark(ctx); err != nil {
		klog.Errorf("invoice mark failed: %v", err)
	}
}
