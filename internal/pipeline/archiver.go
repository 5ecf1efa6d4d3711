// Package pipeline runs the background jobs that sit beside the API:
// currently the scheduled export of closed negotiations to cold storage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dwellogo/dealdesk/internal/domain"
)

// Alerter receives operator alerts when a scheduled run fails.
type Alerter interface {
	NotifyAll(ctx context.Context, title, message string) error
}

// Archiver moves closed negotiations older than the retention window from
// Postgres to S3.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	alerts        Alerter
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates a new Archiver. alerts may be nil.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, alerts Alerter, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		alerts:        alerts,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Run executes a single archive run and returns how many negotiations were
// exported.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("archiver: run started",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	started := a.now()
	n, err := a.blobArchiver.ArchiveNegotiations(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archiver: negotiations before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	a.logger.Info("archiver: run complete",
		slog.Int64("negotiations_archived", n),
		slog.Duration("took", a.now().Sub(started)),
	)
	return n, nil
}

// RunCron runs the archiver on a standard five-field cron schedule
// ("minute hour day-of-month month day-of-week", evaluated in UTC) until the
// context is cancelled. Descriptors such as "@daily" are accepted too.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("archiver: cron %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver: cron started", slog.String("cron", cronExpr))

	for {
		next := schedule.Next(a.now().UTC())
		if next.IsZero() {
			return fmt.Errorf("archiver: cron %q never fires", cronExpr)
		}

		wait := time.Until(next)
		a.logger.Debug("archiver: waiting for next trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver: cron stopped")
			return ctx.Err()
		case <-timer.C:
			a.runOnce(ctx)
		}
	}
}

// runOnce runs the archiver and alerts on failure. A failed run leaves every
// row in place, so the next trigger retries it.
func (a *Archiver) runOnce(ctx context.Context) {
	_, err := a.Run(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	a.logger.Error("archiver: run failed", slog.String("error", err.Error()))
	if a.alerts == nil {
		return
	}
	if aerr := a.alerts.NotifyAll(ctx, "Archive run failed", err.Error()); aerr != nil {
		a.logger.Warn("archiver: alert failed", slog.String("error", aerr.Error()))
	}
}
