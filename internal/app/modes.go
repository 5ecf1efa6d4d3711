package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dwellogo/dealdesk/internal/pipeline"
	"github.com/dwellogo/dealdesk/internal/server"
	"github.com/dwellogo/dealdesk/internal/server/handler"
	"github.com/dwellogo/dealdesk/internal/server/ws"
)

// shutdownTimeout bounds how long in-flight requests may drain.
const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API and the WebSocket hub.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return ignoreCancel(g.Wait())
}

// ArchiveMode runs the negotiation archiver. With no cron configured it
// performs a single pass and returns.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	archiver := a.newArchiver(deps)
	if a.cfg.Archive.Cron == "" {
		n, err := archiver.Run(ctx)
		if err != nil {
			return fmt.Errorf("archive mode: %w", err)
		}
		a.logger.InfoContext(ctx, "archive pass finished", slog.Int64("negotiations", n))
		return nil
	}
	return ignoreCancel(archiver.RunCron(ctx, a.cfg.Archive.Cron))
}

// FullMode serves the API and, when enabled, runs the archiver beside it.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("archive_enabled", a.cfg.Archive.Enabled),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		archiver := a.newArchiver(deps)
		cron := a.cfg.Archive.Cron
		if cron == "" {
			cron = defaultArchiveCron
		}
		g.Go(func() error {
			return archiver.RunCron(ctx, cron)
		})
	}

	return ignoreCancel(g.Wait())
}

const defaultArchiveCron = "0 3 * * *"

func (a *App) newArchiver(deps *Dependencies) *pipeline.Archiver {
	return pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, deps.Notifier, a.logger)
}

// startHTTPServer registers the hub, handlers and HTTP server on g. The
// server shuts down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, deps.Negotiations, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:       handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Negotiations: handler.NewNegotiationHandler(deps.Negotiations, a.logger),
		Properties:   handler.NewPropertyHandler(deps.Properties, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.APIKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// ignoreCancel treats a cancelled context as a clean exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
