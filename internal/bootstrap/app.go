package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/internal/infra/config"
	"github.com/yanqian/ragserver/internal/infra/queue"
)

// App encapsulates the HTTP server, worker pool, and sweeper lifecycles.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	server *http.Server
	jobs   queue.HandlerQueue
	worker *rag.Worker
	ragSvc *rag.Service
}

// NewApp is used by Wire to build the runnable app.
func NewApp(cfg *config.Config, logger *slog.Logger, server *http.Server, jobs queue.HandlerQueue, worker *rag.Worker, ragSvc *rag.Service) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With("component", "bootstrap"),
		server: server,
		jobs:   jobs,
		worker: worker,
		ragSvc: ragSvc,
	}
}

// Run starts the background workers and the HTTP server, blocking until
// shutdown.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.jobs.Start(runCtx, a.worker.HandleJob, a.cfg.Ingest.Parallelism)
	go a.sweepUploads(runCtx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server starting", "address", a.cfg.HTTP.Address)
		if err := a.server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		a.logger.Info("shutdown signal received")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// sweepUploads reclaims expired phase-one uploads on a fixed cadence.
func (a *App) sweepUploads(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := a.ragSvc.SweepExpiredUploads(ctx)
			if err != nil {
				a.logger.Warn("upload sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				a.logger.Info("expired uploads reclaimed", "count", swept)
			}
		}
	}
}
