package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"roof-segmenter/internal/config"
	"roof-segmenter/internal/diagnostics"
	"roof-segmenter/internal/domain"
	"roof-segmenter/internal/inference"
	"roof-segmenter/internal/jobs"
	"roof-segmenter/internal/logging"
	"roof-segmenter/internal/server"
	"roof-segmenter/internal/storage"
)

// shutdownTimeout bounds graceful drain of both listeners.
const shutdownTimeout = 10 * time.Second

// App wires configuration, storage, jobs, the model invoker, and both
// network surfaces into one runnable unit.
type App struct {
	Config      config.Config
	Store       *storage.Store
	Jobs        *jobs.Manager
	Hub         *jobs.Hub
	Diagnostics domain.DiagnosticReport

	logger  *slog.Logger
	api     *server.Server
	gateway *server.Gateway
}

// New builds the application from environment configuration and runs
// startup diagnostics. Check failures are logged, not fatal: the server
// still comes up and individual jobs fail with the same causes.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	store := storage.New(cfg.UploadsDir, cfg.ResultsDir)
	if err := store.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("prepare storage: %w", err)
	}

	report := diagnostics.NewChecker().Run(cfg)
	for _, item := range report.Items {
		if item.Status == domain.DiagnosticStatusFail {
			logger.Warn("startup check failed", "check", item.ID, "message", item.Message, "hint", item.Hint)
		}
	}

	manager := jobs.NewManager()
	hub := jobs.NewHub()
	invoker := inference.New(cfg.PythonBin, cfg.ScriptPath, cfg.ModelPath, cfg.InferenceTimeout)

	app := &App{
		Config:      cfg,
		Store:       store,
		Jobs:        manager,
		Hub:         hub,
		Diagnostics: report,
		logger:      logger,
	}

	app.api = server.New(cfg, store, manager, hub, invoker,
		func() domain.DiagnosticReport { return app.Diagnostics }, logger)
	app.gateway = server.NewGateway(hub, logger)

	return app, nil
}

// Run starts the API server and the live-update gateway, then blocks until
// the context is cancelled or either listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		if err := a.api.Start(a.Config.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	wsServer := &http.Server{
		Addr:    a.Config.WSAddr,
		Handler: a.gateway,
	}
	go func() {
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("live-update gateway: %w", err)
		}
	}()

	a.logger.Info("server started",
		"http", a.Config.HTTPAddr,
		"ws", a.Config.WSAddr,
		"model", a.Config.ModelPath)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.api.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("api shutdown", "err", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("gateway shutdown", "err", err)
	}
	a.Hub.Close()

	a.logger.Info("server stopped")
	return runErr
}
