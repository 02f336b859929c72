package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"roof-segmenter/internal/config"
	"roof-segmenter/internal/domain"
	"roof-segmenter/internal/inference"
	"roof-segmenter/internal/jobs"
	"roof-segmenter/internal/storage"
)

// ModelInvoker isolates the segmentation model behind an interface. The
// production implementation spawns the python process; tests substitute
// canned results.
type ModelInvoker interface {
	Run(ctx context.Context, req inference.Request) (inference.Result, error)
}

// Server exposes the upload/result pipeline over HTTP.
type Server struct {
	cfg         config.Config
	store       *storage.Store
	jobs        *jobs.Manager
	hub         *jobs.Hub
	invoker     ModelInvoker
	diagnostics func() domain.DiagnosticReport
	logger      *slog.Logger
	echo        *echo.Echo
}

// New wires routes and middleware around the given collaborators.
func New(
	cfg config.Config,
	store *storage.Store,
	manager *jobs.Manager,
	hub *jobs.Hub,
	invoker ModelInvoker,
	diagnostics func() domain.DiagnosticReport,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:         cfg,
		store:       store,
		jobs:        manager,
		hub:         hub,
		invoker:     invoker,
		diagnostics: diagnostics,
		logger:      logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Error("request", "method", v.Method, "uri", v.URI, "status", v.Status, "err", v.Error)
				return nil
			}
			logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	e.POST("/api/upload", s.handleUpload)
	e.POST("/api/save", s.handleSave)
	e.GET("/api/results/:resultId/segments.zip", s.handleSegmentsArchive)
	e.GET("/api/health", s.handleHealth)
	e.GET("/api/diagnostics", s.handleDiagnostics)

	e.Static("/uploads", store.UploadsDir())
	e.Static("/results", store.ResultsDir())

	s.echo = e
	return s
}

// Handler returns the HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start begins serving on the given address and blocks until shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
