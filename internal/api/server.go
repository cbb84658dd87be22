package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/relayer/internal/archive"
	"github.com/mattjoyce/relayer/internal/events"
	"github.com/mattjoyce/relayer/internal/history"
	"github.com/mattjoyce/relayer/internal/pipeline"
	"github.com/mattjoyce/relayer/internal/workspace"
)

// Uploads stores and finalizes chunked uploads. *upload.Assembler satisfies
// it.
type Uploads interface {
	StoreChunk(ctx context.Context, uploadID string, partIndex, totalParts int, filename string, body io.Reader) error
	FinalizeUpload(ctx context.Context, uploadID, filename string, totalParts int) (string, error)
}

// Submitter runs and retires analyses. *pipeline.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, sub pipeline.Submission) (pipeline.Result, error)
	Retire(ctx context.Context, owner, jobID string) error
}

// History lists an owner's runs. *history.Index satisfies it.
type History interface {
	Enumerate(ctx context.Context, owner string) ([]history.Entry, error)
}

// Shares publishes runs. *share.Manager satisfies it.
type Shares interface {
	Publish(ctx context.Context, owner, jobID string) error
	Unpublish(ctx context.Context, owner, jobID string) error
	ManifestPath(owner, jobID string) (string, error)
}

// Runs resolves committed run directories. *workspace.Manager satisfies it.
type Runs interface {
	Open(ctx context.Context, owner, jobID string) (workspace.RunDirectory, error)
}

// Archives locates and awaits result archives. *archive.Archiver satisfies
// it.
type Archives interface {
	Path(rd workspace.RunDirectory) string
	Wait(ctx context.Context, owner, jobID string) (*archive.Task, error)
}

// Config holds API server configuration.
type Config struct {
	Listen       string
	MaxBodyBytes int64
}

// Deps are the components the handlers call into.
type Deps struct {
	Uploads  Uploads
	Pipeline Submitter
	History  History
	Shares   Shares
	Runs     Runs
	Archives Archives
	Events   *events.Hub
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 80 << 20
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger.With(slog.String("component", "api")),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		// Zero: /analyse holds the connection for the whole tool run.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.limitBody)
		r.Post("/upload", s.handleUpload)
		r.Post("/upload_done", s.handleUploadDone)
		r.Post("/analyse", s.handleAnalyse)
		r.Post("/delete_result", s.handleDeleteResult)
		r.Post("/sh/{owner}/{jobID}", s.handleShare)
		r.Post("/rm/{owner}/{jobID}", s.handleUnshare)
	})

	r.Get("/my_results", s.handleMyResults)
	r.Get("/result/{owner}/{jobID}", s.handleResult)
	r.Get("/sh/{owner}/{jobID}", s.handleSharedResult)
	r.Get("/archive/{owner}/{jobID}", s.handleArchive)
	r.Get("/assets/{owner}/{jobID}/*", s.handleAsset)

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
