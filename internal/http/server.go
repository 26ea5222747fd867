package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"visualdiff/internal/core"
	"visualdiff/internal/db"
)

// Lifecycle is the set of operations exposed over HTTP.
type Lifecycle interface {
	Ping(ctx context.Context) error

	CreateBuild(ctx context.Context, in core.CreateBuildInput) (*db.Build, error)
	GetBuild(ctx context.Context, id string) (*db.Build, error)

	CreateRelease(ctx context.Context, in core.CreateReleaseInput) (*db.Release, error)
	GetRelease(ctx context.Context, key core.ReleaseKey) (*db.Release, error)
	MarkRunsComplete(ctx context.Context, key core.ReleaseKey) (*db.Release, error)
	FinalizeRelease(ctx context.Context, in core.FinalizeReleaseInput) (*db.Release, error)

	ReportRun(ctx context.Context, in core.ReportRunInput) (*db.Run, error)
	GetRun(ctx context.Context, id string) (*db.Run, error)
	ListRuns(ctx context.Context, key core.ReleaseKey) ([]db.Run, error)
	ReportDiff(ctx context.Context, in core.ReportDiffInput) (*db.Run, error)
	RequeuePendingDiffs(ctx context.Context, limit int) (int, error)

	UploadArtifact(ctx context.Context, filename string, data []byte) (*db.Artifact, error)
	GetArtifact(ctx context.Context, id string) (*db.Artifact, []byte, error)
}

type config struct {
	addr      string
	apiToken  string
	maxUpload int64
	logger    *slog.Logger
}

type Option func(*config)

func WithAddr(addr string) Option {
	return func(c *config) {
		c.addr = addr
	}
}

// WithAPIToken requires a bearer token on every /api route. Empty disables
// the check.
func WithAPIToken(token string) Option {
	return func(c *config) {
		c.apiToken = token
	}
}

// WithMaxUploadBytes caps the request body of /api/upload. Non-positive
// values keep the default.
func WithMaxUploadBytes(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxUpload = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

type Server struct {
	*http.Server
	svc       Lifecycle
	logger    *slog.Logger
	maxUpload int64
}

func NewServer(svc Lifecycle, opts ...Option) *Server {
	cfg := &config{
		addr:      ":8000",
		maxUpload: 64 << 20,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{svc: svc, logger: cfg.logger, maxUpload: cfg.maxUpload}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, LoggingMiddleware(cfg.logger), middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		if cfg.apiToken != "" {
			r.Use(RequireAPIToken(cfg.apiToken))
		}
		r.Post("/build", s.createBuild)
		r.Get("/build/{id}", s.getBuild)

		r.Post("/release", s.createRelease)
		r.Get("/release/{build_id}/{name}/{number}", s.getRelease)
		r.Get("/release/{build_id}/{name}/{number}/runs", s.listRuns)
		r.Post("/runs_done", s.runsDone)
		r.Post("/release_done", s.releaseDone)

		r.Post("/report_run", s.reportRun)
		r.Get("/run/{id}", s.getRun)
		r.Post("/report_pdiff", s.reportPDiff)
		r.Post("/redrive", s.redrive)

		r.Post("/upload", s.upload)
		r.Get("/artifact/{id}", s.getArtifact)
	})

	r.Get("/healthz", s.health)

	s.Server = &http.Server{
		Addr:              cfg.addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}
