package core

import (
	"context"
	"log/slog"

	"visualdiff/internal/db"
)

// BlobStore holds artifact bytes keyed by content hash.
type BlobStore interface {
	Put(ctx context.Context, id string, data []byte, contentType string) error
	Get(ctx context.Context, id string) ([]byte, error)
}

// Job is one unit of work handed to the Dispatcher. Key identifies the
// job for deduplication; dispatchers may collapse jobs sharing a key.
type Job struct {
	Topic   string
	Payload []byte
	Key     string
}

// Dispatcher is a fire-and-forget, at-least-once work queue. Completion is
// never observed here; results come back through ReportDiff.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

// Service implements the release lifecycle: candidate sequencing, the run
// ledger, the diff completion gate and the artifact store.
type Service struct {
	repo       db.Repository
	blobs      BlobStore
	dispatcher Dispatcher
	logger     *slog.Logger

	singleActive    bool
	promoteBaseline bool
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSingleActiveCandidate toggles rejecting a new candidate while another
// candidate of the same (build, name) is not yet good or bad.
func WithSingleActiveCandidate(enabled bool) Option {
	return func(s *Service) {
		s.singleActive = enabled
	}
}

// WithBaselinePromotion toggles promoting the previous release name's latest
// candidate to good when a new name is first cut.
func WithBaselinePromotion(enabled bool) Option {
	return func(s *Service) {
		s.promoteBaseline = enabled
	}
}

func New(repo db.Repository, blobs BlobStore, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		blobs:           blobs,
		dispatcher:      dispatcher,
		logger:          slog.Default(),
		singleActive:    true,
		promoteBaseline: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the repository.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) inTx(ctx context.Context, op string, fn func(tx db.Tx) error) error {
	return classify(s.repo.WithTx(ctx, fn), op+" failed")
}
