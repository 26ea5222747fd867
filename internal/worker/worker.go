package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"visualdiff/internal/core"
	"visualdiff/internal/db"
	"visualdiff/internal/pdiff"
	"visualdiff/internal/queue"
)

// Lifecycle is the part of core.Service the diff worker drives.
type Lifecycle interface {
	GetRun(ctx context.Context, id string) (*db.Run, error)
	GetArtifact(ctx context.Context, id string) (*db.Artifact, []byte, error)
	UploadArtifact(ctx context.Context, filename string, data []byte) (*db.Artifact, error)
	ReportDiff(ctx context.Context, in core.ReportDiffInput) (*db.Run, error)
}

// Differ compares two screenshots.
type Differ interface {
	Compare(ctx context.Context, before, after []byte) (*pdiff.Result, error)
}

type Server struct {
	svc    Lifecycle
	differ Differ
	logger *slog.Logger
}

func New(svc Lifecycle, differ Differ, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, differ: differ, logger: logger}
}

func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(core.TopicRunPDiff, s.handleRunPDiff)
	return mux
}

func (s *Server) handleRunPDiff(ctx context.Context, t *asynq.Task) error {
	var job core.DiffJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil || job.RunID == "" {
		s.logger.Error("Dropping malformed diff job", "payload", string(t.Payload()), "error", err)
		return fmt.Errorf("bad payload: %w", asynq.SkipRetry)
	}
	logger := s.logger.With("run_id", job.RunID)
	logger.Info("Starting pdiff")

	run, err := s.svc.GetRun(ctx, job.RunID)
	if err != nil {
		if core.KindOf(err) == core.KindNotFound {
			logger.Warn("Run vanished, dropping diff job")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if !run.NeedsDiff {
		logger.Info("Run already resolved, nothing to do")
		return nil
	}

	if run.PreviousID == nil {
		logger.Info("No baseline run, reporting no diff")
		return s.report(ctx, core.ReportDiffInput{RunID: run.ID, NoDiff: true})
	}
	prev, err := s.svc.GetRun(ctx, *run.PreviousID)
	if err != nil {
		if core.KindOf(err) == core.KindNotFound {
			logger.Info("Baseline run gone, reporting no diff", "previous_id", *run.PreviousID)
			return s.report(ctx, core.ReportDiffInput{RunID: run.ID, NoDiff: true})
		}
		return err
	}
	if prev.Image == run.Image {
		logger.Info("Screenshot identical to baseline", "image", run.Image)
		return s.report(ctx, core.ReportDiffInput{RunID: run.ID, NoDiff: true})
	}

	var before, after []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		_, before, err = s.svc.GetArtifact(gctx, prev.Image)
		return err
	})
	g.Go(func() error {
		var err error
		_, after, err = s.svc.GetArtifact(gctx, run.Image)
		return err
	})
	if err := g.Wait(); err != nil {
		// the screenshot may not be uploaded yet; retry later
		return goerr.Wrap(err, "failed to fetch screenshots", goerr.V("run_id", run.ID))
	}

	res, err := s.differ.Compare(ctx, before, after)
	if err != nil {
		return goerr.Wrap(err, "pdiff failed", goerr.V("run_id", run.ID))
	}

	in := core.ReportDiffInput{RunID: run.ID}
	logArt, err := s.svc.UploadArtifact(ctx, "diff.log", res.Log)
	if err != nil {
		return err
	}
	in.DiffLog = logArt.ID

	if !res.Different {
		in.NoDiff = true
	} else {
		img, err := s.svc.UploadArtifact(ctx, "diff.png", res.DiffImage)
		if err != nil {
			return err
		}
		in.DiffImage = img.ID
	}
	logger.Info("Pdiff finished", "different", res.Different, "metric", res.Metric)
	return s.report(ctx, in)
}

func (s *Server) report(ctx context.Context, in core.ReportDiffInput) error {
	_, err := s.svc.ReportDiff(ctx, in)
	return err
}

// Run serves diff jobs from redis until the process is signalled.
func Run(redisAddr string, concurrency int, s *Server) error {
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue.QueueName: 1},
	})
	return srv.Run(s.Mux())
}
