package core

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"visualdiff/internal/db"
)

const defaultRequeueLimit = 500

// ReportDiff resolves a run's pending diff and, when it was the last pending
// run of a processing release, moves the release to reviewing. The update
// and the completion check commit together under the release row lock.
//
// A run is resolved at most once: later reports for it, including duplicate
// deliveries of the same job, return the stored run unchanged.
func (s *Service) ReportDiff(ctx context.Context, in ReportDiffInput) (*db.Run, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	var (
		run        *db.Run
		rel        *db.Release
		duplicate  bool
		toReviewed bool
	)
	err := s.inTx(ctx, "report diff", func(tx db.Tx) error {
		found, err := tx.GetRun(ctx, in.RunID, db.LockNone)
		if err != nil {
			return err
		}
		if found == nil {
			return notFound("run does not exist", goerr.V("run_id", in.RunID))
		}

		// release before run, the same order MarkRunsComplete locks in
		if rel, err = tx.GetReleaseByID(ctx, found.ReleaseID, db.LockUpdate); err != nil {
			return err
		}
		if rel == nil {
			return notFound("release does not exist", goerr.V("release_id", found.ReleaseID))
		}
		if run, err = tx.GetRun(ctx, in.RunID, db.LockUpdate); err != nil {
			return err
		}
		if run == nil {
			return notFound("run does not exist", goerr.V("run_id", in.RunID))
		}

		if !run.NeedsDiff {
			duplicate = true
			return nil
		}

		run.DiffImage = optional(in.DiffImage)
		run.DiffLog = optional(in.DiffLog)
		run.NeedsDiff = needsDiff(in.NoDiff, in.DiffImage, in.DiffLog)
		if err := tx.UpdateRunDiff(ctx, run); err != nil {
			return err
		}

		toReviewed, err = advanceIfDone(ctx, tx, rel)
		return err
	})
	if err != nil {
		return nil, err
	}

	if duplicate {
		s.logger.Info("Diff already resolved, ignoring report", "run_id", run.ID, "release_id", rel.ID)
		return run, nil
	}

	s.logger.Info("Saved pdiff",
		"run_id", run.ID, "no_diff", in.NoDiff, "diff_image", in.DiffImage,
		"diff_log", in.DiffLog, "needs_diff", run.NeedsDiff)

	switch {
	case toReviewed:
		s.logger.Info("Release done processing, now reviewing", releaseAttrs(rel)...)
	case rel.Status != db.StatusProcessing:
		s.logger.Debug("Release not processing, completion check skipped",
			append(releaseAttrs(rel), "status", rel.Status)...)
	}
	return run, nil
}

// RequeuePendingDiffs enqueues a diff job again for every run that still
// needs one in a release that is not finalized. Diff workers that never
// report back otherwise leave the release in processing forever.
func (s *Service) RequeuePendingDiffs(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultRequeueLimit
	}

	var runs []db.Run
	if err := s.inTx(ctx, "list pending runs", func(tx db.Tx) error {
		var err error
		runs, err = tx.ListPendingRuns(ctx, limit)
		return err
	}); err != nil {
		return 0, err
	}

	enqueued := 0
	var firstErr error
	for _, run := range runs {
		if err := s.enqueueDiff(ctx, run.ID); err != nil {
			s.logger.Error("Failed to requeue diff job", "run_id", run.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		enqueued++
	}

	s.logger.Info("Requeued pending diffs", "pending", len(runs), "enqueued", enqueued)
	if firstErr != nil {
		return enqueued, goerr.Wrap(firstErr, "failed to requeue some diff jobs",
			goerr.T(TagStorage), goerr.V("failed", len(runs)-enqueued))
	}
	return enqueued, nil
}
