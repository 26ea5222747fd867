package core

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"visualdiff/internal/db"
)

// TopicRunPDiff is the dispatcher topic for diff computation requests.
const TopicRunPDiff = "run-pdiff"

// DiffJob is the payload of a TopicRunPDiff job.
type DiffJob struct {
	RunID string `json:"run_id"`
}

// ReportRun records a run for a candidate that is still receiving or
// processing and links it to the same-named run of the most recent good
// release of (build, name). A diff job is requested after the run commits.
func (s *Service) ReportRun(ctx context.Context, in ReportRunInput) (*db.Run, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	run := &db.Run{
		ID:        uuid.NewString(),
		Name:      in.RunName,
		Image:     in.Image,
		Log:       optional(in.Log),
		Config:    optional(in.Config),
		NeedsDiff: needsDiff(in.NoDiff, in.DiffImage, in.DiffLog),
		DiffImage: optional(in.DiffImage),
		DiffLog:   optional(in.DiffLog),
	}

	err := s.inTx(ctx, "report run", func(tx db.Tx) error {
		// share lock: concurrent runs may be added, but the gate cannot
		// transition the release until this insert commits
		rel, err := lookupRelease(ctx, tx, in.ReleaseKey, db.LockShare)
		if err != nil {
			return err
		}
		if rel.Status != db.StatusReceiving && rel.Status != db.StatusProcessing {
			return conflict("release is not accepting runs",
				goerr.V("release_id", rel.ID), goerr.V("status", rel.Status))
		}
		run.ReleaseID = rel.ID

		dup, err := tx.FindRunByName(ctx, rel.ID, in.RunName)
		if err != nil {
			return err
		}
		if dup != nil {
			return conflict("run already reported", goerr.V("run_name", in.RunName), goerr.V("run_id", dup.ID))
		}

		if run.PreviousID, err = findBaseline(ctx, tx, in.BuildID, in.Name, in.RunName); err != nil {
			return err
		}

		if err := tx.InsertRun(ctx, run); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return conflict("run already reported", goerr.V("run_name", in.RunName))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Created run",
		"build_id", in.BuildID, "name", in.Name, "number", in.Number,
		"run_id", run.ID, "run_name", run.Name, "needs_diff", run.NeedsDiff)

	if run.NeedsDiff {
		// the run is committed; a lost job is recovered by RequeuePendingDiffs
		if err := s.enqueueDiff(ctx, run.ID); err != nil {
			s.logger.Error("Failed to enqueue diff job", "run_id", run.ID, "error", err)
		}
	}
	return run, nil
}

// findBaseline returns the id of the run named runName in the most recently
// created good release of (buildID, name). Older good releases are never
// consulted.
func findBaseline(ctx context.Context, tx db.Tx, buildID, name, runName string) (*string, error) {
	good, err := tx.FindRelease(ctx, db.ReleaseQuery{
		BuildID:  buildID,
		Name:     name,
		Statuses: []db.ReleaseStatus{db.StatusGood},
	})
	if err != nil || good == nil {
		return nil, err
	}
	prev, err := tx.FindRunByName(ctx, good.ID, runName)
	if err != nil || prev == nil {
		return nil, err
	}
	return &prev.ID, nil
}

func (s *Service) enqueueDiff(ctx context.Context, runID string) error {
	payload, err := json.Marshal(DiffJob{RunID: runID})
	if err != nil {
		return goerr.Wrap(err, "failed to marshal diff job")
	}
	return s.dispatcher.Enqueue(ctx, Job{Topic: TopicRunPDiff, Payload: payload, Key: runID})
}

func (s *Service) GetRun(ctx context.Context, id string) (*db.Run, error) {
	if id == "" {
		return nil, goerr.New("run_id required", goerr.T(TagValidation))
	}
	var run *db.Run
	err := s.inTx(ctx, "get run", func(tx db.Tx) error {
		var err error
		if run, err = tx.GetRun(ctx, id, db.LockNone); err != nil {
			return err
		}
		if run == nil {
			return notFound("run does not exist", goerr.V("run_id", id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Service) ListRuns(ctx context.Context, key ReleaseKey) ([]db.Run, error) {
	if err := validateInput(&key); err != nil {
		return nil, err
	}
	var runs []db.Run
	err := s.inTx(ctx, "list runs", func(tx db.Tx) error {
		rel, err := lookupRelease(ctx, tx, key, db.LockNone)
		if err != nil {
			return err
		}
		runs, err = tx.ListRuns(ctx, rel.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}
