package core

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"visualdiff/internal/db"
)

var activeStatuses = []db.ReleaseStatus{db.StatusReceiving, db.StatusProcessing, db.StatusReviewing}

func releaseAttrs(r *db.Release) []any {
	return []any{"build_id", r.BuildID, "name", r.Name, "number", r.Number, "release_id", r.ID}
}

// CreateRelease cuts the next candidate number for (build, name). The build
// row is locked for the whole read-max-then-insert sequence so concurrent
// creators never observe the same number.
func (s *Service) CreateRelease(ctx context.Context, in CreateReleaseInput) (*db.Release, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	rel := &db.Release{
		ID:      uuid.NewString(),
		BuildID: in.BuildID,
		Name:    in.Name,
		Status:  db.StatusReceiving,
	}
	var promoted *db.Release

	err := s.inTx(ctx, "create release", func(tx db.Tx) error {
		build, err := tx.GetBuild(ctx, in.BuildID, db.LockUpdate)
		if err != nil {
			return err
		}
		if build == nil {
			return notFound("build does not exist", goerr.V("build_id", in.BuildID))
		}

		if s.singleActive {
			active, err := tx.FindRelease(ctx, db.ReleaseQuery{
				BuildID:  in.BuildID,
				Name:     in.Name,
				Statuses: activeStatuses,
			})
			if err != nil {
				return err
			}
			if active != nil {
				return conflict("an earlier candidate is still active",
					goerr.V("number", active.Number), goerr.V("status", active.Status))
			}
		}

		last, err := tx.MaxReleaseNumber(ctx, in.BuildID, in.Name)
		if err != nil {
			return err
		}
		rel.Number = last + 1

		if last == 0 && s.promoteBaseline {
			if promoted, err = promotePreviousRelease(ctx, tx, in.BuildID, in.Name); err != nil {
				return err
			}
		}

		if err := tx.InsertRelease(ctx, rel); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return conflict("release number already taken", goerr.V("number", rel.Number))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if promoted != nil {
		s.logger.Info("Promoted previous release to baseline", releaseAttrs(promoted)...)
	}
	s.logger.Info("Created release", releaseAttrs(rel)...)
	return rel, nil
}

// promotePreviousRelease marks the latest candidate of the build's previous
// release name good when that name has no good candidate. A candidate
// someone marked bad is left alone.
func promotePreviousRelease(ctx context.Context, tx db.Tx, buildID, name string) (*db.Release, error) {
	latest, err := tx.FindRelease(ctx, db.ReleaseQuery{BuildID: buildID, ExcludeName: name})
	if err != nil || latest == nil {
		return nil, err
	}
	// re-read under the row lock so a concurrent verdict is seen before we
	// overwrite it
	prev, err := tx.GetReleaseByID(ctx, latest.ID, db.LockUpdate)
	if err != nil || prev == nil {
		return nil, err
	}
	if prev.Status.Terminal() {
		return nil, nil
	}
	good, err := tx.FindRelease(ctx, db.ReleaseQuery{
		BuildID:  buildID,
		Name:     prev.Name,
		Statuses: []db.ReleaseStatus{db.StatusGood},
	})
	if err != nil || good != nil {
		return nil, err
	}
	if err := tx.UpdateReleaseStatus(ctx, prev.ID, db.StatusGood); err != nil {
		return nil, err
	}
	prev.Status = db.StatusGood
	return prev, nil
}

func (s *Service) GetRelease(ctx context.Context, key ReleaseKey) (*db.Release, error) {
	if err := validateInput(&key); err != nil {
		return nil, err
	}
	var rel *db.Release
	err := s.inTx(ctx, "get release", func(tx db.Tx) error {
		var err error
		rel, err = lookupRelease(ctx, tx, key, db.LockNone)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

func lookupRelease(ctx context.Context, tx db.Tx, key ReleaseKey, lock db.LockMode) (*db.Release, error) {
	rel, err := tx.GetRelease(ctx, key.BuildID, key.Name, key.Number, lock)
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return nil, notFound("release does not exist",
			goerr.V("build_id", key.BuildID), goerr.V("name", key.Name), goerr.V("number", key.Number))
	}
	return rel, nil
}

// MarkRunsComplete records that no more runs will be reported and moves the
// release to processing, then to reviewing if nothing is pending. Releases
// already reviewing or finalized are left untouched.
func (s *Service) MarkRunsComplete(ctx context.Context, key ReleaseKey) (*db.Release, error) {
	if err := validateInput(&key); err != nil {
		return nil, err
	}

	var (
		rel        *db.Release
		from       db.ReleaseStatus
		toReviewed bool
	)
	err := s.inTx(ctx, "mark runs complete", func(tx db.Tx) error {
		var err error
		if rel, err = lookupRelease(ctx, tx, key, db.LockUpdate); err != nil {
			return err
		}
		from = rel.Status
		switch rel.Status {
		case db.StatusReceiving:
			if err := tx.UpdateReleaseStatus(ctx, rel.ID, db.StatusProcessing); err != nil {
				return err
			}
			rel.Status = db.StatusProcessing
		case db.StatusProcessing:
		default:
			return nil
		}
		toReviewed, err = advanceIfDone(ctx, tx, rel)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch {
	case from != db.StatusReceiving && from != db.StatusProcessing:
		s.logger.Warn("Runs done reported for release past processing",
			append(releaseAttrs(rel), "status", rel.Status)...)
	case toReviewed:
		s.logger.Info("Release done processing, now reviewing", releaseAttrs(rel)...)
	default:
		s.logger.Info("Runs done for release", releaseAttrs(rel)...)
	}
	return rel, nil
}

// advanceIfDone is the completion predicate: a processing release with no
// run still needing a diff becomes reviewing. The caller must hold the
// release row lock.
func advanceIfDone(ctx context.Context, tx db.Tx, rel *db.Release) (bool, error) {
	if rel.Status != db.StatusProcessing {
		return false, nil
	}
	pending, err := tx.CountPendingRuns(ctx, rel.ID)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}
	if err := tx.UpdateReleaseStatus(ctx, rel.ID, db.StatusReviewing); err != nil {
		return false, err
	}
	rel.Status = db.StatusReviewing
	return true, nil
}

// FinalizeRelease sets a terminal verdict from any state. Repeating the same
// verdict is a no-op; the other verdict overwrites it.
func (s *Service) FinalizeRelease(ctx context.Context, in FinalizeReleaseInput) (*db.Release, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	var (
		rel  *db.Release
		from db.ReleaseStatus
	)
	err := s.inTx(ctx, "finalize release", func(tx db.Tx) error {
		var err error
		if rel, err = lookupRelease(ctx, tx, in.ReleaseKey, db.LockUpdate); err != nil {
			return err
		}
		from = rel.Status
		if rel.Status == in.Status {
			return nil
		}
		if err := tx.UpdateReleaseStatus(ctx, rel.ID, in.Status); err != nil {
			return err
		}
		rel.Status = in.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	if from == in.Status {
		s.logger.Debug("Release already marked", append(releaseAttrs(rel), "status", rel.Status)...)
	} else {
		s.logger.Info("Release marked", append(releaseAttrs(rel), "status", rel.Status, "from", from)...)
	}
	return rel, nil
}
