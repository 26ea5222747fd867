package core

import (
	"context"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"visualdiff/internal/db"
)

func (s *Service) CreateBuild(ctx context.Context, in CreateBuildInput) (*db.Build, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	b := &db.Build{ID: uuid.NewString(), Name: in.Name}
	if err := s.inTx(ctx, "create build", func(tx db.Tx) error {
		return tx.InsertBuild(ctx, b)
	}); err != nil {
		return nil, err
	}

	s.logger.Info("Created build", "build_id", b.ID, "name", b.Name)
	return b, nil
}

func (s *Service) GetBuild(ctx context.Context, id string) (*db.Build, error) {
	if id == "" {
		return nil, goerr.New("build_id required", goerr.T(TagValidation))
	}
	var b *db.Build
	err := s.inTx(ctx, "get build", func(tx db.Tx) error {
		var err error
		if b, err = tx.GetBuild(ctx, id, db.LockNone); err != nil {
			return err
		}
		if b == nil {
			return notFound("build does not exist", goerr.V("build_id", id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}
