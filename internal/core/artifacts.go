package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/m-mizutani/goerr/v2"

	"visualdiff/internal/db"
	"visualdiff/internal/storage"
)

// ArtifactID is the content address of data.
func ArtifactID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentType infers a MIME type from the file extension, falling back to
// sniffing the bytes.
func ContentType(filename string, data []byte) string {
	if ext := filepath.Ext(filename); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return mimetype.Detect(data).String()
}

// UploadArtifact stores data under its content hash. Uploading bytes that
// are already stored writes nothing and returns the existing artifact.
// Bytes are written before the metadata row so a row never points at a
// missing blob; concurrent identical uploads converge on one row.
func (s *Service) UploadArtifact(ctx context.Context, filename string, data []byte) (*db.Artifact, error) {
	id := ArtifactID(data)

	existing, err := s.findArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Info("Upload already exists", "artifact_id", id)
		return existing, nil
	}

	a := &db.Artifact{
		ID:          id,
		ContentType: ContentType(filename, data),
		Size:        int64(len(data)),
	}
	if err := s.blobs.Put(ctx, id, data, a.ContentType); err != nil {
		return nil, goerr.Wrap(err, "failed to store artifact bytes", goerr.T(TagStorage), goerr.V("artifact_id", id))
	}

	var inserted bool
	err = s.inTx(ctx, "upload artifact", func(tx db.Tx) error {
		var err error
		if inserted, err = tx.InsertArtifact(ctx, a); err != nil || inserted {
			return err
		}
		stored, err := tx.GetArtifact(ctx, id)
		if err != nil {
			return err
		}
		if stored != nil {
			*a = *stored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if inserted {
		s.logger.Info("Upload received", "artifact_id", id, "content_type", a.ContentType, "size", a.Size)
	} else {
		s.logger.Info("Upload already exists", "artifact_id", id)
	}
	return a, nil
}

func (s *Service) findArtifact(ctx context.Context, id string) (*db.Artifact, error) {
	var a *db.Artifact
	err := s.inTx(ctx, "get artifact", func(tx db.Tx) error {
		var err error
		a, err = tx.GetArtifact(ctx, id)
		return err
	})
	return a, err
}

// GetArtifact returns an artifact's metadata and bytes.
func (s *Service) GetArtifact(ctx context.Context, id string) (*db.Artifact, []byte, error) {
	if id == "" {
		return nil, nil, goerr.New("artifact id required", goerr.T(TagValidation))
	}
	a, err := s.findArtifact(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		return nil, nil, notFound("artifact does not exist", goerr.V("artifact_id", id))
	}
	data, err := s.blobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, goerr.Wrap(err, "artifact bytes missing", goerr.T(TagStorage), goerr.V("artifact_id", id))
		}
		return nil, nil, goerr.Wrap(err, "failed to read artifact bytes", goerr.T(TagStorage), goerr.V("artifact_id", id))
	}
	return a, data, nil
}
