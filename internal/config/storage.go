package config

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"visualdiff/internal/core"
	"visualdiff/internal/storage"
)

// Storage configures artifact blob storage. An empty endpoint keeps blobs in
// memory.
type Storage struct {
	storage.Options
}

func (c *Storage) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "s3-endpoint",
			Usage:       "S3-compatible endpoint; empty uses in-memory blobs",
			Destination: &c.Endpoint,
			Sources:     env("S3_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:        "s3-bucket",
			Usage:       "Bucket holding artifacts",
			Value:       "visualdiff",
			Destination: &c.Bucket,
			Sources:     env("S3_BUCKET"),
		},
		&cli.StringFlag{
			Name:        "s3-access-key",
			Destination: &c.AccessKey,
			Sources:     env("S3_ACCESS_KEY"),
		},
		&cli.StringFlag{
			Name:        "s3-secret-key",
			Destination: &c.SecretKey,
			Sources:     env("S3_SECRET_KEY"),
		},
		&cli.StringFlag{
			Name:        "s3-region",
			Value:       "us-east-1",
			Destination: &c.Region,
			Sources:     env("S3_REGION"),
		},
	}
}

// RequireShared fails unless an S3 endpoint is configured.
func (c *Storage) RequireShared() error {
	if c.Endpoint == "" {
		return goerr.New("--s3-endpoint is required: in-memory blobs are not shared with the API process")
	}
	return nil
}

func (c *Storage) Open(ctx context.Context, logger *slog.Logger) (core.BlobStore, error) {
	if c.Endpoint == "" {
		logger.Warn("No S3 endpoint configured, using in-memory blob store")
		return storage.NewMemory(), nil
	}
	client, err := storage.New(ctx, c.Options)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create S3 client", goerr.V("endpoint", c.Endpoint))
	}
	return client, nil
}
