package config

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"visualdiff/internal/db"
	"visualdiff/internal/migrations"
)

// Database selects the repository. An empty URL keeps everything in memory.
type Database struct {
	URL     string
	Migrate bool
}

func (c *Database) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "database-url",
			Usage:       "Postgres connection string; empty uses an in-memory repository",
			Destination: &c.URL,
			Sources:     cli.NewValueSourceChain(cli.EnvVar(envPrefix+"DATABASE_URL"), cli.EnvVar("DATABASE_URL")),
		},
		&cli.BoolFlag{
			Name:        "migrate",
			Usage:       "Apply schema migrations on startup",
			Value:       true,
			Destination: &c.Migrate,
			Sources:     env("MIGRATE"),
		},
	}
}

// RequireShared fails unless a database is configured. Processes that
// cooperate through the job queue cannot each keep a private memory store.
func (c *Database) RequireShared() error {
	if c.URL == "" {
		return goerr.New("--database-url is required: an in-memory repository is not shared with the API process")
	}
	return nil
}

// Open returns the configured repository, applying migrations first when
// enabled.
func (c *Database) Open(ctx context.Context, logger *slog.Logger) (db.Repository, error) {
	if c.URL == "" {
		logger.Warn("No database configured, using in-memory repository")
		return db.NewMemory(), nil
	}
	if c.Migrate {
		if err := migrations.Run(c.URL); err != nil {
			return nil, err
		}
	}
	repo, err := db.Open(ctx, c.URL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to database")
	}
	return repo, nil
}
