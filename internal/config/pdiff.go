package config

import (
	"time"

	"github.com/urfave/cli/v3"

	"visualdiff/internal/pdiff"
)

type PDiff struct {
	Image       string
	Timeout     time.Duration
	Concurrency int
}

func (c *PDiff) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "pdiff-image",
			Usage:       "Container image providing ImageMagick compare",
			Value:       pdiff.DefaultImage,
			Destination: &c.Image,
			Sources:     env("PDIFF_IMAGE"),
		},
		&cli.DurationFlag{
			Name:        "pdiff-timeout",
			Usage:       "Upper bound on one comparison",
			Value:       5 * time.Minute,
			Destination: &c.Timeout,
			Sources:     env("PDIFF_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:        "worker-concurrency",
			Usage:       "Diff jobs processed in parallel",
			Value:       5,
			Destination: &c.Concurrency,
			Sources:     env("WORKER_CONCURRENCY"),
		},
	}
}
