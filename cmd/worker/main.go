package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"visualdiff/internal/config"
	"visualdiff/internal/core"
	"visualdiff/internal/pdiff"
	"visualdiff/internal/queue"
	"visualdiff/internal/worker"
)

func main() {
	_ = godotenv.Load()
	os.Exit(run(context.Background(), os.Args, os.Stderr))
}

// run reports failures on stderr since they may happen before a logger exists.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	if err := cmd().Run(ctx, args); err != nil {
		fmt.Fprintln(stderr, "visualdiff-worker:", err)
		return 1
	}
	return 0
}

func cmd() *cli.Command {
	var (
		loggerCfg config.Logger
		dbCfg     config.Database
		redisCfg  config.Redis
		storeCfg  config.Storage
		pdiffCfg  config.PDiff
		logger    = slog.Default()
	)

	var flags []cli.Flag
	flags = append(flags, loggerCfg.Flags()...)
	flags = append(flags, dbCfg.Flags()...)
	flags = append(flags, redisCfg.Flags()...)
	flags = append(flags, storeCfg.Flags()...)
	flags = append(flags, pdiffCfg.Flags()...)

	return &cli.Command{
		Name:  "visualdiff-worker",
		Usage: "Computes perceptual diffs for reported runs",
		Flags: flags,
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			var err error
			if logger, err = loggerCfg.Configure(); err != nil {
				return nil, err
			}
			slog.SetDefault(logger)
			return ctx, nil
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := dbCfg.RequireShared(); err != nil {
				return err
			}
			if err := storeCfg.RequireShared(); err != nil {
				return err
			}

			repo, err := dbCfg.Open(ctx, logger)
			if err != nil {
				return err
			}
			defer repo.Close()

			blobs, err := storeCfg.Open(ctx, logger)
			if err != nil {
				return err
			}

			runner, err := pdiff.NewRunner(
				pdiff.WithImage(pdiffCfg.Image),
				pdiff.WithTimeout(pdiffCfg.Timeout),
				pdiff.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			defer runner.Close()

			asq := asynq.NewClient(redisCfg.ClientOpt())
			defer asq.Close()
			inspector := asynq.NewInspector(redisCfg.ClientOpt())
			defer inspector.Close()

			svc := core.New(repo, blobs, queue.NewDispatcher(asq, queue.WithInspector(inspector)), core.WithLogger(logger))
			logger.Info("Worker starting", "redis", redisCfg.Addr, "concurrency", pdiffCfg.Concurrency, "image", pdiffCfg.Image)
			if err := worker.Run(redisCfg.Addr, pdiffCfg.Concurrency, worker.New(svc, runner, logger)); err != nil {
				logger.Error("Worker stopped", "error", err)
				return goerr.Wrap(err, "worker failed")
			}
			return nil
		},
	}
}
