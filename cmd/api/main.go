package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"visualdiff/internal/config"
	"visualdiff/internal/core"
	httpSrv "visualdiff/internal/http"
	"visualdiff/internal/queue"
)

func main() {
	_ = godotenv.Load()
	os.Exit(run(context.Background(), os.Args, os.Stderr))
}

// run reports failures on stderr since they may happen before a logger exists.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	if err := cmd().Run(ctx, args); err != nil {
		fmt.Fprintln(stderr, "visualdiff-api:", err)
		return 1
	}
	return 0
}

func cmd() *cli.Command {
	var (
		loggerCfg config.Logger
		serverCfg config.Server
		dbCfg     config.Database
		redisCfg  config.Redis
		storeCfg  config.Storage
		logger    = slog.Default()
	)

	var flags []cli.Flag
	flags = append(flags, loggerCfg.Flags()...)
	flags = append(flags, serverCfg.Flags()...)
	flags = append(flags, dbCfg.Flags()...)
	flags = append(flags, redisCfg.Flags()...)
	flags = append(flags, storeCfg.Flags()...)

	return &cli.Command{
		Name:  "visualdiff-api",
		Usage: "Release and run lifecycle API",
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
			err := serve(ctx, logger, serverCfg, dbCfg, redisCfg, storeCfg)
			if err != nil {
				logger.Error("API server failed", "error", err)
			}
			return err
		},
	}
}

func serve(ctx context.Context, logger *slog.Logger, serverCfg config.Server, dbCfg config.Database, redisCfg config.Redis, storeCfg config.Storage) error {
	repo, err := dbCfg.Open(ctx, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	blobs, err := storeCfg.Open(ctx, logger)
	if err != nil {
		return err
	}

	asq := asynq.NewClient(redisCfg.ClientOpt())
	defer asq.Close()
	inspector := asynq.NewInspector(redisCfg.ClientOpt())
	defer inspector.Close()

	svc := core.New(repo, blobs, queue.NewDispatcher(asq, queue.WithInspector(inspector)), core.WithLogger(logger))
	server := httpSrv.NewServer(svc,
		httpSrv.WithAddr(serverCfg.Addr),
		httpSrv.WithAPIToken(serverCfg.APIToken),
		httpSrv.WithMaxUploadBytes(serverCfg.MaxUploadBytes),
		httpSrv.WithLogger(logger),
	)

	go func() {
		logger.Info("HTTP server starting", "addr", serverCfg.Addr, "auth", serverCfg.APIToken != "")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down...")
	case sig := <-sigChan:
		logger.Info("Signal received, shutting down...", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shutdown server gracefully")
	}
	logger.Info("Server shutdown complete")
	return nil
}
