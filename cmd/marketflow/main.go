// Command marketflow runs the market data dispatch engine configured from the
// environment and an optional .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/drblury/marketflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "marketflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := marketflow.LoadConfig()
	if err != nil {
		return err
	}

	logger := marketflow.NewSlogServiceLogger(marketflow.NewJSONLogger(os.Stdout, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := marketflow.NewService(cfg, logger, ctx, marketflow.ServiceDependencies{
		Hooks: marketflow.AlertingHooks(func(job marketflow.JobContext, err error) {
			logger.Error("Message dead lettered", err, marketflow.LogFields{
				"message_id": job.MessageID,
				"symbol":     job.Symbol,
				"attempt":    job.Attempt,
			})
		}),
	})
	if err != nil {
		return err
	}

	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		_ = svc.Stop(cfg.Engine.ShutdownGrace)
		return err
	}

	logger.Info("Shutting down", marketflow.LogFields{"grace": cfg.Engine.ShutdownGrace.String()})
	return svc.Stop(cfg.Engine.ShutdownGrace)
}
