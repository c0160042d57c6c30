// cmd/sslm-mgr/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dalemusser/sslmgr/app"
	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/manager"
	"github.com/dalemusser/sslmgr/logging"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := app.Run(ctx, app.Hooks[*config.Options]{
		Name: "sslm-mgr",
		Sink: logging.SinkGeneral,
		LoadConfig: func(logger *zap.Logger) (*config.Config, *config.Options, error) {
			return config.Load(logger, os.Args[1:])
		},
		Run: run,
	})
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sslm-mgr: failed: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts *config.Options, logger *zap.Logger) error {
	m, err := manager.New(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()
	_, err = m.Run(ctx)
	return err
}
