// cmd/sslm-auth-hook/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dalemusser/sslmgr/app"
	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/acmehook"
	"github.com/dalemusser/sslmgr/internal/manager"
	"github.com/dalemusser/sslmgr/logging"
	"go.uber.org/zap"
)

// certbot runs this as --manual-auth-hook "sslm-auth-hook group service [debug]".
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := app.Run(ctx, app.Hooks[acmehook.Args]{
		Name: "sslm-auth-hook",
		Sink: logging.SinkHook,
		LoadConfig: func(logger *zap.Logger) (*config.Config, acmehook.Args, error) {
			args, err := acmehook.ParseArgs(os.Args[1:])
			if err != nil {
				return nil, args, err
			}
			cfg, err := config.LoadFile(logger, "")
			return cfg, args, err
		},
		Run: run,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sslm-auth-hook: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args acmehook.Args, logger *zap.Logger) error {
	logger = logger.With(zap.String("group", args.Group), zap.String("service", args.Service))
	env, err := acmehook.EnvFromOS()
	if err != nil {
		return err
	}
	parts, err := manager.NewParts(ctx, cfg, args.Debug, nil, logger)
	if err != nil {
		return err
	}
	hook := manager.NewHook(cfg, parts, args.Debug, logger)
	return hook.Auth(ctx, args.Group, args.Service, env)
}
