// app/app.go
package app

import (
	"context"
	"fmt"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/logging"
	"github.com/dalemusser/sslmgr/pantry/version"
	"go.uber.org/zap"
)

// Hooks defines the integration points a command provides to Run.
type Hooks[C any] struct {
	// Name is used only for logging/diagnostics.
	Name string

	// Sink selects the log file and logger name for the command.
	Sink logging.Sink

	// LoadConfig returns the main config plus command-specific settings
	// (run options for the manager, hook arguments for the auth hook).
	LoadConfig func(logger *zap.Logger) (*config.Config, C, error)

	// Run does the command's work with the final logger.
	Run func(ctx context.Context, cfg *config.Config, appCfg C, logger *zap.Logger) error
}

// Run executes the standard startup sequence:
//
//  1. Bootstrap logger
//  2. Load config (Hooks.LoadConfig)
//  3. Build final logger for the command's sink
//  4. Run the command (Hooks.Run)
//
// Config errors are returned before any work starts.
func Run[C any](ctx context.Context, hooks Hooks[C]) error {
	// 1) Bootstrap logger for early startup
	bootstrap := logging.BootstrapLogger()
	defer bootstrap.Sync()

	// 2) Load config
	cfg, appCfg, err := hooks.LoadConfig(bootstrap)
	if err != nil {
		bootstrap.Error("config load failed", zap.String("app", hooks.Name), zap.Error(err))
		return fmt.Errorf("%s: %w", hooks.Name, err)
	}
	bootstrap.Debug("config loaded",
		zap.String("conf_dir", cfg.ConfDir),
		zap.String("env", cfg.Env),
		zap.String("log_level", cfg.LogLevel),
	)

	// 3) Build final logger
	logger := logging.MustBuildLogger(cfg.LogLevel, cfg.Env, cfg.LogDir, hooks.Sink)
	defer logger.Sync()

	logger.Debug("starting", append([]zap.Field{zap.String("app", hooks.Name)}, version.Get().Fields()...)...)

	// 4) Run
	if err := hooks.Run(ctx, cfg, appCfg, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		return err
	}
	return nil
}
