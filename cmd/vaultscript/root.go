package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jonwraymond/vaultscript/code"
	"github.com/jonwraymond/vaultscript/config"
	"github.com/jonwraymond/vaultscript/exec"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vaultscript",
		Short: "Sandboxed TypeScript evaluation over a note vault",
		Long: `vaultscript - Type-check and run untrusted TypeScript against an
allow-listed capability API.

Programs define "async function main()" and may only call the capabilities
named with --allow. Custom functions are stored per scope and installed into
every evaluation under the "functions" namespace.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to a YAML config file")
	root.PersistentFlags().String("scope", "", "Vault scope to run against")

	root.AddCommand(newRunCmd(), newCheckCmd(), newCapsCmd(), newFunctionsCmd(), newServeCmd())
	return root
}

// app is the per-invocation wiring shared by the subcommands.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	exec       *exec.Exec
	closeStore func() error
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := cfg.OpenFunctionStore()
	if err != nil {
		return nil, err
	}
	e, err := exec.New(cfg.ExecOptions(store, code.LoggerFunc(logger.Sugar().Debugf)))
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, exec: e, closeStore: closeStore}, nil
}

func (a *app) Close() error {
	_ = a.logger.Sync()
	return a.closeStore()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func scopeFlag(cmd *cobra.Command) string {
	scope, _ := cmd.Flags().GetString("scope")
	return scope
}
