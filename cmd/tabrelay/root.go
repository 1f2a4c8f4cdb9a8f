package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/HsiangNianian/tabrelay/internal/config"
	"github.com/HsiangNianian/tabrelay/internal/logging"
	"github.com/HsiangNianian/tabrelay/internal/store"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	noColor    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "tabrelay",
		Short:         "Relay browser commands from a remote service to a local Chrome tab",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("TABRELAY_CONFIG"), "path to a JSON-with-comments config file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format: text or json")
	cmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "disable colored text logs")

	cmd.AddCommand(
		newRunCmd(flags),
		newLoginCmd(flags),
		newLogoutCmd(flags),
		newStatusCmd(flags),
	)
	return cmd
}

// load reads the config file and applies the logging flags over it.
func (f *rootFlags) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format, f.noColor)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// openStore returns the Redis store when configured, otherwise an
// in-memory one. The returned func releases it.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Store.RedisAddr == "" {
		logger.Info("use memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	rs := store.NewRedisStore(cfg.Store.RedisAddr, cfg.Store.KeyPrefix)
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("use redis store", "addr", cfg.Store.RedisAddr)
	return rs, func() { _ = rs.Close() }, nil
}
