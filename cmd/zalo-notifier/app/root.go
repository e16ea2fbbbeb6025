package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aq2208/zalo-notifier/configs"
	"github.com/aq2208/zalo-notifier/internal/logging"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigDir string
	Env       string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	consume := newConsumeCmd(&opts)
	cmd := &cobra.Command{
		Use:           "zalo-notifier",
		Short:         "Deliver queued task notifications to Zalo users",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          consume.RunE,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config-dir", "configs", "directory holding base.yaml and <env>.yaml")
	cmd.PersistentFlags().StringVar(&opts.Env, "env", envOr("APP_ENV", "dev"), "config overlay name (dev | staging | prod)")

	cmd.AddCommand(consume)
	cmd.AddCommand(newPublishCmd(&opts))
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

// loadConfig reads dotenv files, then the layered config.
func loadConfig(opts *rootOptions) (configs.Config, error) {
	if _, err := configs.LoadEnvFiles(".env", ".env.local"); err != nil {
		return configs.Config{}, fmt.Errorf("load dotenv: %w", err)
	}
	return configs.Load(opts.ConfigDir, opts.Env)
}

func newLogger(cfg configs.Config) (*slog.Logger, io.Closer, error) {
	log, closer, err := logging.New(logging.Options{
		Component:  cfg.App.Name,
		Level:      cfg.App.LogLevel,
		File:       cfg.App.LogFile,
		MaxSizeMB:  cfg.App.LogMaxSizeMB,
		MaxBackups: cfg.App.LogMaxBackups,
		MaxAgeDays: cfg.App.LogMaxAgeDays,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)
	return log, closer, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
