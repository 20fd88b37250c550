package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mailbridge/internal/config"
	"github.com/jmcleod/mailbridge/internal/logging"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mailbridge",
	Short: "mailbridge signs portal users in to Roundcube webmail",
	Long: `A single sign-on bridge between a host portal and Roundcube webmail.
Webmail credentials are kept encrypted under a per-user key pair that only
the user's passphrase can open.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MAILBRIDGE_CONFIG"), "Path to mailbridge.yaml")
}

// loadConfig reads the configuration file named by --config, or the
// defaults when none is given. overrides run before defaults are applied.
func loadConfig(overrides ...func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(configPath, overrides...)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg and installs it as the
// slog default.
func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	logger, _, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Format:      format,
		Writer:      w,
		DefaultSlog: true,
	})
	return logger, err
}
