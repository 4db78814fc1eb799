// Package main provides the darkwatch command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lvonguyen/darkwatch/internal/config"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "darkwatch",
		Short: "Watches public and dark-web feeds for mentions of your organisation",
		Long: `darkwatch polls threat-intelligence feeds on a schedule, fuzzy-matches the
results against a list of watch targets, and sends de-duplicated alerts to
chat webhooks, Splunk, Kafka or the log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: "+defaultConfigPath+" when present)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(targetsCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configPath resolves --config. Without the flag the default file is used if
// it exists, otherwise built-in defaults apply and the path is empty.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "darkwatch %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		},
	}
}
