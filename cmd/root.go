// Package cmd implements the CLI commands using Cobra.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pixeloff/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Global flags
var (
	flagConfig     string
	flagStageDir   string
	flagModel      string
	flagStrategies string
	flagJSON       bool
	flagDebug      bool
)

// cfg holds the loaded configuration (merged: defaults < config file < flags).
var cfg *config.Config

// logger is configured by loadConfig.
var logger = slog.Default()

var rootCmd = &cobra.Command{
	Use:   "pixeloff",
	Short: "Fetch post photos and remove their backgrounds",
	Long: `PixelOff downloads a photo from a social-media post, falling back through
several fetch strategies until one succeeds, and hands it to a background
removal service. Run "pixeloff serve" for the browser UI.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default: $XDG_CONFIG_HOME/pixeloff/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&flagStageDir, "stage-dir", "s", "", "Directory results are staged in")
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "Removal model: high-quality | human-focus | lightweight")
	rootCmd.PersistentFlags().StringVar(&flagStrategies, "strategies", "", "Comma-separated strategy order, e.g. redirect,mobileapi,render")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "x", false, "Debug logging to stderr")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(installBrowsersCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads and merges configuration: defaults < config file < CLI flags.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if flagConfig != "" {
		cfg, err = config.LoadFile(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flags override config file values
	if flagStageDir != "" {
		cfg.StageDir = flagStageDir
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}
	if flagStrategies != "" {
		cfg.Fetch.Strategies = splitList(flagStrategies)
	}
	if flagDebug {
		cfg.Debug = true
	}

	// Re-validate after flag overrides
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := slog.LevelWarn
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	// No config needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("pixeloff", Version)
	},
}
