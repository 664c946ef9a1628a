package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"pixeloff/internal/config"
	"pixeloff/internal/rembg"
	"pixeloff/internal/strategy"
	"pixeloff/internal/syscheck"
	"pixeloff/internal/ui"
)

const minFreeMB = 500

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check tools, network, browser and the removal service",
	Args:  cobra.NoArgs,
	RunE:  checkRun,
}

func checkRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	report := checkFunc(cfg)(ctx)
	if flagJSON {
		if err := encodeJSON(report); err != nil {
			return err
		}
	} else {
		ui.NewPrinter(os.Stdout).Report(report)
	}
	if !report.OK() {
		return fmt.Errorf("%d check(s) failed", len(report.Failed()))
	}
	return nil
}

// checkFunc returns a probe run tailored to the configured strategies and
// removal mode.
func checkFunc(c *config.Config) func(ctx context.Context) syscheck.Report {
	return func(ctx context.Context) syscheck.Report {
		return syscheck.Run(ctx, checkOptions(c))
	}
}

func checkOptions(c *config.Config) syscheck.Options {
	kinds, _ := c.Fetch.Kinds()
	opts := syscheck.Options{
		Targets:    syscheck.DefaultTargets,
		Browser:    slices.Contains(kinds, strategy.KindRender),
		ChromePath: c.Fetch.ChromePath,
		MinFreeMB:  minFreeMB,
		Timeout:    c.Fetch.NetworkTimeout,
	}
	if slices.Contains(kinds, strategy.KindLibrary) {
		opts.Optional = append(opts.Optional, c.StrategyOptions().Library.Command)
	}
	if c.Rembg.Mode == "cli" {
		opts.Required = append(opts.Required, c.Rembg.Command)
	} else {
		opts.Rembg = rembg.NewClient(c.Rembg.URL, c.Rembg.Timeout)
	}
	if dir, err := c.ExpandStageDir(); err == nil {
		opts.DiskPath = existingParent(dir)
	}
	return opts
}

// existingParent walks up from dir to the first path that exists.
func existingParent(dir string) string {
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
