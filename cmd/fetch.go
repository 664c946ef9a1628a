package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pixeloff/internal/app"
	"pixeloff/internal/media"
	"pixeloff/internal/orchestrator"
	"pixeloff/internal/ui"
)

var (
	flagItem   int
	flagRemove bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <post-url>",
	Short: "Download one photo of a post, optionally removing its background",
	Example: `  pixeloff fetch https://www.instagram.com/p/ABC123/
  pixeloff fetch --item 3 --remove https://www.instagram.com/p/ABC123/`,
	Args: cobra.ExactArgs(1),
	RunE: fetchRun,
}

func init() {
	fetchCmd.Flags().IntVarP(&flagItem, "item", "i", 0, "Carousel item to fetch, 1-based (default: from the URL, else 1)")
	fetchCmd.Flags().BoolVarP(&flagRemove, "remove", "r", false, "Remove the background after downloading")
}

type fetchAttempt struct {
	Strategy  string `json:"strategy"`
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type fetchOutput struct {
	RunID       string         `json:"run_id"`
	ID          string         `json:"id"`
	Item        int            `json:"item"`
	Strategy    string         `json:"strategy,omitempty"`
	File        string         `json:"file,omitempty"`
	NoBGFile    string         `json:"nobg_file,omitempty"`
	Model       string         `json:"model,omitempty"`
	Attempts    []fetchAttempt `json:"attempts"`
	Error       string         `json:"error,omitempty"`
	RemoveError string         `json:"remove_error,omitempty"`
}

func newFetchOutput(r app.FetchReport) fetchOutput {
	out := fetchOutput{
		RunID:    r.RunID,
		ID:       r.Ref.ID,
		Item:     r.Ref.SubIndex,
		Strategy: r.Outcome.Strategy,
		File:     r.File.Path,
		Attempts: make([]fetchAttempt, len(r.Outcome.Attempts)),
	}
	for i, a := range r.Outcome.Attempts {
		out.Attempts[i] = fetchAttempt{
			Strategy:  a.Strategy,
			OK:        a.Result.OK(),
			Reason:    a.Result.Reason(),
			ElapsedMS: a.Elapsed.Milliseconds(),
		}
	}
	return out
}

func fetchRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	// Live progress only for a human at a terminal; debug logs would tear it.
	var progress *ui.Progress
	var extra []orchestrator.Option
	if !flagJSON && !cfg.Debug && ui.IsTerminal(os.Stdout) {
		progress = ui.StartProgress(os.Stdout, "Fetching "+args[0])
		defer progress.Stop()
		extra = append(extra, orchestrator.WithObserver(func(_ media.FetchRequest, a media.Attempt) {
			progress.Attempt(a)
		}))
	}

	svc, err := app.FromConfig(cfg, nil, logger, extra...)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, fetchErr := svc.FetchMedia(ctx, args[0], flagItem)
	out := newFetchOutput(report)

	var removeErr error
	if fetchErr == nil && flagRemove {
		model := cfg.RemovalModel()
		out.Model = model.String()
		if progress != nil {
			progress.Step("Removing background (" + model.String() + ")")
		}
		out.NoBGFile, removeErr = svc.RemoveBackground(ctx, report.Ref.ID, report.Ref.SubIndex, model)
	}
	if progress != nil {
		progress.Stop()
	}

	if fetchErr != nil {
		out.Error = fetchErr.Error()
	}
	if removeErr != nil {
		out.RemoveError = removeErr.Error()
	}

	if flagJSON {
		if err := encodeJSON(out); err != nil {
			return err
		}
	} else {
		p := ui.NewPrinter(os.Stdout)
		if progress == nil {
			p.Attempts(report.Outcome.Attempts)
		}
		if fetchErr == nil {
			p.Staged(out.File, out.Strategy)
		}
		if out.NoBGFile != "" {
			p.Staged(out.NoBGFile, out.Model)
		}
	}

	if fetchErr != nil {
		return fetchErr
	}
	if removeErr != nil {
		// The original stays staged.
		return fmt.Errorf("background removal: %w", removeErr)
	}
	return nil
}
