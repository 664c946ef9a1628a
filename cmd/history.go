package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pixeloff/internal/journal"
	"pixeloff/internal/media"
	"pixeloff/internal/ui"
)

var (
	flagLimit int
	flagStats bool
	flagPrune time.Duration
	flagPick  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded fetch runs and per-strategy success rates",
	Args:  cobra.NoArgs,
	RunE:  historyRun,
}

func init() {
	historyCmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().BoolVar(&flagStats, "stats", false, "Show per-strategy success rates")
	historyCmd.Flags().DurationVar(&flagPrune, "prune", 0, "Delete runs older than this, e.g. 720h")
	historyCmd.Flags().BoolVarP(&flagPick, "pick", "p", false, "Pick a run with fzf and show its attempts")
}

func historyRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if !cfg.Journal.Enabled {
		return errors.New("the journal is disabled in the config")
	}
	path, err := cfg.JournalPath()
	if err != nil {
		return err
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	p := ui.NewPrinter(os.Stdout)

	switch {
	case flagPrune > 0:
		n, err := j.Prune(ctx, time.Now().Add(-flagPrune))
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d run(s).\n", n)
		return nil

	case flagStats:
		stats, err := j.Stats(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return encodeJSON(stats)
		}
		p.Stats(stats)
		return nil
	}

	runs, err := j.Recent(ctx, flagLimit)
	if err != nil {
		return err
	}
	if !flagPick {
		if flagJSON {
			return encodeJSON(runs)
		}
		p.Runs(runs)
		return nil
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	items := make([]string, len(runs))
	for i, r := range runs {
		items[i] = pickLabel(r)
	}
	idx, err := ui.Pick(ctx, "Run", items)
	if err != nil {
		return err
	}

	rec, err := j.Get(ctx, runs[idx].RunID)
	if err != nil {
		return err
	}
	if flagJSON {
		return encodeJSON(rec)
	}
	p.Title(fmt.Sprintf("%s #%d  %s", rec.ResourceID, rec.SubIndex, rec.URL))
	p.Attempts(rec.Attempts)
	return nil
}

func pickLabel(r media.FetchRecord) string {
	status := "ok via " + r.Strategy
	if !r.OK {
		status = "failed: " + r.Summary
	}
	return fmt.Sprintf("%s  %s #%d  %s", r.StartedAt.Local().Format("2006-01-02 15:04"), r.ResourceID, r.SubIndex, status)
}

func encodeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
