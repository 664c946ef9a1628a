package ui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrCancelled is returned when the picker is dismissed without a choice.
var ErrCancelled = errors.New("selection cancelled")

// Pick lets the user choose one of items with fzf and returns its index.
// Items are passed as plain text on stdin; no preview commands are built
// from them.
func Pick(ctx context.Context, prompt string, items []string) (int, error) {
	if len(items) == 0 {
		return -1, errors.New("nothing to pick from")
	}
	fzfPath, err := exec.LookPath("fzf")
	if err != nil {
		return -1, fmt.Errorf("fzf not found in PATH: %w", err)
	}

	// Prefix each line with its index so the choice maps back unambiguously.
	var input strings.Builder
	for i, item := range items {
		fmt.Fprintf(&input, "%d\t%s\n", i, strings.ReplaceAll(item, "\n", " "))
	}

	cmd := exec.CommandContext(ctx, fzfPath,
		"--prompt", prompt+" > ",
		"--height", "40%",
		"--reverse",
		"--with-nth", "2..",
		"--delimiter", "\t",
		"--no-multi",
		"--cycle",
	)
	cmd.Stdin = strings.NewReader(input.String())
	cmd.Stderr = os.Stderr
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && (exitErr.ExitCode() == 130 || exitErr.ExitCode() == 1) {
			return -1, ErrCancelled
		}
		return -1, fmt.Errorf("fzf failed: %w", err)
	}
	return parsePick(stdout.String(), len(items))
}

func parsePick(out string, n int) (int, error) {
	line := strings.TrimSpace(out)
	if line == "" {
		return -1, ErrCancelled
	}
	field, _, _ := strings.Cut(line, "\t")
	idx, err := strconv.Atoi(field)
	if err != nil {
		return -1, fmt.Errorf("parsing selection index: %w", err)
	}
	if idx < 0 || idx >= n {
		return -1, fmt.Errorf("selection index %d out of range", idx)
	}
	return idx, nil
}
