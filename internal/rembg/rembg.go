// Package rembg talks to the background-removal collaborator: a rembg
// server reached over HTTP, or the rembg command-line tool.
package rembg

import (
	"context"
	"fmt"
	"strings"
)

// Remover removes the background of an encoded image and returns a PNG.
type Remover interface {
	Remove(ctx context.Context, img []byte, model Model) ([]byte, error)
}

// Model selects the segmentation model.
type Model int

const (
	HighQuality Model = iota // general-purpose, best edges and hair
	HumanFocus               // isolates people
	Lightweight              // small and fast
)

var models = []struct {
	model Model
	name  string
	token string
}{
	{HighQuality, "high-quality", "isnet-general-use"},
	{HumanFocus, "human-focus", "u2net_human_seg"},
	{Lightweight, "lightweight", "u2netp"},
}

// Models lists every model in menu order.
func Models() []Model {
	out := make([]Model, len(models))
	for i, m := range models {
		out[i] = m.model
	}
	return out
}

// String returns the model's user-facing name.
func (m Model) String() string {
	for _, e := range models {
		if e.model == m {
			return e.name
		}
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

// Token returns the model identifier understood by rembg.
func (m Model) Token() string {
	for _, e := range models {
		if e.model == m {
			return e.token
		}
	}
	return ""
}

// ParseModel accepts a model name ("human-focus") or rembg token ("u2net_human_seg").
// Matching ignores case, spaces and underscores-vs-hyphens in names.
func ParseModel(s string) (Model, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	norm := strings.NewReplacer(" ", "-", "_", "-").Replace(key)
	for _, e := range models {
		if key == e.token || norm == e.name || norm == strings.ReplaceAll(e.name, "-", "") {
			return e.model, nil
		}
	}
	return 0, fmt.Errorf("unknown model %q (valid: high-quality, human-focus, lightweight)", s)
}

// Error reports a collaborator failure.
type Error struct {
	Model   Model
	Status  int // HTTP status, 0 when the request never completed
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("background removal (%s) failed: HTTP %d: %s", e.Model, e.Status, e.Message)
	}
	return fmt.Sprintf("background removal (%s) failed: %s", e.Model, e.Message)
}
