// Package media defines shared types for the pixeloff application.
package media

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ResourceRef identifies one post-like resource and the item selected within it.
type ResourceRef struct {
	ID       string // Opaque token from the URL path (e.g., "ABC123")
	SubIndex int    // 1-based item index within a multi-item resource
}

func (r ResourceRef) String() string {
	return fmt.Sprintf("%s#%d", r.ID, r.SubIndex)
}

// FetchRequest is passed to every extraction strategy.
type FetchRequest struct {
	Ref         ResourceRef
	OriginalURL string
}

// Item is one media entry discovered inside a resource.
type Item struct {
	URL     string
	IsVideo bool
	Width   int
	Height  int
}

// Area returns the declared pixel area, 0 when unknown.
func (i Item) Area() int {
	return i.Width * i.Height
}

// Result is the outcome of a single strategy invocation.
// Exactly one of the success or failure variants is populated.
type Result struct {
	ok          bool
	bytes       []byte
	description string
	sourceURL   string
	contentType string
	reason      string
}

// Success builds a successful Result.
func Success(data []byte, description string) Result {
	return Result{ok: true, bytes: data, description: description}
}

// Failure builds a failed Result with the given reason.
func Failure(reason string) Result {
	return Result{reason: reason}
}

// Failuref builds a failed Result with a formatted reason.
func Failuref(format string, args ...interface{}) Result {
	return Failure(fmt.Sprintf(format, args...))
}

// WithSource records where the bytes of a successful Result came from.
func (r Result) WithSource(url, contentType string) Result {
	r.sourceURL = url
	r.contentType = contentType
	return r
}

func (r Result) OK() bool            { return r.ok }
func (r Result) Bytes() []byte       { return r.bytes }
func (r Result) Description() string { return r.description }
func (r Result) SourceURL() string   { return r.sourceURL }
func (r Result) ContentType() string { return r.contentType }

// Reason returns the failure reason, or "" for a success.
func (r Result) Reason() string {
	if r.ok {
		return ""
	}
	return r.reason
}

// Reasons shared by every strategy.
const (
	ReasonCancelled  = "cancelled"
	ReasonNotStarted = "cancelled (not started)"
	ReasonTimeout    = "timeout"
	ReasonUnknown    = "unknown failure"
)

// Attempt records one strategy invocation.
type Attempt struct {
	Strategy string
	Result   Result
	Elapsed  time.Duration
}

// AttemptLog is the ordered, append-only record of one orchestration run.
type AttemptLog []Attempt

// Reasons returns the failure reasons in invocation order.
func (l AttemptLog) Reasons() []string {
	var reasons []string
	for _, a := range l {
		if !a.Result.OK() {
			reasons = append(reasons, a.Result.Reason())
		}
	}
	return reasons
}

// Summary joins every failed attempt as "strategy: reason", preserving order.
func (l AttemptLog) Summary() string {
	parts := make([]string, 0, len(l))
	for _, a := range l {
		if a.Result.OK() {
			continue
		}
		parts = append(parts, a.Strategy+": "+a.Result.Reason())
	}
	return strings.Join(parts, " | ")
}

// Cancelled reports whether the run ended because its context was done.
func (l AttemptLog) Cancelled() bool {
	if len(l) == 0 {
		return false
	}
	r := l[len(l)-1].Result.Reason()
	return r == ReasonCancelled || r == ReasonNotStarted
}

// Invoked counts the strategies that actually ran.
func (l AttemptLog) Invoked() int {
	n := 0
	for _, a := range l {
		if a.Result.Reason() != ReasonNotStarted {
			n++
		}
	}
	return n
}

// Outcome is the result of a full orchestration run.
type Outcome struct {
	Result   Result // the winning result; zero value on failure
	Strategy string // name of the strategy that succeeded
	Attempts AttemptLog
	Planned  int // number of strategies the run was configured with
}

// OK reports whether some strategy succeeded.
func (o Outcome) OK() bool {
	return o.Result.OK()
}

// Err returns nil on success and an *ExhaustedError otherwise. The error
// wraps context.Canceled when the run was cut short.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	return &ExhaustedError{Attempts: o.Attempts, Planned: o.Planned, Cancelled: o.Attempts.Cancelled()}
}

// ExhaustedError is returned when no strategy succeeded.
type ExhaustedError struct {
	Attempts  AttemptLog
	Planned   int
	Cancelled bool
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "no strategies configured"
	}
	if e.Cancelled {
		planned := e.Planned
		if planned < len(e.Attempts) {
			planned = len(e.Attempts)
		}
		return fmt.Sprintf("cancelled after %d of %d strategies: %s", e.Attempts.Invoked(), planned, e.Attempts.Summary())
	}
	return fmt.Sprintf("all %d strategies failed: %s", len(e.Attempts), e.Attempts.Summary())
}

func (e *ExhaustedError) Unwrap() error {
	if e.Cancelled {
		return context.Canceled
	}
	return nil
}

// FetchRecord is one journaled orchestration run.
type FetchRecord struct {
	RunID      string
	ResourceID string
	SubIndex   int
	URL        string
	Strategy   string // empty when the run failed
	OK         bool
	Summary    string
	StartedAt  time.Time
	Duration   time.Duration
	Attempts   AttemptLog
}
