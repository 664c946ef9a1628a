// Package orchestrator runs an ordered chain of extraction strategies
// against one resource until one of them succeeds.
package orchestrator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"pixeloff/internal/diag"
	"pixeloff/internal/media"
	"pixeloff/internal/strategy"
)

const (
	// DefaultJitterMin and DefaultJitterMax bound the pause between attempts.
	DefaultJitterMin = 500 * time.Millisecond
	DefaultJitterMax = 1500 * time.Millisecond
)

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Observer is called after every attempt, successful or not.
type Observer func(req media.FetchRequest, a media.Attempt)

// Orchestrator owns the strategy chain. It is safe for concurrent use:
// each Run keeps its own attempt log.
type Orchestrator struct {
	strategies []strategy.Strategy
	jitterMin  time.Duration
	jitterMax  time.Duration
	sleep      SleepFunc
	sink       diag.Sink
	logger     *slog.Logger
	observers  []Observer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJitter sets the bounds of the randomized pause between attempts.
// A zero max disables the pause.
func WithJitter(min, max time.Duration) Option {
	return func(o *Orchestrator) {
		if max < min {
			min, max = max, min
		}
		o.jitterMin, o.jitterMax = min, max
	}
}

// WithSleep replaces the pause implementation.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithSink sets the default diagnostics sink. A sink carried by the Run
// context takes precedence.
func WithSink(s diag.Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithObserver registers a hook called after every attempt.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// New creates an Orchestrator over strategies, tried in the given order.
func New(strategies []strategy.Strategy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		strategies: append([]strategy.Strategy(nil), strategies...),
		jitterMin:  DefaultJitterMin,
		jitterMax:  DefaultJitterMax,
		sleep:      sleepContext,
		sink:       diag.Nop{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Strategies returns the names of the configured strategies in order.
func (o *Orchestrator) Strategies() []string {
	names := make([]string, len(o.strategies))
	for i, s := range o.strategies {
		names[i] = s.Name()
	}
	return names
}

// Run tries each strategy in order and returns on the first success.
//
// The attempt log holds one entry per invoked strategy, the winning one
// included. If ctx ends between two attempts, one "cancelled (not started)"
// entry names the strategy that was skipped and the run stops.
func (o *Orchestrator) Run(ctx context.Context, req media.FetchRequest) media.Outcome {
	sink := o.sink
	if fromCtx := diag.FromContext(ctx); !isNop(fromCtx) {
		sink = fromCtx
	}
	sink.Reset()
	ctx = diag.NewContext(ctx, sink)

	log := make(media.AttemptLog, 0, len(o.strategies))
	logger := o.logger.With("resource", req.Ref.String())

	for i, s := range o.strategies {
		if ctx.Err() != nil {
			a := media.Attempt{Strategy: s.Name(), Result: media.Failure(media.ReasonNotStarted)}
			log = append(log, a)
			o.notify(req, a)
			logger.Info("fetch cancelled", "before", s.Name())
			return media.Outcome{Attempts: log, Planned: len(o.strategies)}
		}

		start := time.Now()
		res := s.Attempt(ctx, req)
		a := media.Attempt{Strategy: s.Name(), Result: normalize(ctx, res), Elapsed: time.Since(start)}
		log = append(log, a)
		o.notify(req, a)

		if a.Result.OK() {
			logger.Info("fetch succeeded", "strategy", s.Name(), "attempt", i+1, "elapsed", a.Elapsed, "bytes", len(a.Result.Bytes()))
			return media.Outcome{Result: a.Result, Strategy: s.Name(), Attempts: log, Planned: len(o.strategies)}
		}

		logger.Debug("strategy failed", "strategy", s.Name(), "reason", a.Result.Reason(), "elapsed", a.Elapsed)
		diag.RecordString(sink, "attempt-"+s.Name(), a.Result.Reason())

		if a.Result.Reason() == media.ReasonCancelled {
			return media.Outcome{Attempts: log, Planned: len(o.strategies)}
		}
		if i < len(o.strategies)-1 {
			// A cancelled pause is caught by the ctx check above.
			_ = o.sleep(ctx, o.jitter())
		}
	}

	logger.Warn("all strategies failed", "attempts", len(log), "summary", log.Summary())
	return media.Outcome{Attempts: log, Planned: len(o.strategies)}
}

func isNop(s diag.Sink) bool {
	_, ok := s.(diag.Nop)
	return ok
}

// normalize fills in missing failure reasons and marks failures caused by
// cancellation of the run.
func normalize(ctx context.Context, res media.Result) media.Result {
	if res.OK() {
		return res
	}
	if ctx.Err() != nil {
		return media.Failure(media.ReasonCancelled)
	}
	if res.Reason() == "" {
		return media.Failure(media.ReasonUnknown)
	}
	return res
}

func (o *Orchestrator) notify(req media.FetchRequest, a media.Attempt) {
	for _, fn := range o.observers {
		fn(req, a)
	}
}

func (o *Orchestrator) jitter() time.Duration {
	if o.jitterMax <= 0 {
		return 0
	}
	span := o.jitterMax - o.jitterMin
	if span <= 0 {
		return o.jitterMin
	}
	return o.jitterMin + rand.N(span)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
