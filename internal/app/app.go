// Package app wires the fetch pipeline and the background-removal
// collaborator into the operations the CLI and the web UI call.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"pixeloff/internal/config"
	"pixeloff/internal/diag"
	"pixeloff/internal/httputil"
	"pixeloff/internal/journal"
	"pixeloff/internal/locator"
	"pixeloff/internal/media"
	"pixeloff/internal/metrics"
	"pixeloff/internal/orchestrator"
	"pixeloff/internal/rembg"
	"pixeloff/internal/stage"
	"pixeloff/internal/strategy"
)

// FetchReport describes one FetchMedia call.
type FetchReport struct {
	RunID   string
	Ref     media.ResourceRef
	Outcome media.Outcome
	File    stage.File // the staged item; zero unless Outcome.OK()
	DiagDir string     // empty when diagnostics are disabled
}

// Deps are the collaborators of a Service. Journal and Metrics are optional.
type Deps struct {
	Area         *stage.Area
	Orchestrator *orchestrator.Orchestrator
	Remover      rembg.Remover
	Cache        *rembg.Cache
	Journal      *journal.Journal
	Metrics      *metrics.Metrics
	Diag         bool
	DiagMaxBytes int
	Logger       *slog.Logger
}

// Service is safe for concurrent use.
type Service struct {
	area    *stage.Area
	orch    *orchestrator.Orchestrator
	remover rembg.Remover
	cache   *rembg.Cache
	journal *journal.Journal
	metrics *metrics.Metrics
	diag    bool
	diagMax int
	logger  *slog.Logger
	now     func() time.Time
}

func New(d Deps) (*Service, error) {
	if d.Area == nil || d.Orchestrator == nil || d.Remover == nil {
		return nil, errors.New("app: area, orchestrator and remover are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Cache == nil {
		d.Cache = rembg.Shared()
	}
	return &Service{
		area:    d.Area,
		orch:    d.Orchestrator,
		remover: d.Remover,
		cache:   d.Cache,
		journal: d.Journal,
		metrics: d.Metrics,
		diag:    d.Diag,
		diagMax: d.DiagMaxBytes,
		logger:  d.Logger,
		now:     time.Now,
	}, nil
}

// FromConfig builds the whole stack described by cfg. extra is applied to the
// orchestrator after the configured options. Close releases the journal.
func FromConfig(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, extra ...orchestrator.Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir, err := cfg.ExpandStageDir()
	if err != nil {
		return nil, err
	}
	policy, err := stage.ParsePolicy(cfg.Stage.Concurrency)
	if err != nil {
		return nil, err
	}
	area, err := stage.New(dir, policy, logger)
	if err != nil {
		return nil, err
	}

	kinds, err := cfg.Fetch.Kinds()
	if err != nil {
		return nil, err
	}
	opts := cfg.StrategyOptions()
	opts.Client = httputil.NewClient(cfg.Fetch.NetworkTimeout)
	strategies, err := strategy.Build(kinds, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("building strategies: %w", err)
	}
	orchOpts := append([]orchestrator.Option{
		orchestrator.WithJitter(cfg.Fetch.JitterMin, cfg.Fetch.JitterMax),
		orchestrator.WithLogger(logger),
		orchestrator.WithObserver(m.ObserveAttempt),
	}, extra...)
	orch := orchestrator.New(strategies, orchOpts...)

	cache := rembg.Shared()
	var remover rembg.Remover
	switch cfg.Rembg.Mode {
	case "cli":
		remover = rembg.NewCommand(cfg.Rembg.Command)
	default:
		remover = rembg.NewClient(cfg.Rembg.URL, cfg.Rembg.Timeout, rembg.WithCache(cache), rembg.WithLogger(logger))
	}

	var j *journal.Journal
	if cfg.Journal.Enabled {
		path, err := cfg.JournalPath()
		if err != nil {
			return nil, err
		}
		j, err = journal.Open(path)
		if err != nil {
			// The journal is a record, not a dependency of fetching.
			logger.Warn("journal disabled", "err", err)
			j = nil
		}
	}

	return New(Deps{
		Area:         area,
		Orchestrator: orch,
		Remover:      remover,
		Cache:        cache,
		Journal:      j,
		Metrics:      m,
		Diag:         cfg.Diag.Enabled,
		DiagMaxBytes: cfg.Diag.MaxBytes,
		Logger:       logger,
	})
}

func (s *Service) Close() error {
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

func (s *Service) Area() *stage.Area              { return s.area }
func (s *Service) Strategies() []string           { return s.orch.Strategies() }
func (s *Service) Remover() rembg.Remover         { return s.remover }
func (s *Service) Journal() *journal.Journal      { return s.journal }
func (s *Service) ModelSessions() []rembg.Session { return s.cache.Sessions() }

// FetchMedia parses rawURL, runs the strategy chain and stages the result as
// <id>_slide<N><ext>. subIndex overrides the URL's item number when positive.
//
// A malformed URL returns a *locator.ParseError before any strategy runs.
// When every strategy fails the report is returned together with the
// *media.ExhaustedError so callers can show the attempt log.
func (s *Service) FetchMedia(ctx context.Context, rawURL string, subIndex int) (FetchReport, error) {
	ref, err := locator.Parse(rawURL)
	if err != nil {
		return FetchReport{}, err
	}
	ref = locator.WithSubIndex(ref, subIndex)
	report := FetchReport{RunID: journal.NewRunID(), Ref: ref}

	release, err := s.area.Acquire(ctx, ref.ID)
	if err != nil {
		return report, err
	}
	defer release()

	dir, err := s.area.Reset(ref.ID)
	if err != nil {
		return report, err
	}

	var sink diag.Sink = diag.Nop{}
	if s.diag {
		report.DiagDir = filepath.Join(dir, stage.DiagDir)
		sink = diag.NewFile(report.DiagDir, s.diagMax, s.logger)
	}

	logger := s.logger.With("run", report.RunID, "resource", ref.String())
	logger.Info("fetch started", "strategies", len(s.orch.Strategies()))

	done := s.metrics.RunStarted()
	start := s.now()
	out := s.orch.Run(diag.NewContext(ctx, sink), media.FetchRequest{Ref: ref, OriginalURL: rawURL})
	elapsed := s.now().Sub(start)
	done()
	s.metrics.ObserveRun(out, elapsed)
	report.Outcome = out

	if out.OK() {
		name := stage.SlideName(ref.ID, ref.SubIndex, httputil.ExtensionFor(out.Result.ContentType()))
		if _, err := s.area.Write(ref.ID, name, out.Result.Bytes()); err != nil {
			return report, fmt.Errorf("staging %s: %w", name, err)
		}
		report.File, err = s.area.Find(ref.ID, ref.SubIndex)
		if err != nil {
			return report, err
		}
		logger.Info("staged", "file", report.File.Path, "strategy", out.Strategy)
	}

	s.record(ctx, report, rawURL, start, elapsed)
	return report, out.Err()
}

func (s *Service) record(ctx context.Context, r FetchReport, rawURL string, start time.Time, elapsed time.Duration) {
	if s.journal == nil {
		return
	}
	rec := media.FetchRecord{
		RunID:      r.RunID,
		ResourceID: r.Ref.ID,
		SubIndex:   r.Ref.SubIndex,
		URL:        rawURL,
		Strategy:   r.Outcome.Strategy,
		OK:         r.Outcome.OK(),
		Summary:    r.Outcome.Attempts.Summary(),
		StartedAt:  start,
		Duration:   elapsed,
		Attempts:   r.Outcome.Attempts,
	}
	// A cancelled caller still gets its run journaled.
	if err := s.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("journal write failed", "run", r.RunID, "err", err)
	}
}

// RemoveBackground runs the collaborator once on staged item n of id and
// writes <name>_nobg.png next to it. The staged original is never touched.
func (s *Service) RemoveBackground(ctx context.Context, id string, n int, model rembg.Model) (string, error) {
	release, err := s.area.Acquire(ctx, id)
	if err != nil {
		return "", err
	}
	defer release()

	f, err := s.area.Find(id, n)
	if err != nil {
		return "", err
	}
	img, err := s.area.Read(id, f.Name)
	if err != nil {
		return "", err
	}

	start := s.now()
	out, err := s.remover.Remove(ctx, img, model)
	s.metrics.ObserveRemoval(model.String(), err, s.now().Sub(start))
	if err != nil {
		return "", err
	}

	path, err := s.area.Write(id, stage.NoBGName(f.Name), out)
	if err != nil {
		return "", err
	}
	s.logger.Info("background removed", "id", id, "item", n, "model", model, "file", path)
	return path, nil
}

// Staged lists the staged files of id.
func (s *Service) Staged(id string) ([]stage.File, error) {
	return s.area.List(id)
}

// ReadStaged returns the content of one staged file.
func (s *Service) ReadStaged(id, name string) ([]byte, error) {
	return s.area.Read(id, name)
}

// ClearModelCache forgets which models are warm and returns how many there
// were. Models stay loaded in the collaborator itself; the next removal for
// each one is simply given the cold-start timeout.
func (s *Service) ClearModelCache() int {
	n := s.cache.Clear()
	s.logger.Info("model cache cleared", "models", n)
	return n
}

// History returns the most recent journaled runs, nil when the journal is off.
func (s *Service) History(ctx context.Context, limit int) ([]media.FetchRecord, error) {
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.Recent(ctx, limit)
}
