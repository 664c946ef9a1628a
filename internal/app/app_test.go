package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixeloff/internal/journal"
	"pixeloff/internal/locator"
	"pixeloff/internal/media"
	"pixeloff/internal/metrics"
	"pixeloff/internal/orchestrator"
	"pixeloff/internal/rembg"
	"pixeloff/internal/stage"
	"pixeloff/internal/strategy"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

type fakeStrategy struct {
	name   string
	result media.Result
	mu     sync.Mutex
	calls  int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Attempt(context.Context, media.FetchRequest) media.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result
}

type fakeRemover struct {
	out   []byte
	err   error
	calls int
	got   []byte
	model rembg.Model
}

func (f *fakeRemover) Remove(_ context.Context, img []byte, model rembg.Model) ([]byte, error) {
	f.calls++
	f.got = img
	f.model = model
	return f.out, f.err
}

type fixture struct {
	svc     *Service
	area    *stage.Area
	journal *journal.Journal
	remover *fakeRemover
	cache   *rembg.Cache
}

func newFixture(t *testing.T, policy stage.Policy, strategies ...strategy.Strategy) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	area, err := stage.New(t.TempDir(), policy, logger)
	require.NoError(t, err)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	m := metrics.New()
	orch := orchestrator.New(strategies,
		orchestrator.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		orchestrator.WithLogger(logger),
		orchestrator.WithObserver(m.ObserveAttempt),
	)

	f := &fixture{area: area, journal: j, remover: &fakeRemover{out: pngBytes}, cache: rembg.NewCache()}
	f.svc, err = New(Deps{
		Area:         area,
		Orchestrator: orch,
		Remover:      f.remover,
		Cache:        f.cache,
		Journal:      j,
		Metrics:      m,
		Diag:         true,
		Logger:       logger,
	})
	require.NoError(t, err)
	return f
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestFetchMediaStagesResult(t *testing.T) {
	redirect := &fakeStrategy{name: "redirect", result: media.Failure("HTTP 404")}
	api := &fakeStrategy{name: "mobileapi", result: media.Success(pngBytes, "item 2 of 3 via media info").
		WithSource("https://cdn.test/b.png", "image/png")}
	render := &fakeStrategy{name: "render", result: media.Failure("unused")}
	f := newFixture(t, stage.Serialize, redirect, api, render)

	report, err := f.svc.FetchMedia(context.Background(), "https://www.instagram.com/p/ABC/?img_index=2", 0)
	require.NoError(t, err)

	assert.Equal(t, media.ResourceRef{ID: "ABC", SubIndex: 2}, report.Ref)
	assert.Equal(t, "mobileapi", report.Outcome.Strategy)
	assert.Len(t, report.Outcome.Attempts, 2)
	assert.Equal(t, 0, render.calls)

	assert.Equal(t, "ABC_slide2.png", report.File.Name)
	data, err := os.ReadFile(report.File.Path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	diagFiles, err := os.ReadDir(report.DiagDir)
	require.NoError(t, err)
	require.Len(t, diagFiles, 1)
	assert.Equal(t, "001-attempt-redirect.txt", diagFiles[0].Name())

	rec, err := f.journal.Get(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.True(t, rec.OK)
	assert.Equal(t, "mobileapi", rec.Strategy)
	assert.Len(t, rec.Attempts, 2)
}

func TestFetchMediaSubIndexOverride(t *testing.T) {
	api := &fakeStrategy{name: "mobileapi", result: media.Success([]byte("jpeg"), "ok")}
	f := newFixture(t, stage.Serialize, api)

	report, err := f.svc.FetchMedia(context.Background(), "https://www.instagram.com/p/ABC/?img_index=2", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Ref.SubIndex)
	assert.Equal(t, "ABC_slide4.jpg", report.File.Name, "unknown content type falls back to .jpg")
}

func TestFetchMediaParseError(t *testing.T) {
	s := &fakeStrategy{name: "redirect", result: media.Failure("x")}
	f := newFixture(t, stage.Serialize, s)

	_, err := f.svc.FetchMedia(context.Background(), "https://www.instagram.com/explore/", 0)
	var pe *locator.ParseError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, locator.ErrNotARecognizedResource)
	assert.Equal(t, 0, s.calls, "no strategy runs for a rejected URL")

	runs, err := f.svc.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestFetchMediaExhausted(t *testing.T) {
	f := newFixture(t, stage.Serialize,
		&fakeStrategy{name: "redirect", result: media.Failure("HTTP 404")},
		&fakeStrategy{name: "embedjson", result: media.Failure("no match")},
	)

	report, err := f.svc.FetchMedia(context.Background(), "https://www.instagram.com/p/XYZ/", 0)
	var ex *media.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "all 2 strategies failed: redirect: HTTP 404 | embedjson: no match", err.Error())
	assert.Len(t, report.Outcome.Attempts, 2)
	assert.Empty(t, report.File.Name)

	files, err := f.svc.Staged("XYZ")
	require.NoError(t, err)
	assert.Empty(t, files)

	runs, err := f.svc.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].OK)
	assert.Equal(t, "redirect: HTTP 404 | embedjson: no match", runs[0].Summary)
}

func TestFetchMediaBusy(t *testing.T) {
	s := &fakeStrategy{name: "redirect", result: media.Success([]byte("x"), "ok")}
	f := newFixture(t, stage.Reject, s)

	release, err := f.area.Acquire(context.Background(), "ABC")
	require.NoError(t, err)
	defer release()

	_, err = f.svc.FetchMedia(context.Background(), "https://www.instagram.com/p/ABC/", 0)
	assert.ErrorIs(t, err, stage.ErrBusy)
	assert.Equal(t, 0, s.calls)
}

func TestFetchMediaClearsPreviousRun(t *testing.T) {
	s := &fakeStrategy{name: "redirect", result: media.Success([]byte("x"), "ok")}
	f := newFixture(t, stage.Serialize, s)

	_, err := f.svc.FetchMedia(context.Background(), "https://www.instagram.com/p/ABC/?img_index=3", 0)
	require.NoError(t, err)
	_, err = f.svc.FetchMedia(context.Background(), "https://www.instagram.com/p/ABC/", 0)
	require.NoError(t, err)

	files, err := f.svc.Staged("ABC")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "ABC_slide1.jpg", files[0].Name)
}

func TestRemoveBackground(t *testing.T) {
	api := &fakeStrategy{name: "mobileapi", result: media.Success([]byte("original"), "ok").WithSource("", "image/webp")}
	f := newFixture(t, stage.Serialize, api)

	_, err := f.svc.FetchMedia(context.Background(), "https://www.instagram.com/p/ABC/?img_index=2", 0)
	require.NoError(t, err)

	path, err := f.svc.RemoveBackground(context.Background(), "ABC", 2, rembg.HumanFocus)
	require.NoError(t, err)
	assert.Equal(t, "ABC_slide2_nobg.png", filepath.Base(path))
	assert.Equal(t, []byte("original"), f.remover.got)
	assert.Equal(t, rembg.HumanFocus, f.remover.model)

	out, err := f.svc.ReadStaged("ABC", "ABC_slide2_nobg.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, out)
}

func TestRemoveBackgroundFailureKeepsOriginal(t *testing.T) {
	api := &fakeStrategy{name: "mobileapi", result: media.Success([]byte("original"), "ok")}
	f := newFixture(t, stage.Serialize, api)
	f.remover.err = &rembg.Error{Model: rembg.Lightweight, Status: 500, Message: "model crashed"}

	_, err := f.svc.FetchMedia(context.Background(), "https://www.instagram.com/p/ABC/", 0)
	require.NoError(t, err)

	_, err = f.svc.RemoveBackground(context.Background(), "ABC", 1, rembg.Lightweight)
	var re *rembg.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, f.remover.calls, "the collaborator is called exactly once")

	files, err := f.svc.Staged("ABC")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, files[0].NoBG)
}

func TestRemoveBackgroundNotStaged(t *testing.T) {
	f := newFixture(t, stage.Serialize, &fakeStrategy{name: "redirect", result: media.Failure("x")})

	_, err := f.svc.RemoveBackground(context.Background(), "ABC", 1, rembg.HighQuality)
	assert.True(t, errors.Is(err, stage.ErrNotStaged))
	assert.Equal(t, 0, f.remover.calls)
}

func TestClearModelCache(t *testing.T) {
	f := newFixture(t, stage.Serialize, &fakeStrategy{name: "redirect", result: media.Failure("x")})
	f.cache.Touch(rembg.HighQuality)
	f.cache.Touch(rembg.Lightweight)

	assert.Len(t, f.svc.ModelSessions(), 2)
	assert.Equal(t, 2, f.svc.ClearModelCache())
	assert.Empty(t, f.svc.ModelSessions())
}
