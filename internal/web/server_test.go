package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixeloff/internal/app"
	"pixeloff/internal/locator"
	"pixeloff/internal/media"
	"pixeloff/internal/rembg"
	"pixeloff/internal/stage"
	"pixeloff/internal/syscheck"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	report    app.FetchReport
	fetchErr  error
	gotURL    string
	gotItem   int
	removed   string
	removeErr error
	gotModel  rembg.Model
	files     map[string][]byte
	sessions  []rembg.Session
	cleared   int
}

func (f *fakeService) FetchMedia(_ context.Context, rawURL string, subIndex int) (app.FetchReport, error) {
	f.gotURL, f.gotItem = rawURL, subIndex
	return f.report, f.fetchErr
}

func (f *fakeService) RemoveBackground(_ context.Context, id string, n int, model rembg.Model) (string, error) {
	f.gotModel = model
	return f.removed, f.removeErr
}

func (f *fakeService) Staged(id string) ([]stage.File, error) {
	var out []stage.File
	for name, data := range f.files {
		out = append(out, stage.File{Name: name, Item: 1, Size: int64(len(data))})
	}
	return out, nil
}

func (f *fakeService) ReadStaged(id, name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, stage.ErrNotStaged
	}
	return data, nil
}

func (f *fakeService) ClearModelCache() int {
	n := len(f.sessions)
	f.sessions = nil
	f.cleared++
	return n
}

func (f *fakeService) ModelSessions() []rembg.Session { return f.sessions }

func setupTestRouter(svc *fakeService, opts ...Option) *gin.Engine {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewServer(svc, opts...).Router()
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func encodePNG(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 40, B: 90, A: alpha})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func successReport() app.FetchReport {
	ref := media.ResourceRef{ID: "ABC", SubIndex: 2}
	return app.FetchReport{
		Ref: ref,
		Outcome: media.Outcome{
			Result:   media.Success([]byte("img"), "item 2 of 3 via media info"),
			Strategy: "mobileapi",
			Attempts: media.AttemptLog{
				{Strategy: "redirect", Result: media.Failure("HTTP 404"), Elapsed: 120 * time.Millisecond},
				{Strategy: "mobileapi", Result: media.Success([]byte("img"), "ok"), Elapsed: 300 * time.Millisecond},
			},
		},
		File: stage.File{Name: "ABC_slide2.jpg", Item: 2},
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := setupTestRouter(&fakeService{})

	w := do(router, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestIndexServed(t *testing.T) {
	w := do(setupTestRouter(&fakeService{}), "GET", "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/api/fetch")
}

func TestFetchEndpoint_Success(t *testing.T) {
	svc := &fakeService{report: successReport()}
	w := do(setupTestRouter(svc), "POST", "/api/fetch", `{"url": "https://www.instagram.com/p/ABC/", "item": 2}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp FetchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ABC", resp.ID)
	assert.Equal(t, 2, resp.Item)
	assert.Equal(t, "mobileapi", resp.Strategy)
	assert.Equal(t, "item 2 of 3 via media info", resp.Description)
	assert.Equal(t, "/api/image/ABC/ABC_slide2.jpg", resp.ImageURL)
	assert.Equal(t, "/api/preview/ABC/ABC_slide2.jpg", resp.PreviewURL)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, AttemptView{Strategy: "redirect", Reason: "HTTP 404", ElapsedMS: 120}, resp.Attempts[0])
	assert.True(t, resp.Attempts[1].OK)

	assert.Equal(t, "https://www.instagram.com/p/ABC/", svc.gotURL)
	assert.Equal(t, 2, svc.gotItem)
}

func TestFetchEndpoint_Errors(t *testing.T) {
	exhausted := successReport()
	exhausted.Outcome = media.Outcome{Attempts: media.AttemptLog{
		{Strategy: "redirect", Result: media.Failure("HTTP 404")},
	}}
	cancelled := successReport()
	cancelled.Outcome = media.Outcome{Planned: 3, Attempts: media.AttemptLog{
		{Strategy: "redirect", Result: media.Failure("HTTP 404")},
		{Strategy: "embedjson", Result: media.Failure(media.ReasonNotStarted)},
	}}

	tests := []struct {
		name   string
		body   string
		report app.FetchReport
		err    error
		want   int
		inBody string
	}{
		{"missing url", `{}`, app.FetchReport{}, nil, http.StatusBadRequest, "invalid request"},
		{"negative item", `{"url": "https://x", "item": -1}`, app.FetchReport{}, nil, http.StatusBadRequest, "item must be"},
		{
			name: "unrecognized url",
			body: `{"url": "https://www.instagram.com/explore/"}`,
			err:  &locator.ParseError{URL: "https://www.instagram.com/explore/", Err: locator.ErrNotARecognizedResource},
			want: http.StatusBadRequest,
		},
		{"busy", `{"url": "https://www.instagram.com/p/ABC/"}`, app.FetchReport{}, stage.ErrBusy, http.StatusConflict, ""},
		{
			name:   "exhausted",
			body:   `{"url": "https://www.instagram.com/p/ABC/"}`,
			report: exhausted,
			err:    exhausted.Outcome.Err(),
			want:   http.StatusBadGateway,
			inBody: "redirect: HTTP 404",
		},
		{
			name:   "cancelled mid run",
			body:   `{"url": "https://www.instagram.com/p/ABC/"}`,
			report: cancelled,
			err:    cancelled.Outcome.Err(),
			want:   http.StatusGatewayTimeout,
			inBody: "cancelled after 1 of 3 strategies",
		},
		{"timeout", `{"url": "https://www.instagram.com/p/ABC/"}`, app.FetchReport{}, context.DeadlineExceeded, http.StatusGatewayTimeout, ""},
		{"internal", `{"url": "https://www.instagram.com/p/ABC/"}`, app.FetchReport{}, errors.New("disk full"), http.StatusInternalServerError, "disk full"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{report: tt.report, fetchErr: tt.err}
			w := do(setupTestRouter(svc), "POST", "/api/fetch", tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var resp FetchResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			if tt.inBody != "" {
				assert.Contains(t, resp.Error, tt.inBody)
			}
		})
	}
}

func TestFetchEndpoint_ExhaustedKeepsAttempts(t *testing.T) {
	report := successReport()
	report.Outcome = media.Outcome{Attempts: media.AttemptLog{
		{Strategy: "redirect", Result: media.Failure("HTTP 404")},
		{Strategy: "render", Result: media.Failure("timeout")},
	}}
	svc := &fakeService{report: report, fetchErr: report.Outcome.Err()}

	w := do(setupTestRouter(svc), "POST", "/api/fetch", `{"url": "https://www.instagram.com/p/ABC/"}`)
	require.Equal(t, http.StatusBadGateway, w.Code)

	var resp FetchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, "timeout", resp.Attempts[1].Reason)
	assert.Empty(t, resp.ImageURL)
}

func TestRemoveEndpoint(t *testing.T) {
	svc := &fakeService{removed: "/stage/ABC/ABC_slide2_nobg.png"}
	w := do(setupTestRouter(svc, WithDefaultModel(rembg.Lightweight)), "POST", "/api/remove", `{"id": "ABC", "item": 2}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp RemoveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "/api/image/ABC/ABC_slide2_nobg.png", resp.ImageURL)
	assert.Equal(t, rembg.Lightweight.String(), resp.Model)
	assert.Equal(t, rembg.Lightweight, svc.gotModel)
	assert.Empty(t, resp.Stage)
}

func TestRemoveEndpoint_ExplicitModel(t *testing.T) {
	svc := &fakeService{removed: "ABC_slide1_nobg.png"}
	w := do(setupTestRouter(svc), "POST", "/api/remove", `{"id": "ABC", "model": "human-focus"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rembg.HumanFocus, svc.gotModel)
}

func TestRemoveEndpoint_BadModel(t *testing.T) {
	w := do(setupTestRouter(&fakeService{}), "POST", "/api/remove", `{"id": "ABC", "model": "sharpest"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRemoveEndpoint_CollaboratorFailure(t *testing.T) {
	svc := &fakeService{removeErr: &rembg.Error{Model: rembg.HighQuality, Status: 500, Message: "model crashed"}}
	w := do(setupTestRouter(svc), "POST", "/api/remove", `{"id": "ABC", "item": 1}`)
	require.Equal(t, http.StatusBadGateway, w.Code)

	var resp RemoveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "remove", resp.Stage)
	assert.Contains(t, resp.Error, "model crashed")
}

func TestRemoveEndpoint_NotStaged(t *testing.T) {
	svc := &fakeService{removeErr: stage.ErrNotStaged}
	w := do(setupTestRouter(svc), "POST", "/api/remove", `{"id": "ABC"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImageEndpoint(t *testing.T) {
	data := encodePNG(t, 4, 4, 255)
	svc := &fakeService{files: map[string][]byte{"ABC_slide1.png": data}}
	router := setupTestRouter(svc)

	w := do(router, "GET", "/api/image/ABC/ABC_slide1.png", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, data, w.Body.Bytes())
	assert.Empty(t, w.Header().Get("Content-Disposition"))

	w = do(router, "GET", "/api/image/ABC/ABC_slide1.png?download=1", "")
	assert.Equal(t, `attachment; filename="ABC_slide1.png"`, w.Header().Get("Content-Disposition"))

	w = do(router, "GET", "/api/image/ABC/ABC_slide9.png", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPreviewEndpoint(t *testing.T) {
	svc := &fakeService{files: map[string][]byte{
		"ABC_slide1.png":      encodePNG(t, 100, 50, 255),
		"ABC_slide1_nobg.png": encodePNG(t, 100, 50, 0),
		"broken.jpg":          []byte("not an image"),
	}}
	router := setupTestRouter(svc)

	w := do(router, "GET", "/api/preview/ABC/ABC_slide1.png?w=20", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	cfg, _, err := image.DecodeConfig(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 10, cfg.Height)

	w = do(router, "GET", "/api/preview/ABC/ABC_slide1_nobg.png", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"), "transparency survives the preview")

	w = do(router, "GET", "/api/preview/ABC/broken.jpg", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestStagedEndpoint(t *testing.T) {
	svc := &fakeService{files: map[string][]byte{"ABC_slide1.jpg": []byte("abc")}}
	w := do(setupTestRouter(svc), "GET", "/api/staged/ABC", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ID    string       `json:"id"`
		Files []StagedFile `json:"files"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ABC", resp.ID)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, int64(3), resp.Files[0].Size)
	assert.Equal(t, "/api/image/ABC/ABC_slide1.jpg", resp.Files[0].ImageURL)
}

func TestModelsEndpoint(t *testing.T) {
	svc := &fakeService{sessions: []rembg.Session{{Model: rembg.HumanFocus, Uses: 3}}}
	w := do(setupTestRouter(svc), "GET", "/api/models", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Models []ModelView `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Models, len(rembg.Models()))
	for _, m := range resp.Models {
		switch m.Name {
		case rembg.HumanFocus.String():
			assert.True(t, m.Loaded)
			assert.Equal(t, 3, m.Uses)
		case rembg.HighQuality.String():
			assert.True(t, m.Default)
			assert.False(t, m.Loaded)
		}
	}
}

func TestClearCacheEndpoint(t *testing.T) {
	svc := &fakeService{sessions: []rembg.Session{{Model: rembg.HighQuality}, {Model: rembg.Lightweight}}}
	w := do(setupTestRouter(svc), "POST", "/api/cache/clear", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cleared": 2}`, w.Body.String())
	assert.Equal(t, 1, svc.cleared)
}

func TestCheckEndpoint(t *testing.T) {
	w := do(setupTestRouter(&fakeService{}), "GET", "/api/check", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	check := func(context.Context) syscheck.Report {
		return syscheck.Report{
			Host:   syscheck.Host{OS: "linux"},
			Checks: []syscheck.Check{{Section: syscheck.SectionDeps, Name: "rembg", Status: syscheck.StatusOK}},
		}
	}
	w = do(setupTestRouter(&fakeService{}, WithCheck(check)), "GET", "/api/check", "")
	require.Equal(t, http.StatusOK, w.Code)

	var rep syscheck.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, "linux", rep.Host.OS)
	require.Len(t, rep.Checks, 1)
	assert.Equal(t, syscheck.StatusOK, rep.Checks[0].Status)
}

func TestInstallBrowsersEndpoint(t *testing.T) {
	w := do(setupTestRouter(&fakeService{}), "POST", "/api/browsers/install", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = do(setupTestRouter(&fakeService{}, WithInstaller(func() error { return errors.New("no network") })), "POST", "/api/browsers/install", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = do(setupTestRouter(&fakeService{}, WithInstaller(func() error { return nil })), "POST", "/api/browsers/install", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	w := do(setupTestRouter(&fakeService{}), "GET", "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "pixeloff_fetch_runs_total 1\n")
	})
	w = do(setupTestRouter(&fakeService{}, WithMetrics(h)), "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pixeloff_fetch_runs_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&locator.ParseError{URL: "x", Err: locator.ErrMalformedURL}, http.StatusBadRequest},
		{stage.ErrBusy, http.StatusConflict},
		{stage.ErrNotStaged, http.StatusNotFound},
		{&media.ExhaustedError{}, http.StatusBadGateway},
		{&media.ExhaustedError{Attempts: media.AttemptLog{{Strategy: "redirect", Result: media.Failure(media.ReasonCancelled)}}, Cancelled: true}, http.StatusGatewayTimeout},
		{&rembg.Error{Model: rembg.HighQuality}, http.StatusBadGateway},
		{context.Canceled, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
