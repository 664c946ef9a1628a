// Package web serves the browser UI and its JSON API.
package web

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pixeloff/internal/app"
	"pixeloff/internal/httputil"
	"pixeloff/internal/locator"
	"pixeloff/internal/media"
	"pixeloff/internal/rembg"
	"pixeloff/internal/stage"
	"pixeloff/internal/syscheck"
)

//go:embed index.html
var indexHTML []byte

// Service is what the handlers need from app.Service.
type Service interface {
	FetchMedia(ctx context.Context, rawURL string, subIndex int) (app.FetchReport, error)
	RemoveBackground(ctx context.Context, id string, n int, model rembg.Model) (string, error)
	Staged(id string) ([]stage.File, error)
	ReadStaged(id, name string) ([]byte, error)
	ClearModelCache() int
	ModelSessions() []rembg.Session
}

// Server holds the HTTP handlers.
type Server struct {
	svc          Service
	check        func(ctx context.Context) syscheck.Report
	install      func() error
	metrics      http.Handler
	defaultModel rembg.Model
	logger       *slog.Logger
}

type Option func(*Server)

// WithCheck enables GET /api/check.
func WithCheck(fn func(ctx context.Context) syscheck.Report) Option {
	return func(s *Server) { s.check = fn }
}

// WithInstaller enables POST /api/browsers/install.
func WithInstaller(fn func() error) Option {
	return func(s *Server) { s.install = fn }
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithDefaultModel(m rembg.Model) Option {
	return func(s *Server) { s.defaultModel = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, defaultModel: rembg.HighQuality, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router creates and configures the Gin router.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/", s.index)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := r.Group("/api")
	{
		api.POST("/fetch", s.fetch)
		api.POST("/remove", s.remove)
		api.GET("/image/:id/:file", s.image)
		api.GET("/preview/:id/:file", s.preview)
		api.GET("/staged/:id", s.staged)
		api.GET("/models", s.models)
		api.POST("/cache/clear", s.clearCache)
		api.GET("/check", s.systemCheck)
		api.POST("/browsers/install", s.installBrowsers)
	}
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("web UI listening", "addr", "http://"+addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

func (s *Server) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

// FetchRequest is the request body of POST /api/fetch.
type FetchRequest struct {
	URL  string `json:"url" binding:"required"`
	Item int    `json:"item"`
}

// AttemptView is one attempt-log entry as shown to the UI.
type AttemptView struct {
	Strategy  string `json:"strategy"`
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// FetchResponse is the response of POST /api/fetch.
type FetchResponse struct {
	ID          string        `json:"id,omitempty"`
	Item        int           `json:"item,omitempty"`
	Strategy    string        `json:"strategy,omitempty"`
	Description string        `json:"description,omitempty"`
	ImageURL    string        `json:"image_url,omitempty"`
	PreviewURL  string        `json:"preview_url,omitempty"`
	Attempts    []AttemptView `json:"attempts,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func attemptViews(log media.AttemptLog) []AttemptView {
	out := make([]AttemptView, len(log))
	for i, a := range log {
		out[i] = AttemptView{
			Strategy:  a.Strategy,
			OK:        a.Result.OK(),
			Reason:    a.Result.Reason(),
			ElapsedMS: a.Elapsed.Milliseconds(),
		}
	}
	return out
}

func imageURL(id, name string) string   { return "/api/image/" + id + "/" + name }
func previewURL(id, name string) string { return "/api/preview/" + id + "/" + name }

func (s *Server) fetch(c *gin.Context) {
	var req FetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, FetchResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.Item < 0 {
		c.JSON(http.StatusBadRequest, FetchResponse{Error: "item must be 1 or greater"})
		return
	}

	report, err := s.svc.FetchMedia(c.Request.Context(), req.URL, req.Item)
	resp := FetchResponse{
		ID:       report.Ref.ID,
		Item:     report.Ref.SubIndex,
		Attempts: attemptViews(report.Outcome.Attempts),
	}
	if err != nil {
		resp.Error = err.Error()
		c.JSON(statusFor(err), resp)
		return
	}

	resp.Strategy = report.Outcome.Strategy
	resp.Description = report.Outcome.Result.Description()
	resp.ImageURL = imageURL(report.Ref.ID, report.File.Name)
	resp.PreviewURL = previewURL(report.Ref.ID, report.File.Name)
	c.JSON(http.StatusOK, resp)
}

// RemoveRequest is the request body of POST /api/remove.
type RemoveRequest struct {
	ID    string `json:"id" binding:"required"`
	Item  int    `json:"item"`
	Model string `json:"model"`
}

// RemoveResponse is the response of POST /api/remove. Stage is "remove" on
// collaborator failures so the UI keeps showing the original.
type RemoveResponse struct {
	ImageURL   string `json:"image_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
	Model      string `json:"model,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) remove(c *gin.Context) {
	var req RemoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, RemoveResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.Item <= 0 {
		req.Item = 1
	}
	model := s.defaultModel
	if req.Model != "" {
		m, err := rembg.ParseModel(req.Model)
		if err != nil {
			c.JSON(http.StatusBadRequest, RemoveResponse{Error: err.Error()})
			return
		}
		model = m
	}

	path, err := s.svc.RemoveBackground(c.Request.Context(), req.ID, req.Item, model)
	if err != nil {
		c.JSON(statusFor(err), RemoveResponse{Model: model.String(), Stage: "remove", Error: err.Error()})
		return
	}
	name := filepath.Base(path)
	c.JSON(http.StatusOK, RemoveResponse{
		ImageURL:   imageURL(req.ID, name),
		PreviewURL: previewURL(req.ID, name),
		Model:      model.String(),
	})
}

func (s *Server) readStaged(c *gin.Context) ([]byte, string, bool) {
	id := c.Param("id")
	name := httputil.SanitizeFilename(c.Param("file"))
	data, err := s.svc.ReadStaged(id, name)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return nil, "", false
	}
	return data, name, true
}

func (s *Server) image(c *gin.Context) {
	data, name, ok := s.readStaged(c)
	if !ok {
		return
	}
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	if c.Query("download") != "" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	c.Data(http.StatusOK, ct, data)
}

func (s *Server) preview(c *gin.Context) {
	data, _, ok := s.readStaged(c)
	if !ok {
		return
	}
	edge, _ := strconv.Atoi(c.Query("w"))
	out, ct, err := Preview(data, edge)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, ct, out)
}

// StagedFile is one entry of GET /api/staged/:id.
type StagedFile struct {
	Name     string    `json:"name"`
	Item     int       `json:"item"`
	NoBG     bool      `json:"nobg"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	ImageURL string    `json:"image_url"`
}

func (s *Server) staged(c *gin.Context) {
	id := c.Param("id")
	files, err := s.svc.Staged(id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	out := make([]StagedFile, len(files))
	for i, f := range files {
		out[i] = StagedFile{Name: f.Name, Item: f.Item, NoBG: f.NoBG, Size: f.Size, Modified: f.ModTime, ImageURL: imageURL(id, f.Name)}
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "files": out})
}

// ModelView describes one removal model.
type ModelView struct {
	Name    string `json:"name"`
	Token   string `json:"token"`
	Loaded  bool   `json:"loaded"`
	Uses    int    `json:"uses"`
	Default bool   `json:"default"`
}

func (s *Server) models(c *gin.Context) {
	sessions := map[rembg.Model]rembg.Session{}
	for _, sess := range s.svc.ModelSessions() {
		sessions[sess.Model] = sess
	}
	var out []ModelView
	for _, m := range rembg.Models() {
		sess, loaded := sessions[m]
		out = append(out, ModelView{
			Name:    m.String(),
			Token:   m.Token(),
			Loaded:  loaded,
			Uses:    sess.Uses,
			Default: m == s.defaultModel,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func (s *Server) clearCache(c *gin.Context) {
	n := s.svc.ClearModelCache()
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func (s *Server) systemCheck(c *gin.Context) {
	if s.check == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "system check not configured"})
		return
	}
	c.JSON(http.StatusOK, s.check(c.Request.Context()))
}

func (s *Server) installBrowsers(c *gin.Context) {
	if s.install == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "browser installation not configured"})
		return
	}
	if err := s.install(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "installed"})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var (
		parseErr  *locator.ParseError
		exhausted *media.ExhaustedError
		removeErr *rembg.Error
	)
	switch {
	case errors.As(err, &parseErr):
		return http.StatusBadRequest
	case errors.Is(err, stage.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, stage.ErrNotStaged):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &exhausted), errors.As(err, &removeErr):
		return http.StatusBadGateway
	case errors.Is(err, httputil.ErrInvalidID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
