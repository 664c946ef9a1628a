package rembg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultURL is where "rembg s" listens by default.
	DefaultURL = "http://127.0.0.1:7000"

	// DefaultTimeout bounds one removal against a loaded model.
	DefaultTimeout = 60 * time.Second

	// coldFactor stretches the timeout while the collaborator loads a model.
	coldFactor = 3

	maxOutput = 64 * 1024 * 1024
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// Client calls a rembg HTTP server.
type Client struct {
	endpoint string
	base     string
	timeout  time.Duration
	http     *http.Client
	cache    *Cache
	logger   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithCache replaces the process-wide session cache.
func WithCache(cache *Cache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := strings.TrimRight(baseURL, "/")
	c := &Client{
		endpoint: base + "/api/remove",
		base:     base,
		timeout:  timeout,
		http:     &http.Client{},
		cache:    shared,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cache returns the session cache the client reports to.
func (c *Client) Cache() *Cache { return c.cache }

// Remove uploads img and returns the PNG cut-out.
func (c *Client) Remove(ctx context.Context, img []byte, model Model) ([]byte, error) {
	timeout := c.timeout
	cold := !c.cache.Loaded(model)
	if cold {
		timeout *= coldFactor
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := multipartBody(img, model)
	if err != nil {
		return nil, &Error{Model: model, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, &Error{Model: model, Message: fmt.Sprintf("creating request: %v", err)}
	}
	req.Header.Set("Content-Type", contentType)

	c.logger.Debug("removing background", "model", model.Token(), "cold", cold, "bytes", len(img))
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("timed out after %s", timeout)
		}
		return nil, &Error{Model: model, Message: msg}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutput))
	if err != nil {
		return nil, &Error{Model: model, Status: resp.StatusCode, Message: fmt.Sprintf("reading response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Model: model, Status: resp.StatusCode, Message: excerpt(data)}
	}
	if !bytes.HasPrefix(data, pngMagic) {
		return nil, &Error{Model: model, Status: resp.StatusCode, Message: "response is not a PNG image"}
	}

	c.cache.Touch(model)
	c.logger.Debug("background removed", "model", model.Token(), "elapsed", time.Since(start))
	return data, nil
}

// Ping checks that the server answers at all.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rembg server unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("rembg server unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.base }

func multipartBody(img []byte, model Model) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	part, err := w.CreateFormFile("file", "input")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.WriteField("model", model.Token()); err != nil {
		return nil, "", fmt.Errorf("write model field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return body, w.FormDataContentType(), nil
}

func excerpt(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// Command runs the rembg command-line tool once per image.
type Command struct {
	Path  string // "rembg" when empty
	cache *Cache
}

// NewCommand creates a CLI-backed remover.
func NewCommand(path string) *Command {
	if path == "" {
		path = "rembg"
	}
	return &Command{Path: path, cache: shared}
}

func (c *Command) Remove(ctx context.Context, img []byte, model Model) ([]byte, error) {
	bin, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, &Error{Model: model, Message: fmt.Sprintf("%s not found", c.Path)}
	}

	dir, err := os.MkdirTemp("", "pixeloff-rembg-")
	if err != nil {
		return nil, &Error{Model: model, Message: fmt.Sprintf("creating temp dir: %v", err)}
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input")
	out := filepath.Join(dir, "output.png")
	if err := os.WriteFile(in, img, 0600); err != nil {
		return nil, &Error{Model: model, Message: fmt.Sprintf("writing input: %v", err)}
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "i", "-m", model.Token(), in, out)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := excerpt(stderr.Bytes())
		if msg == "empty response" {
			msg = err.Error()
		}
		return nil, &Error{Model: model, Message: msg}
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, &Error{Model: model, Message: fmt.Sprintf("reading output: %v", err)}
	}
	c.cache.Touch(model)
	return data, nil
}
