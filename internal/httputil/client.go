// Package httputil provides a hardened HTTP client, request shaping helpers
// and input sanitization utilities.
package httputil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultUserAgent is the desktop browser identity used when none is configured.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// MaxPageSize bounds HTML and JSON bodies.
	MaxPageSize = 10 * 1024 * 1024

	// MaxImageSize bounds downloaded media bodies.
	MaxImageSize = 40 * 1024 * 1024
)

// NewClient creates a hardened HTTP client with secure defaults.
// A zero timeout selects 30 seconds.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			DisableCompression:  false,
			MaxIdleConnsPerHost: 5,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return ValidateURL(req.URL.String())
		},
	}
}

// StatusError reports a non-200 response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// BrowserHeaders returns headers that make a request look like a desktop browser page load.
func BrowserHeaders(userAgent, language string) http.Header {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if language == "" {
		language = "en-US,en;q=0.5"
	}
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", language)
	return h
}

// ImageHeaders returns headers for a direct media download.
func ImageHeaders(userAgent, language string) http.Header {
	h := BrowserHeaders(userAgent, language)
	h.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	return h
}

// NewRequest validates the URL and builds a request carrying the given headers.
func NewRequest(ctx context.Context, method, rawURL string, headers http.Header) (*http.Request, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// Get performs a GET request with the given headers.
func Get(ctx context.Context, client *http.Client, rawURL string, headers http.Header) (*http.Response, error) {
	req, err := NewRequest(ctx, http.MethodGet, rawURL, headers)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// GetBody performs a GET request and returns the body of a 200 response,
// read up to limit bytes. Any other status is returned as a *StatusError.
func GetBody(ctx context.Context, client *http.Client, rawURL string, headers http.Header, limit int64) ([]byte, *http.Response, error) {
	resp, err := Get(ctx, client, rawURL, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, resp, fmt.Errorf("reading response: %w", err)
	}

	return body, resp, nil
}
