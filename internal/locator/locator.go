// Package locator turns user-supplied post URLs into resource references.
package locator

import (
	"errors"
	"fmt"
	"math/bits"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"pixeloff/internal/media"
)

var (
	// ErrNotARecognizedResource is returned when no post-style path segment matches.
	ErrNotARecognizedResource = errors.New("not a recognized resource")

	// ErrMalformedURL is returned when the input cannot be parsed as an http(s) URL.
	ErrMalformedURL = errors.New("malformed URL")
)

// postPath matches "/p/<token>", "/reel/<token>" and "/tv/<token>",
// optionally prefixed by one username segment. Anything after the token's
// closing slash ("/embed/", "/liked_by/") still names the same post.
var postPath = regexp.MustCompile(`^/(?:[^/]+/)?(?:p|reel|tv)/([A-Za-z0-9_-]+)(?:/|$)`)

// indexParams are the query parameters accepted as a 1-based item index, in priority order.
var indexParams = []string{"img_index", "item"}

// ParseError describes why a URL was rejected.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %q", e.Err, e.URL)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse extracts the resource token and item index from a post URL.
//
// A missing, non-numeric or non-positive index silently becomes 1.
func Parse(raw string) (media.ResourceRef, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return media.ResourceRef{}, &ParseError{URL: raw, Err: ErrMalformedURL}
	}

	m := postPath.FindStringSubmatch(u.EscapedPath())
	if m == nil {
		return media.ResourceRef{}, &ParseError{URL: raw, Err: ErrNotARecognizedResource}
	}

	return media.ResourceRef{ID: m[1], SubIndex: subIndex(u.Query())}, nil
}

func subIndex(q url.Values) int {
	for _, name := range indexParams {
		v := q.Get(name)
		if v == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			return n
		}
	}
	return 1
}

// WithSubIndex returns ref with its index replaced when n is positive.
func WithSubIndex(ref media.ResourceRef, n int) media.ResourceRef {
	if n >= 1 {
		ref.SubIndex = n
	}
	return ref
}

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// MediaID converts a resource token into the numeric media identifier used by
// the alternate API surface. Each token character is one base-64 digit.
func MediaID(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	var id uint64
	for _, c := range token {
		d := strings.IndexRune(tokenAlphabet, c)
		if d < 0 {
			return "", fmt.Errorf("invalid token character %q", c)
		}
		hi, lo := bits.Mul64(id, 64)
		if hi != 0 {
			return "", fmt.Errorf("token %q overflows a media id", token)
		}
		sum, carry := bits.Add64(lo, uint64(d), 0)
		if carry != 0 {
			return "", fmt.Errorf("token %q overflows a media id", token)
		}
		id = sum
	}
	return strconv.FormatUint(id, 10), nil
}
