package strategy

import (
	"net/url"
	"regexp"
	"strings"
)

// sizeSegment matches CDN path segments that request a resized or cropped variant.
var sizeSegment = []*regexp.Regexp{
	regexp.MustCompile(`^[sp]\d+x\d+$`),           // s640x640, p1080x1080
	regexp.MustCompile(`^c\d+\.\d+\.\d+\.\d+a?$`), // c0.135.1080.1080a
	regexp.MustCompile(`^e\d+$`),                  // e35
}

// sizeParams are query parameters that select a resized variant.
var sizeParams = map[string]bool{
	"stp":    true,
	"size":   true,
	"w":      true,
	"h":      true,
	"width":  true,
	"height": true,
	"resize": true,
	"crop":   true,
}

// Canonicalize rewrites a media URL to request the original resolution by
// removing size and crop directives from its path and query.
//
// Unparseable input is returned unchanged, as is a URL with nothing to strip,
// so applying Canonicalize twice gives the same result as applying it once.
func Canonicalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	path, pathChanged := stripPath(u.EscapedPath())
	query, queryChanged := stripQuery(u.RawQuery)
	if !pathChanged && !queryChanged {
		return raw
	}

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	b.WriteString(path)
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.EscapedFragment())
	}
	return b.String()
}

func stripPath(path string) (string, bool) {
	segs := strings.Split(path, "/")
	kept := segs[:0:0]
	changed := false

	for i := 0; i < len(segs); i++ {
		seg := segs[i]

		// MediaWiki thumbnails: /thumb/a/ab/File.png/320px-File.png -> /a/ab/File.png
		if seg == "thumb" && i+1 < len(segs) {
			rest := segs[i+1:]
			if len(rest) >= 2 && strings.HasSuffix(rest[len(rest)-1], "-"+rest[len(rest)-2]) {
				for _, r := range rest[:len(rest)-1] {
					if !isSizeSegment(r) {
						kept = append(kept, r)
					}
				}
				changed = true
				break
			}
		}

		if isSizeSegment(seg) {
			changed = true
			continue
		}
		kept = append(kept, seg)
	}

	if !changed {
		return path, false
	}
	return strings.Join(kept, "/"), true
}

func isSizeSegment(seg string) bool {
	for _, re := range sizeSegment {
		if re.MatchString(seg) {
			return true
		}
	}
	return false
}

// stripQuery drops size parameters while keeping the order and encoding
// of everything else.
func stripQuery(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	pairs := strings.Split(raw, "&")
	kept := pairs[:0:0]
	for _, p := range pairs {
		key := p
		if i := strings.IndexByte(p, '='); i >= 0 {
			key = p[:i]
		}
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if sizeParams[strings.ToLower(key)] {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == len(pairs) {
		return raw, false
	}
	return strings.Join(kept, "&"), true
}
