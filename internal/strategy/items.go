package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"pixeloff/internal/media"
)

// Mobile API payload: items[0] is the post, carousel_media its children.
type mobileInfo struct {
	Items []mobileItem `json:"items"`
}

type mobileItem struct {
	MediaType      int `json:"media_type"`
	ImageVersions2 struct {
		Candidates []candidate `json:"candidates"`
	} `json:"image_versions2"`
	CarouselMedia []mobileItem `json:"carousel_media"`
}

type candidate struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

const mediaTypeVideo = 2

// parseMobileInfo extracts the ordered item list from a mobile API response.
func parseMobileInfo(body []byte) ([]media.Item, error) {
	var info mobileInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decoding media info: %w", err)
	}
	if len(info.Items) == 0 {
		return nil, ErrNoItems
	}

	post := info.Items[0]
	children := post.CarouselMedia
	if len(children) == 0 {
		children = []mobileItem{post}
	}

	items := make([]media.Item, 0, len(children))
	for _, c := range children {
		best, ok := largest(c.ImageVersions2.Candidates)
		if !ok {
			continue
		}
		items = append(items, media.Item{
			URL:     best.URL,
			IsVideo: c.MediaType == mediaTypeVideo,
			Width:   best.Width,
			Height:  best.Height,
		})
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	return items, nil
}

func largest(cs []candidate) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range cs {
		if c.URL == "" {
			continue
		}
		if !found || c.Width*c.Height > best.Width*best.Height {
			best = c
			found = true
		}
	}
	return best, found
}

// shortcodeKeys are the object names under which the post is embedded, in priority order.
var shortcodeKeys = []string{"xdt_shortcode_media", "shortcode_media"}

// findShortcodeMedia searches a decoded JSON value depth-first for the post object.
func findShortcodeMedia(v any) map[string]any {
	for _, key := range shortcodeKeys {
		if m := findKey(v, key); m != nil {
			return m
		}
	}
	return nil
}

func findKey(v any, key string) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		if m, ok := t[key].(map[string]any); ok {
			return m
		}
		for _, child := range t {
			if m := findKey(child, key); m != nil {
				return m
			}
		}
	case []any:
		for _, child := range t {
			if m := findKey(child, key); m != nil {
				return m
			}
		}
	}
	return nil
}

// shortcodeItems lists the items of a post object: the sidecar children when
// present, otherwise the post itself.
func shortcodeItems(post map[string]any) []media.Item {
	if sidecar, ok := post["edge_sidecar_to_children"].(map[string]any); ok {
		edges, _ := sidecar["edges"].([]any)
		var items []media.Item
		for _, e := range edges {
			edge, _ := e.(map[string]any)
			node, _ := edge["node"].(map[string]any)
			if it, ok := nodeItem(node); ok {
				items = append(items, it)
			}
		}
		if len(items) > 0 {
			return items
		}
	}
	if it, ok := nodeItem(post); ok {
		return []media.Item{it}
	}
	return nil
}

func nodeItem(node map[string]any) (media.Item, bool) {
	if node == nil {
		return media.Item{}, false
	}
	u, _ := node["display_url"].(string)
	if u == "" {
		return media.Item{}, false
	}
	it := media.Item{URL: u}
	it.IsVideo, _ = node["is_video"].(bool)
	if dims, ok := node["dimensions"].(map[string]any); ok {
		it.Width = jsonInt(dims["width"])
		it.Height = jsonInt(dims["height"])
	}
	return it, true
}

func jsonInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

var (
	// imageURL finds image URLs anywhere in a page, including JSON-escaped ones.
	imageURL = regexp.MustCompile(`https://[^\s"'<>\\]+?\.(?:jpg|jpeg|png|webp|heic)(?:\?[^\s"'<>\\]*)?`)

	// declaredSize reads the size directive of a CDN URL.
	declaredSize = regexp.MustCompile(`/[sp](\d+)x(\d+)/`)

	unescaper = strings.NewReplacer(`\/`, `/`, `\u0026`, `&`, `\u002F`, `/`, `&amp;`, `&`)
)

// minBruteForceEdge drops avatars and sprites from brute-force matches.
const minBruteForceEdge = 320

// bruteForceItems scans raw page text for image URLs.
//
// Variants of the same asset are collapsed and the highest-quality variant
// wins: an undeclared size is assumed to be the original, otherwise the
// larger declared area. Distinct assets keep their order of first appearance.
func bruteForceItems(page string) []media.Item {
	text := unescaper.Replace(page)

	type group struct {
		item  media.Item
		score int
	}
	var order []string
	groups := map[string]*group{}

	for _, u := range imageURL.FindAllString(text, -1) {
		it := media.Item{URL: u}
		score := math.MaxInt
		if m := declaredSize.FindStringSubmatch(u); m != nil {
			it.Width, _ = strconv.Atoi(m[1])
			it.Height, _ = strconv.Atoi(m[2])
			if it.Width < minBruteForceEdge || it.Height < minBruteForceEdge {
				continue
			}
			score = it.Area()
		}

		key := assetKey(u)
		g, ok := groups[key]
		if !ok {
			order = append(order, key)
			groups[key] = &group{item: it, score: score}
			continue
		}
		if score > g.score {
			g.item, g.score = it, score
		}
	}

	items := make([]media.Item, 0, len(order))
	for _, key := range order {
		items = append(items, groups[key].item)
	}
	return items
}

// assetKey identifies an asset independent of its size variant.
func assetKey(u string) string {
	c := Canonicalize(u)
	if i := strings.IndexByte(c, '?'); i >= 0 {
		c = c[:i]
	}
	return c[strings.LastIndexByte(c, '/')+1:]
}
