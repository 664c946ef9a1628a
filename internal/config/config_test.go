package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pixeloff/internal/rembg"
	"pixeloff/internal/strategy"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Model != "high-quality" {
		t.Errorf("default model = %q, want high-quality", cfg.Model)
	}
	if !cfg.Fetch.ClampIndex {
		t.Error("default clamp_index should be true")
	}
	if cfg.Stage.Concurrency != "serialize" {
		t.Errorf("default concurrency = %q, want serialize", cfg.Stage.Concurrency)
	}
	if len(cfg.Fetch.Strategies) != len(strategy.DefaultOrder) {
		t.Errorf("default strategies = %v", cfg.Fetch.Strategies)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"invalid model", func(c *Config) { c.Model = "magic" }, true},
		{"model token", func(c *Config) { c.Model = "u2netp" }, false},
		{"empty stage dir", func(c *Config) { c.StageDir = "" }, true},
		{"unknown strategy", func(c *Config) { c.Fetch.Strategies = []string{"redirect", "scrape"} }, true},
		{"duplicate strategy", func(c *Config) { c.Fetch.Strategies = []string{"redirect", "Redirect"} }, true},
		{"no strategies", func(c *Config) { c.Fetch.Strategies = nil }, true},
		{"subset of strategies", func(c *Config) { c.Fetch.Strategies = []string{"embedjson", "redirect"} }, false},
		{"inverted jitter", func(c *Config) { c.Fetch.JitterMin = 2 * time.Second }, true},
		{"zero jitter", func(c *Config) { c.Fetch.JitterMin, c.Fetch.JitterMax = 0, 0 }, false},
		{"zero render timeout", func(c *Config) { c.Fetch.RenderTimeout = 0 }, true},
		{"plain http web base", func(c *Config) { c.Fetch.WebBase = "http://www.instagram.com" }, true},
		{"invalid concurrency", func(c *Config) { c.Stage.Concurrency = "queue" }, true},
		{"reject concurrency", func(c *Config) { c.Stage.Concurrency = "reject" }, false},
		{"zero ttl", func(c *Config) { c.Stage.TTL = 0 }, true},
		{"invalid rembg mode", func(c *Config) { c.Rembg.Mode = "grpc" }, true},
		{"cli rembg mode", func(c *Config) { c.Rembg.Mode = "cli" }, false},
		{"invalid rembg url", func(c *Config) { c.Rembg.URL = "localhost:7000" }, true},
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, true},
		{"relay missing selectors", func(c *Config) {
			c.Fetch.Relay = []strategy.RelaySite{{Name: "x", URL: "https://x.test/"}}
		}, true},
		{"relay plain http", func(c *Config) {
			c.Fetch.Relay = []strategy.RelaySite{{Name: "x", URL: "http://x.test/", Input: "#u", Submit: "button", Result: "a"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromTOML(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	content := `
stage_dir = "/tmp/pixeloff-stage"
model = "human-focus"

[fetch]
strategies = ["mobileapi", "embedjson", "relay"]
jitter_min = "100ms"
jitter_max = "250ms"
clamp_index = false
render_timeout = "1m"

[[fetch.relay]]
name = "mirror"
url = "https://mirror.test/"
input = "#url"
submit = "button"
result = "a.download"

[fetch.library]
command = "yt-dlp"
args = ["--get-url"]

[stage]
concurrency = "reject"
ttl = "6h"

[rembg]
mode = "cli"
`
	dir := filepath.Join(tmpDir, "pixeloff")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.StageDir != "/tmp/pixeloff-stage" {
		t.Errorf("stage_dir = %q", cfg.StageDir)
	}
	if cfg.RemovalModel() != rembg.HumanFocus {
		t.Errorf("model = %v, want human-focus", cfg.RemovalModel())
	}
	if cfg.Fetch.JitterMin != 100*time.Millisecond || cfg.Fetch.JitterMax != 250*time.Millisecond {
		t.Errorf("jitter = %s..%s", cfg.Fetch.JitterMin, cfg.Fetch.JitterMax)
	}
	if cfg.Fetch.RenderTimeout != time.Minute {
		t.Errorf("render_timeout = %s, want 1m", cfg.Fetch.RenderTimeout)
	}
	if cfg.Fetch.NetworkTimeout != 20*time.Second {
		t.Errorf("unset network_timeout should keep its default, got %s", cfg.Fetch.NetworkTimeout)
	}
	if cfg.Stage.Concurrency != "reject" || cfg.Stage.TTL != 6*time.Hour {
		t.Errorf("stage = %+v", cfg.Stage)
	}

	kinds, err := cfg.Fetch.Kinds()
	if err != nil {
		t.Fatal(err)
	}
	want := []strategy.Kind{strategy.KindMobileAPI, strategy.KindEmbedJSON, strategy.KindRelay}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}

	opts := cfg.StrategyOptions()
	if opts.ClampIndex {
		t.Error("clamp_index should be false")
	}
	if len(opts.Relays) != 1 || opts.Relays[0].Name != "mirror" {
		t.Errorf("relays = %+v", opts.Relays)
	}
	if opts.Library.Command != "yt-dlp" || !reflect.DeepEqual(opts.Library.Args, []string{"--get-url"}) {
		t.Errorf("library = %+v", opts.Library)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`model = "sharpest"`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("LoadFile() should reject an unknown model")
	}

	if err := os.WriteFile(path, []byte(`[fetch`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("LoadFile() should reject malformed TOML")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() should not error on missing file: %v", err)
	}
	if cfg.Model != "high-quality" {
		t.Errorf("missing file should return defaults, got model = %q", cfg.Model)
	}
}

func TestStrategyOptionsDefaults(t *testing.T) {
	cfg := Default()
	cfg.Fetch.WebBase = "https://www.instagram.com/"

	opts := cfg.StrategyOptions()
	if opts.WebBase != "https://www.instagram.com" {
		t.Errorf("web base should lose its trailing slash, got %q", opts.WebBase)
	}
	if len(opts.Relays) != len(strategy.DefaultRelays) {
		t.Errorf("no configured relays should fall back to the defaults, got %d", len(opts.Relays))
	}
	if opts.Library.Command != strategy.DefaultLibraryTool.Command {
		t.Errorf("library = %+v", opts.Library)
	}
	if opts.Identity.AppID == "" || opts.Identity.MobileUserAgent == "" {
		t.Error("identity strings should have defaults")
	}
}

func TestExpandStageDir(t *testing.T) {
	cfg := Default()
	cfg.StageDir = "/tmp/test-stage"

	dir, err := cfg.ExpandStageDir()
	if err != nil {
		t.Fatalf("ExpandStageDir() error: %v", err)
	}
	if dir != "/tmp/test-stage" {
		t.Errorf("got %q, want /tmp/test-stage", dir)
	}
}

func TestJournalPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")

	cfg := Default()
	got, err := cfg.JournalPath()
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/xdg-data/pixeloff/journal.db" {
		t.Errorf("got %q", got)
	}

	cfg.Journal.Path = "/var/tmp/j.db"
	got, err = cfg.JournalPath()
	if err != nil {
		t.Fatal(err)
	}
	if got != "/var/tmp/j.db" {
		t.Errorf("explicit path: got %q", got)
	}
}
