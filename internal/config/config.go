// Package config handles TOML-based configuration loading and validation.
// TOML is parsed as data only; nothing in the file is executed.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"pixeloff/internal/diag"
	"pixeloff/internal/httputil"
	"pixeloff/internal/rembg"
	"pixeloff/internal/stage"
	"pixeloff/internal/strategy"
)

const appName = "pixeloff"

// Config holds all application configuration.
type Config struct {
	StageDir string `toml:"stage_dir"`
	Debug    bool   `toml:"debug"`
	Model    string `toml:"model"`

	Fetch   Fetch   `toml:"fetch"`
	Stage   Stage   `toml:"stage"`
	Diag    Diag    `toml:"diag"`
	Rembg   Rembg   `toml:"rembg"`
	Server  Server  `toml:"server"`
	Journal Journal `toml:"journal"`
}

// Fetch configures the strategy chain.
type Fetch struct {
	Strategies []string      `toml:"strategies"`
	JitterMin  time.Duration `toml:"jitter_min"`
	JitterMax  time.Duration `toml:"jitter_max"`
	ClampIndex bool          `toml:"clamp_index"`

	NetworkTimeout time.Duration `toml:"network_timeout"`
	RenderTimeout  time.Duration `toml:"render_timeout"`
	RelayTimeout   time.Duration `toml:"relay_timeout"`
	LibraryTimeout time.Duration `toml:"library_timeout"`

	WebBase         string `toml:"web_base"`
	APIBase         string `toml:"api_base"`
	UserAgent       string `toml:"user_agent"`
	MobileUserAgent string `toml:"mobile_user_agent"`
	AppID           string `toml:"app_id"`
	Language        string `toml:"language"`

	ChromePath string               `toml:"chrome_path"`
	Relay      []strategy.RelaySite `toml:"relay"`
	Library    Library              `toml:"library"`
}

// Library names the external client tool of the library strategy.
type Library struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

type Stage struct {
	Concurrency string        `toml:"concurrency"`
	TTL         time.Duration `toml:"ttl"`
	Sweep       string        `toml:"sweep"`
}

type Diag struct {
	Enabled  bool `toml:"enabled"`
	MaxBytes int  `toml:"max_bytes"`
}

// Rembg configures the background-removal collaborator. Mode "http" talks
// to a running rembg server, "cli" runs the rembg command per image.
type Rembg struct {
	Mode    string        `toml:"mode"`
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout"`
	Command string        `toml:"command"`
}

type Server struct {
	Listen string `toml:"listen"`
}

type Journal struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		StageDir: "~/Pictures/pixeloff",
		Debug:    false,
		Model:    rembg.HighQuality.String(),
		Fetch: Fetch{
			Strategies:      kindNames(strategy.DefaultOrder),
			JitterMin:       500 * time.Millisecond,
			JitterMax:       1500 * time.Millisecond,
			ClampIndex:      true,
			NetworkTimeout:  20 * time.Second,
			RenderTimeout:   45 * time.Second,
			RelayTimeout:    60 * time.Second,
			LibraryTimeout:  90 * time.Second,
			WebBase:         "https://www.instagram.com",
			APIBase:         "https://i.instagram.com",
			UserAgent:       httputil.DefaultUserAgent,
			MobileUserAgent: "Instagram 76.0.0.15.395 Android (24/7.0; 640dpi; 1440x2560; samsung; SM-G930F; herolte; samsungexynos8890; en_US; 138226743)",
			AppID:           "936619743392459",
			Language:        "en-US,en;q=0.9",
		},
		Stage: Stage{
			Concurrency: stage.Serialize.String(),
			TTL:         24 * time.Hour,
			Sweep:       stage.DefaultSweepSchedule,
		},
		Diag: Diag{
			Enabled:  true,
			MaxBytes: diag.DefaultMaxBytes,
		},
		Rembg: Rembg{
			Mode:    "http",
			URL:     rembg.DefaultURL,
			Timeout: rembg.DefaultTimeout,
			Command: "rembg",
		},
		Server: Server{
			Listen: "127.0.0.1:8080",
		},
		Journal: Journal{
			Enabled: true,
		},
	}
}

func kindNames(kinds []strategy.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// configDir returns the XDG-compliant config directory.
func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the config file and merges with defaults.
// If the config file doesn't exist, defaults are returned.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile is Load for an explicit path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks config values are within acceptable bounds.
func (c *Config) Validate() error {
	if c.StageDir == "" {
		return fmt.Errorf("stage_dir cannot be empty")
	}
	if _, err := rembg.ParseModel(c.Model); err != nil {
		return err
	}
	if err := c.Fetch.validate(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	if _, err := stage.ParsePolicy(c.Stage.Concurrency); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	if c.Stage.TTL <= 0 {
		return fmt.Errorf("stage: ttl must be positive")
	}

	if c.Diag.MaxBytes < 0 {
		return fmt.Errorf("diag: max_bytes cannot be negative")
	}

	validModes := map[string]bool{"http": true, "cli": true}
	if !validModes[strings.ToLower(c.Rembg.Mode)] {
		return fmt.Errorf("rembg: unsupported mode %q (valid: http, cli)", c.Rembg.Mode)
	}
	if u, err := url.Parse(c.Rembg.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("rembg: invalid url %q", c.Rembg.URL)
	}
	if c.Rembg.Timeout <= 0 {
		return fmt.Errorf("rembg: timeout must be positive")
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server: listen address cannot be empty")
	}

	return nil
}

func (f *Fetch) validate() error {
	if _, err := f.Kinds(); err != nil {
		return err
	}
	if f.JitterMin < 0 || f.JitterMax < f.JitterMin {
		return fmt.Errorf("invalid jitter range %s..%s", f.JitterMin, f.JitterMax)
	}

	timeouts := map[string]time.Duration{
		"network_timeout": f.NetworkTimeout,
		"render_timeout":  f.RenderTimeout,
		"relay_timeout":   f.RelayTimeout,
		"library_timeout": f.LibraryTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if err := httputil.ValidateURL(f.WebBase); err != nil {
		return fmt.Errorf("web_base: %w", err)
	}
	if err := httputil.ValidateURL(f.APIBase); err != nil {
		return fmt.Errorf("api_base: %w", err)
	}

	seen := map[string]bool{}
	for _, r := range f.Relay {
		if r.Name == "" || r.Input == "" || r.Submit == "" || r.Result == "" {
			return fmt.Errorf("relay %q: name, input, submit and result are required", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("relay %q defined twice", r.Name)
		}
		seen[r.Name] = true
		if err := httputil.ValidateURL(r.URL); err != nil {
			return fmt.Errorf("relay %q: %w", r.Name, err)
		}
	}
	return nil
}

// Kinds parses the configured strategy order.
func (f *Fetch) Kinds() ([]strategy.Kind, error) {
	if len(f.Strategies) == 0 {
		return nil, fmt.Errorf("at least one strategy is required")
	}
	kinds := make([]strategy.Kind, 0, len(f.Strategies))
	seen := map[strategy.Kind]bool{}
	for _, s := range f.Strategies {
		k, err := strategy.ParseKind(s)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			return nil, fmt.Errorf("strategy %q listed twice", k)
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// StrategyOptions builds the immutable options every strategy is built from.
func (c *Config) StrategyOptions() strategy.Options {
	relays := c.Fetch.Relay
	if len(relays) == 0 {
		relays = strategy.DefaultRelays
	}
	lib := strategy.LibraryTool{Command: c.Fetch.Library.Command, Args: c.Fetch.Library.Args}
	if lib.Command == "" {
		lib = strategy.DefaultLibraryTool
	}
	return strategy.Options{
		Identity: strategy.Identity{
			UserAgent:       c.Fetch.UserAgent,
			MobileUserAgent: c.Fetch.MobileUserAgent,
			AppID:           c.Fetch.AppID,
			Language:        c.Fetch.Language,
		},
		WebBase:        strings.TrimRight(c.Fetch.WebBase, "/"),
		APIBase:        strings.TrimRight(c.Fetch.APIBase, "/"),
		ClampIndex:     c.Fetch.ClampIndex,
		NetworkTimeout: c.Fetch.NetworkTimeout,
		RenderTimeout:  c.Fetch.RenderTimeout,
		RelayTimeout:   c.Fetch.RelayTimeout,
		LibraryTimeout: c.Fetch.LibraryTimeout,
		ChromePath:     c.Fetch.ChromePath,
		Relays:         relays,
		Library:        lib,
	}
}

// RemovalModel returns the configured default model.
func (c *Config) RemovalModel() rembg.Model {
	m, err := rembg.ParseModel(c.Model)
	if err != nil {
		return rembg.HighQuality
	}
	return m
}

// ExpandStageDir resolves ~ in the staging directory path.
func (c *Config) ExpandStageDir() (string, error) {
	return expandHome(c.StageDir)
}

func expandHome(dir string) (string, error) {
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding home dir: %w", err)
		}
		dir = filepath.Join(home, dir[2:])
	}
	return filepath.Abs(dir)
}

// JournalPath returns the path of the fetch journal database.
func (c *Config) JournalPath() (string, error) {
	if c.Journal.Path != "" {
		return expandHome(c.Journal.Path)
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, appName, "journal.db"), nil
}
