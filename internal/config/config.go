package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DownloadDir string `toml:"download_dir"`
	LogDir      string `toml:"log_dir"`
	CookieDir   string `toml:"cookie_dir"`
}

// Queue contains configuration for the in-memory dispatch queue.
type Queue struct {
	ConcurrencyLimit   int `toml:"concurrency_limit"`
	NotifyDebounceMS   int `toml:"notify_debounce_ms"`
	NotifyPrefixLimit  int `toml:"notify_prefix_limit"`
	ProgressIntervalMS int `toml:"progress_interval_ms"`
}

// Providers contains fallback chain ordering and retry policy.
type Providers struct {
	Order              []string `toml:"order"`
	RetryAttempts      int      `toml:"retry_attempts"`
	RetryBaseDelayMS   int      `toml:"retry_base_delay_ms"`
	ProbeTimeout       int      `toml:"probe_timeout"`
	FetchTimeout       int      `toml:"fetch_timeout"`
	MinDurationSeconds int      `toml:"min_duration_seconds"`
}

// YtDlp contains configuration for the yt-dlp provider.
type YtDlp struct {
	Binary string `toml:"binary"`
}

// Resolver contains configuration for the remote resolution API provider.
type Resolver struct {
	Enabled        bool   `toml:"enabled"`
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Scheduler contains configuration for the scheduled task poller.
type Scheduler struct {
	PollInterval        int `toml:"poll_interval"`
	PlaylistItemDelayMS int `toml:"playlist_item_delay_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for fetchd.
//
// Configuration sections by subsystem:
//   - Paths: download, log, and cookie directories
//   - Queue: concurrency ceiling and notification pacing
//   - Providers: fallback order, retry budget, timeouts
//   - YtDlp: external yt-dlp binary settings
//   - Resolver: remote resolution API settings
//   - Scheduler: deferred task polling
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Queue     Queue     `toml:"queue"`
	Providers Providers `toml:"providers"`
	YtDlp     YtDlp     `toml:"ytdlp"`
	Resolver  Resolver  `toml:"resolver"`
	Scheduler Scheduler `toml:"scheduler"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/fetchd/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized. The second return value is the
// resolved config path; the third reports whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("fetchd.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// CookieDir is created on a best-effort basis; a missing cookie directory only
// disables authenticated fetches, it should not block startup.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DownloadDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.CookieDir) != "" {
		_ = os.MkdirAll(c.Paths.CookieDir, 0o700)
	}
	return nil
}

// YtDlpBinary returns the yt-dlp executable name.
func (c *Config) YtDlpBinary() string {
	if strings.TrimSpace(c.YtDlp.Binary) != "" {
		return c.YtDlp.Binary
	}
	return "yt-dlp"
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
