package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeQueue()
	c.normalizeProviders()
	c.normalizeResolver()
	c.normalizeScheduler()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DownloadDir, err = expandPath(c.Paths.DownloadDir); err != nil {
		return fmt.Errorf("paths.download_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.CookieDir) == "" {
		c.Paths.CookieDir = defaultCookieDir
	}
	if c.Paths.CookieDir, err = expandPath(c.Paths.CookieDir); err != nil {
		return fmt.Errorf("paths.cookie_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeQueue() {
	if c.Queue.ConcurrencyLimit <= 0 {
		c.Queue.ConcurrencyLimit = defaultConcurrencyLimit
	}
	if c.Queue.NotifyDebounceMS <= 0 {
		c.Queue.NotifyDebounceMS = defaultNotifyDebounceMS
	}
	if c.Queue.NotifyPrefixLimit <= 0 {
		c.Queue.NotifyPrefixLimit = defaultNotifyPrefixLimit
	}
	if c.Queue.ProgressIntervalMS <= 0 {
		c.Queue.ProgressIntervalMS = defaultProgressIntervalMS
	}
}

func (c *Config) normalizeProviders() {
	order := make([]string, 0, len(c.Providers.Order))
	seen := make(map[string]struct{}, len(c.Providers.Order))
	for _, name := range c.Providers.Order {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		order = append(order, normalized)
	}
	if len(order) == 0 {
		order = append([]string{}, defaultProviderOrder...)
	}
	c.Providers.Order = order

	if c.Providers.RetryAttempts < 0 {
		c.Providers.RetryAttempts = 0
	}
	if c.Providers.RetryBaseDelayMS <= 0 {
		c.Providers.RetryBaseDelayMS = defaultRetryBaseDelayMS
	}
	if c.Providers.ProbeTimeout <= 0 {
		c.Providers.ProbeTimeout = defaultProbeTimeout
	}
	if c.Providers.FetchTimeout <= 0 {
		c.Providers.FetchTimeout = defaultFetchTimeout
	}
	if c.Providers.MinDurationSeconds <= 0 {
		c.Providers.MinDurationSeconds = defaultMinDurationSeconds
	}
}

func (c *Config) normalizeResolver() {
	c.Resolver.BaseURL = strings.TrimSpace(c.Resolver.BaseURL)
	c.Resolver.APIKey = strings.TrimSpace(c.Resolver.APIKey)
	if c.Resolver.APIKey == "" {
		if value, ok := os.LookupEnv("FETCHD_RESOLVER_API_KEY"); ok {
			c.Resolver.APIKey = strings.TrimSpace(value)
		}
	}
	if c.Resolver.RequestTimeout <= 0 {
		c.Resolver.RequestTimeout = defaultResolverTimeout
	}
}

func (c *Config) normalizeScheduler() {
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = defaultPollInterval
	}
	if c.Scheduler.PlaylistItemDelayMS < 0 {
		c.Scheduler.PlaylistItemDelayMS = defaultPlaylistItemDelayMS
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
