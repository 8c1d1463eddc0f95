package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateProviders(); err != nil {
		return err
	}
	if err := c.validateResolver(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DownloadDir) == "" {
		return errors.New("paths.download_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	return ensurePositiveMap(map[string]int{
		"queue.concurrency_limit":    c.Queue.ConcurrencyLimit,
		"queue.notify_debounce_ms":   c.Queue.NotifyDebounceMS,
		"queue.notify_prefix_limit":  c.Queue.NotifyPrefixLimit,
		"queue.progress_interval_ms": c.Queue.ProgressIntervalMS,
	})
}

func (c *Config) validateProviders() error {
	if len(c.Providers.Order) == 0 {
		return errors.New("providers.order must list at least one provider")
	}
	for _, name := range c.Providers.Order {
		switch name {
		case "ytdlp", "resolver":
		default:
			return fmt.Errorf("providers.order contains unknown provider %q", name)
		}
	}
	if c.Providers.RetryAttempts < 0 {
		return errors.New("providers.retry_attempts must not be negative")
	}
	return ensurePositiveMap(map[string]int{
		"providers.retry_base_delay_ms":  c.Providers.RetryBaseDelayMS,
		"providers.probe_timeout":        c.Providers.ProbeTimeout,
		"providers.fetch_timeout":        c.Providers.FetchTimeout,
		"providers.min_duration_seconds": c.Providers.MinDurationSeconds,
	})
}

func (c *Config) validateResolver() error {
	if !c.Resolver.Enabled {
		return nil
	}
	if c.Resolver.BaseURL == "" {
		return errors.New("resolver.base_url must be set when resolver.enabled is true")
	}
	if c.Resolver.RequestTimeout <= 0 {
		return errors.New("resolver.request_timeout must be positive (seconds)")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	return ensurePositiveMap(map[string]int{
		"scheduler.poll_interval": c.Scheduler.PollInterval,
	})
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
