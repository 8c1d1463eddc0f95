package providers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"fetchd/internal/logging"
)

// sleepContext waits for the given duration or until the context is done.
// Package variable so chain tests can count backoff sleeps.
var sleepContext = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Chain tries providers in a fixed preference order until one succeeds or all
// are exhausted. Transient errors are retried with bounded exponential backoff
// before the chain advances; unsupported URLs skip a provider immediately.
type Chain struct {
	providers     []Provider
	retryAttempts int
	baseDelay     time.Duration
	logger        *slog.Logger
}

// ChainOption configures optional chain behavior.
type ChainOption func(*Chain)

// WithRetryPolicy sets the per-provider retry budget and the backoff base
// delay. retryAttempts is the number of retries after the first attempt.
func WithRetryPolicy(retryAttempts int, baseDelay time.Duration) ChainOption {
	return func(c *Chain) {
		if retryAttempts >= 0 {
			c.retryAttempts = retryAttempts
		}
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
	}
}

// WithChainLogger attaches a logger for attempt diagnostics.
func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logging.NewComponentLogger(logger, "provider-chain")
		}
	}
}

// NewChain constructs a chain over the given ordered providers.
func NewChain(ordered []Provider, opts ...ChainOption) *Chain {
	c := &Chain{
		providers:     ordered,
		retryAttempts: 2,
		baseDelay:     500 * time.Millisecond,
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Providers returns the configured preference order.
func (c *Chain) Providers() []Provider {
	out := make([]Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

// Probe returns the first successful metadata result. A result with neither
// formats nor a direct URL counts as ErrEmptyResult and the chain advances.
func (c *Chain) Probe(ctx context.Context, url string, opts Options) (*ProbeResult, error) {
	var result *ProbeResult
	err := c.attempt(ctx, "probe", func(p Provider) error {
		probed, err := p.Probe(ctx, url, opts)
		if err != nil {
			return err
		}
		if probed == nil || (len(probed.Formats) == 0 && probed.DirectURL == "") {
			return Wrap(ErrEmptyResult, p.Name(), "probe", "no formats reported", nil)
		}
		result = probed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Fetch performs the download through the first provider that produces a
// usable file. The provider's success claim is not trusted: a missing or
// zero-byte result file counts as ErrEmptyResult and the chain advances.
func (c *Chain) Fetch(ctx context.Context, req FetchRequest, onProgress func(Progress)) (*FetchResult, error) {
	var result *FetchResult
	err := c.attempt(ctx, "fetch", func(p Provider) error {
		fetched, err := p.Fetch(ctx, req, onProgress)
		if err != nil {
			return err
		}
		if fetched == nil || fetched.FilePath == "" {
			return Wrap(ErrEmptyResult, p.Name(), "fetch", "no file produced", nil)
		}
		info, statErr := os.Stat(fetched.FilePath)
		if statErr != nil || info.Size() == 0 {
			return Wrap(ErrEmptyResult, p.Name(), "fetch", "result file missing or empty", statErr)
		}
		result = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Chain) attempt(ctx context.Context, operation string, op func(Provider) error) error {
	if len(c.providers) == 0 {
		return Wrap(ErrAllProvidersExhausted, "", operation, "no providers configured", nil)
	}

	var lastErr error
	for _, provider := range c.providers {
		attempts := 1 + c.retryAttempts
		for attempt := 1; attempt <= attempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return Wrap(ErrCancelled, provider.Name(), operation, "context done", err)
			}

			err := op(provider)
			if err == nil {
				return nil
			}
			lastErr = err

			if IsSkip(err) {
				c.logger.Debug("provider skipped",
					logging.String(logging.FieldProvider, provider.Name()),
					logging.String("operation", operation),
				)
				break
			}
			if !IsRetryable(err) || attempt == attempts {
				c.logger.Warn("provider attempt failed",
					logging.String(logging.FieldProvider, provider.Name()),
					logging.String("operation", operation),
					logging.Int("attempt", attempt),
					logging.Error(err),
				)
				break
			}

			delay := c.baseDelay << (attempt - 1)
			c.logger.Debug("retrying provider after transient failure",
				logging.String(logging.FieldProvider, provider.Name()),
				logging.String("operation", operation),
				logging.Int("attempt", attempt),
				logging.Duration("backoff", delay),
			)
			if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
				return Wrap(ErrCancelled, provider.Name(), operation, "context done during backoff", sleepErr)
			}
		}
	}

	return Wrap(ErrAllProvidersExhausted, "", operation, "", lastErr)
}
