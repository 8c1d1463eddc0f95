package providers

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for outcome classification. Provider implementations catch
// and classify their internal failures locally; only these classified markers
// cross into the chain and orchestrator.
var (
	// ErrUnsupported means the provider cannot handle this URL at all. The
	// chain skips the provider without counting a failure.
	ErrUnsupported = errors.New("unsupported url")

	// ErrTransient marks network or rate-limit failures worth retrying with
	// backoff before advancing to the next provider.
	ErrTransient = errors.New("transient failure")

	// ErrEmptyResult means the provider claimed success but produced no
	// usable output (missing file, zero bytes, no formats).
	ErrEmptyResult = errors.New("empty result")

	// ErrTimeout marks a deadline exceeded on a tracked operation.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled marks a user- or admin-initiated cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrExternalTool marks an unclassified failure from an external binary.
	// Not retryable; the chain advances to the next provider.
	ErrExternalTool = errors.New("external tool failed")

	// ErrAllProvidersExhausted is the chain's terminal failure. It wraps the
	// last concrete provider error for diagnostics.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrLedgerInsufficient means the credit reservation was denied before
	// any provider work began.
	ErrLedgerInsufficient = errors.New("insufficient credits")
)

// Wrap builds an error message that includes provider context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, provider, operation, message string, err error) error {
	detail := buildDetail(provider, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsRetryable reports whether the chain should retry the same provider.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsSkip reports whether the chain should advance without counting a failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

func buildDetail(provider, operation, message string) string {
	parts := make([]string, 0, 3)
	if provider = strings.TrimSpace(provider); provider != "" {
		parts = append(parts, provider)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "provider failure"
	}
	return strings.Join(parts, ": ")
}
