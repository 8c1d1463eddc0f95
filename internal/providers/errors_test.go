package providers_test

import (
	"errors"
	"testing"

	"fetchd/internal/providers"
)

func TestWrapPreservesMarkerAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := providers.Wrap(providers.ErrTransient, "ytdlp", "fetch", "download interrupted", cause)

	if !errors.Is(err, providers.ErrTransient) {
		t.Fatalf("expected ErrTransient marker, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause preserved, got %v", err)
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := providers.Wrap(nil, "resolver", "probe", "", nil)
	if !errors.Is(err, providers.ErrTransient) {
		t.Fatalf("nil marker should default to transient, got %v", err)
	}
}

func TestClassificationHelpers(t *testing.T) {
	if !providers.IsRetryable(providers.Wrap(providers.ErrTransient, "a", "probe", "", nil)) {
		t.Fatal("transient should be retryable")
	}
	if providers.IsRetryable(providers.Wrap(providers.ErrUnsupported, "a", "probe", "", nil)) {
		t.Fatal("unsupported must not be retryable")
	}
	if !providers.IsSkip(providers.Wrap(providers.ErrUnsupported, "a", "probe", "", nil)) {
		t.Fatal("unsupported should be a skip")
	}
	if providers.IsSkip(providers.Wrap(providers.ErrEmptyResult, "a", "fetch", "", nil)) {
		t.Fatal("empty result is a failure, not a skip")
	}
}
