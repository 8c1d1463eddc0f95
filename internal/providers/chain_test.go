package providers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeProvider struct {
	name       string
	probeFn    func(ctx context.Context, url string, opts Options) (*ProbeResult, error)
	fetchFn    func(ctx context.Context, req FetchRequest, onProgress func(Progress)) (*FetchResult, error)
	probeCalls int
	fetchCalls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Probe(ctx context.Context, url string, opts Options) (*ProbeResult, error) {
	f.probeCalls++
	return f.probeFn(ctx, url, opts)
}

func (f *fakeProvider) Fetch(ctx context.Context, req FetchRequest, onProgress func(Progress)) (*FetchResult, error) {
	f.fetchCalls++
	return f.fetchFn(ctx, req, onProgress)
}

func stubSleep(t *testing.T) *int {
	t.Helper()
	count := 0
	original := sleepContext
	sleepContext = func(ctx context.Context, d time.Duration) error {
		count++
		return ctx.Err()
	}
	t.Cleanup(func() { sleepContext = original })
	return &count
}

func probeOK(title string) func(context.Context, string, Options) (*ProbeResult, error) {
	return func(context.Context, string, Options) (*ProbeResult, error) {
		return &ProbeResult{
			Title:    title,
			Duration: 120,
			Formats:  []Format{{ID: "best", HasVideo: true, HasAudio: true}},
		}, nil
	}
}

func probeErr(err error) func(context.Context, string, Options) (*ProbeResult, error) {
	return func(context.Context, string, Options) (*ProbeResult, error) {
		return nil, err
	}
}

func TestChainRetriesTransientThenFallsBack(t *testing.T) {
	sleeps := stubSleep(t)

	a := &fakeProvider{name: "a", probeFn: probeErr(Wrap(ErrTransient, "a", "probe", "rate limited", nil))}
	b := &fakeProvider{name: "b", probeFn: probeOK("from b")}

	chain := NewChain([]Provider{a, b}, WithRetryPolicy(1, time.Millisecond))
	result, err := chain.Probe(context.Background(), "https://example.com/v", Options{})
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if result.Title != "from b" {
		t.Fatalf("expected result from b, got %q", result.Title)
	}
	if a.probeCalls != 2 {
		t.Fatalf("expected exactly 2 attempts on a, got %d", a.probeCalls)
	}
	if b.probeCalls != 1 {
		t.Fatalf("expected 1 attempt on b, got %d", b.probeCalls)
	}
	if *sleeps != 1 {
		t.Fatalf("expected 1 backoff sleep, got %d", *sleeps)
	}
}

func TestChainSkipsUnsupportedWithoutBackoff(t *testing.T) {
	sleeps := stubSleep(t)

	a := &fakeProvider{name: "a", probeFn: probeErr(Wrap(ErrUnsupported, "a", "probe", "", nil))}
	b := &fakeProvider{name: "b", probeFn: probeErr(Wrap(ErrUnsupported, "b", "probe", "", nil))}

	chain := NewChain([]Provider{a, b}, WithRetryPolicy(3, time.Millisecond))
	_, err := chain.Probe(context.Background(), "https://example.com/v", Options{})
	if !errors.Is(err, ErrAllProvidersExhausted) {
		t.Fatalf("expected ErrAllProvidersExhausted, got %v", err)
	}
	if a.probeCalls != 1 || b.probeCalls != 1 {
		t.Fatalf("unsupported must not retry: a=%d b=%d", a.probeCalls, b.probeCalls)
	}
	if *sleeps != 0 {
		t.Fatalf("unsupported must not invoke backoff, got %d sleeps", *sleeps)
	}
}

func TestChainExhaustionCarriesLastError(t *testing.T) {
	stubSleep(t)

	underlying := errors.New("dns lookup failed")
	a := &fakeProvider{name: "a", probeFn: probeErr(Wrap(ErrTransient, "a", "probe", "network", underlying))}

	chain := NewChain([]Provider{a}, WithRetryPolicy(0, time.Millisecond))
	_, err := chain.Probe(context.Background(), "https://example.com/v", Options{})
	if !errors.Is(err, ErrAllProvidersExhausted) {
		t.Fatalf("expected ErrAllProvidersExhausted, got %v", err)
	}
	if !errors.Is(err, underlying) {
		t.Fatalf("expected last concrete error preserved, got %v", err)
	}
}

func TestChainProbeRejectsEmptyFormats(t *testing.T) {
	stubSleep(t)

	empty := &fakeProvider{name: "empty", probeFn: func(context.Context, string, Options) (*ProbeResult, error) {
		return &ProbeResult{Title: "no formats"}, nil
	}}
	good := &fakeProvider{name: "good", probeFn: probeOK("fallback")}

	chain := NewChain([]Provider{empty, good}, WithRetryPolicy(0, time.Millisecond))
	result, err := chain.Probe(context.Background(), "https://example.com/v", Options{})
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if result.Title != "fallback" {
		t.Fatalf("expected fallback result, got %q", result.Title)
	}
}

func TestChainFetchDistrustsEmptyFile(t *testing.T) {
	stubSleep(t)

	dir := t.TempDir()
	emptyPath := filepath.Join(dir, "empty.mp4")
	if err := os.WriteFile(emptyPath, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	goodPath := filepath.Join(dir, "good.mp4")
	if err := os.WriteFile(goodPath, []byte("media-bytes"), 0o644); err != nil {
		t.Fatalf("write good file: %v", err)
	}

	liar := &fakeProvider{name: "liar", fetchFn: func(context.Context, FetchRequest, func(Progress)) (*FetchResult, error) {
		return &FetchResult{FilePath: emptyPath, Title: "zero bytes"}, nil
	}}
	honest := &fakeProvider{name: "honest", fetchFn: func(context.Context, FetchRequest, func(Progress)) (*FetchResult, error) {
		return &FetchResult{FilePath: goodPath, Title: "real"}, nil
	}}

	chain := NewChain([]Provider{liar, honest}, WithRetryPolicy(0, time.Millisecond))
	result, err := chain.Fetch(context.Background(), FetchRequest{URL: "https://example.com/v"}, nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.FilePath != goodPath {
		t.Fatalf("expected honest provider's file, got %q", result.FilePath)
	}
	if liar.fetchCalls != 1 {
		t.Fatalf("empty result must not retry the same provider, got %d calls", liar.fetchCalls)
	}
}

func TestChainCancelledContext(t *testing.T) {
	stubSleep(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &fakeProvider{name: "a", probeFn: probeOK("never")}
	chain := NewChain([]Provider{a})
	_, err := chain.Probe(ctx, "https://example.com/v", Options{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if a.probeCalls != 0 {
		t.Fatal("provider must not be invoked after cancellation")
	}
}
