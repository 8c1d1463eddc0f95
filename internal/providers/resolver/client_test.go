package resolver_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"fetchd/internal/providers"
	"fetchd/internal/providers/resolver"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := resolver.New("", "https://api.example.com"); err == nil {
		t.Fatal("expected error for missing api key")
	}
	if _, err := resolver.New("key", ""); err == nil {
		t.Fatal("expected error for missing base url")
	}
}

func TestProbeReturnsResolvedMetadata(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/resolve" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.URL.Query().Get("url"); got != "https://example.com/v" {
			t.Errorf("unexpected url param %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"Resolved Clip","duration":95.5,"direct_url":"https://cdn.example.com/clip.mp4","formats":[{"id":"hd","container":"mp4","video_codec":"h264","audio_codec":"aac","size_bytes":4096}]}`))
	})

	client, err := resolver.New("secret", server.URL)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := client.Probe(context.Background(), "https://example.com/v", providers.Options{})
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if result.Title != "Resolved Clip" || result.Duration != 95.5 {
		t.Fatalf("unexpected metadata: %+v", result)
	}
	if result.DirectURL != "https://cdn.example.com/clip.mp4" {
		t.Fatalf("unexpected direct url %q", result.DirectURL)
	}
	if len(result.Formats) != 1 || !result.Formats[0].HasVideo {
		t.Fatalf("unexpected formats: %+v", result.Formats)
	}
}

func TestProbeClassifiesNotFoundAsUnsupported(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown platform", http.StatusNotFound)
	})

	client, _ := resolver.New("secret", server.URL)
	_, err := client.Probe(context.Background(), "https://example.com/v", providers.Options{})
	if !providers.IsSkip(err) {
		t.Fatalf("expected unsupported classification, got %v", err)
	}
}

func TestProbeClassifiesThrottlingAsTransient(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway} {
		server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		client, _ := resolver.New("secret", server.URL)
		_, err := client.Probe(context.Background(), "https://example.com/v", providers.Options{})
		if !providers.IsRetryable(err) {
			t.Fatalf("status %d: expected transient classification, got %v", status, err)
		}
	}
}

func TestFetchStreamsDirectMedia(t *testing.T) {
	payload := []byte("fake-media-bytes-0123456789")
	var mux http.ServeMux
	var server *httptest.Server
	mux.HandleFunc("/v1/resolve", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"Streamed","duration":60,"direct_url":"` + server.URL + `/media/clip.mp4"}`))
	})
	mux.HandleFunc("/media/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	server = newTestServer(t, mux.ServeHTTP)

	client, _ := resolver.New("secret", server.URL)
	outputDir := t.TempDir()

	var updates []providers.Progress
	result, err := client.Fetch(context.Background(), providers.FetchRequest{
		URL:       "https://example.com/v",
		OutputDir: outputDir,
	}, func(p providers.Progress) {
		updates = append(updates, p)
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.FilePath != filepath.Join(outputDir, "Streamed.mp4") {
		t.Fatalf("unexpected output path %q", result.FilePath)
	}
	if result.Duration != 60 {
		t.Fatalf("expected duration carried through, got %f", result.Duration)
	}
	if len(updates) == 0 {
		t.Fatal("expected progress updates")
	}
	final := updates[len(updates)-1]
	if final.Percent != 100 || final.DownloadedBytes != int64(len(payload)) {
		t.Fatalf("unexpected final progress: %+v", final)
	}
}

func TestFetchRejectsMissingDirectURL(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"No Media","duration":10}`))
	})

	client, _ := resolver.New("secret", server.URL)
	_, err := client.Fetch(context.Background(), providers.FetchRequest{
		URL:       "https://example.com/v",
		OutputDir: t.TempDir(),
	}, nil)
	if !errors.Is(err, providers.ErrEmptyResult) {
		t.Fatalf("expected empty result classification, got %v", err)
	}
}

func TestFetchRejectsZeroByteBody(t *testing.T) {
	var mux http.ServeMux
	var server *httptest.Server
	mux.HandleFunc("/v1/resolve", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"Empty","direct_url":"` + server.URL + `/media/empty.mp4"}`))
	})
	mux.HandleFunc("/media/empty.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server = newTestServer(t, mux.ServeHTTP)

	client, _ := resolver.New("secret", server.URL)
	_, err := client.Fetch(context.Background(), providers.FetchRequest{
		URL:       "https://example.com/v",
		OutputDir: t.TempDir(),
	}, nil)
	if !errors.Is(err, providers.ErrEmptyResult) {
		t.Fatalf("expected empty result classification, got %v", err)
	}
}

func TestFetchCancelledContext(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"x","direct_url":"https://cdn.example.com/x.mp4"}`))
	})

	client, _ := resolver.New("secret", server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Fetch(ctx, providers.FetchRequest{URL: "https://example.com/v", OutputDir: t.TempDir()}, nil)
	if !errors.Is(err, providers.ErrCancelled) {
		t.Fatalf("expected cancelled classification, got %v", err)
	}
}
