package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"fetchd/internal/providers"
)

func TestNewCLIWithBinary(t *testing.T) {
	cli := NewCLI(WithBinary("/opt/yt-dlp"))
	if cli.binary != "/opt/yt-dlp" {
		t.Fatalf("expected binary override to be applied, got %q", cli.binary)
	}
}

func TestProbeParsesMetadata(t *testing.T) {
	setHelperCommand(t, "probe_success", nil)

	cli := NewCLI()
	result, err := cli.Probe(context.Background(), "https://example.com/watch?v=abc", providers.Options{})
	if err != nil {
		t.Fatalf("Probe returned error: %v", err)
	}
	if result.Title != "Test Clip" {
		t.Fatalf("expected title 'Test Clip', got %q", result.Title)
	}
	if result.Duration != 213.5 {
		t.Fatalf("expected duration 213.5, got %f", result.Duration)
	}
	if len(result.Formats) != 2 {
		t.Fatalf("expected 2 formats, got %d", len(result.Formats))
	}
	audio := result.Formats[0]
	if audio.HasVideo || !audio.HasAudio {
		t.Fatalf("expected audio-only first format, got %+v", audio)
	}
	combined := result.Formats[1]
	if !combined.HasVideo || !combined.HasAudio {
		t.Fatalf("expected combined second format, got %+v", combined)
	}
	if combined.SizeBytes != 1048576 {
		t.Fatalf("expected filesize_approx fallback, got %d", combined.SizeBytes)
	}
}

func TestProbePassesCookieFile(t *testing.T) {
	var captured []string
	setHelperCommand(t, "probe_success", &captured)

	cli := NewCLI()
	opts := providers.Options{CookieFile: "/var/lib/fetchd/cookies/example.com.txt"}
	if _, err := cli.Probe(context.Background(), "https://example.com/v", opts); err != nil {
		t.Fatalf("Probe returned error: %v", err)
	}
	idx := findArg(captured, "--cookies")
	if idx == -1 || idx+1 >= len(captured) {
		t.Fatalf("expected --cookies flag with value, got %v", captured)
	}
	if captured[idx+1] != opts.CookieFile {
		t.Fatalf("expected cookie path %q, got %q", opts.CookieFile, captured[idx+1])
	}
}

func TestProbeClassifiesUnsupportedURL(t *testing.T) {
	setHelperCommand(t, "unsupported", nil)

	cli := NewCLI()
	_, err := cli.Probe(context.Background(), "https://example.com/not-a-video", providers.Options{})
	if !providers.IsSkip(err) {
		t.Fatalf("expected unsupported classification, got %v", err)
	}
}

func TestProbeClassifiesRateLimitAsTransient(t *testing.T) {
	setHelperCommand(t, "ratelimited", nil)

	cli := NewCLI()
	_, err := cli.Probe(context.Background(), "https://example.com/v", providers.Options{})
	if !providers.IsRetryable(err) {
		t.Fatalf("expected transient classification, got %v", err)
	}
}

func TestProbeClassifiesUnknownFailureAsExternalTool(t *testing.T) {
	setHelperCommand(t, "failure", nil)

	cli := NewCLI()
	_, err := cli.Probe(context.Background(), "https://example.com/v", providers.Options{})
	if !errors.Is(err, providers.ErrExternalTool) {
		t.Fatalf("expected external tool classification, got %v", err)
	}
	if providers.IsRetryable(err) {
		t.Fatal("unclassified failures must not be retryable")
	}
}

func TestFetchStreamsProgressAndResolvesFile(t *testing.T) {
	setHelperCommand(t, "fetch_success", nil)

	cli := NewCLI()
	outputDir := t.TempDir()

	var updates []providers.Progress
	result, err := cli.Fetch(context.Background(), providers.FetchRequest{
		URL:       "https://example.com/v",
		SessionID: "job-1",
		OutputDir: outputDir,
	}, func(p providers.Progress) {
		updates = append(updates, p)
	})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}

	expected := filepath.Join(outputDir, "clip.mp4")
	if result.FilePath != expected {
		t.Fatalf("expected output %q, got %q", expected, result.FilePath)
	}
	if result.Title != "clip" {
		t.Fatalf("expected title 'clip', got %q", result.Title)
	}
	if len(updates) < 2 {
		t.Fatalf("expected at least 2 progress updates, got %d", len(updates))
	}
	first := updates[0]
	if first.Percent != 50 {
		t.Fatalf("expected 50%% from halfway update, got %f", first.Percent)
	}
	if first.TotalBytes != 2048 {
		t.Fatalf("expected total 2048, got %d", first.TotalBytes)
	}
}

func TestFetchSkipsNonJSONLines(t *testing.T) {
	setHelperCommand(t, "fetch_noisy", nil)

	cli := NewCLI()
	outputDir := t.TempDir()

	var updates []providers.Progress
	if _, err := cli.Fetch(context.Background(), providers.FetchRequest{
		URL:       "https://example.com/v",
		OutputDir: outputDir,
	}, func(p providers.Progress) {
		updates = append(updates, p)
	}); err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update from the valid json line, got %d", len(updates))
	}
}

func TestFetchAudioSelectorUsesExtraction(t *testing.T) {
	var captured []string
	setHelperCommand(t, "fetch_success", &captured)

	cli := NewCLI()
	if _, err := cli.Fetch(context.Background(), providers.FetchRequest{
		URL:            "https://example.com/v",
		FormatSelector: "audio",
		OutputDir:      t.TempDir(),
	}, nil); err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if findArg(captured, "-x") == -1 {
		t.Fatalf("expected audio extraction flag, got %v", captured)
	}
	if findArg(captured, "-f") != -1 {
		t.Fatalf("audio extraction must not also pass a format expression, got %v", captured)
	}
}

func TestFetchFormatSelectorPassesThrough(t *testing.T) {
	var captured []string
	setHelperCommand(t, "fetch_success", &captured)

	cli := NewCLI()
	if _, err := cli.Fetch(context.Background(), providers.FetchRequest{
		URL:            "https://example.com/v",
		FormatSelector: "bv*+ba/b",
		OutputDir:      t.TempDir(),
	}, nil); err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	idx := findArg(captured, "-f")
	if idx == -1 || idx+1 >= len(captured) || captured[idx+1] != "bv*+ba/b" {
		t.Fatalf("expected format expression passthrough, got %v", captured)
	}
}

func TestClassifyDistinguishesCancelFromTimeout(t *testing.T) {
	cli := NewCLI()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cli.classify(cancelled, "fetch", "", errors.New("signal: killed")); !errors.Is(err, providers.ErrCancelled) {
		t.Fatalf("expected cancelled classification, got %v", err)
	}

	expired, cancelExpired := context.WithTimeout(context.Background(), -time.Second)
	defer cancelExpired()
	if err := cli.classify(expired, "fetch", "", errors.New("signal: killed")); !errors.Is(err, providers.ErrTimeout) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
}

func setHelperCommand(t *testing.T, mode string, captured *[]string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if captured != nil {
			*captured = append([]string(nil), args...)
		}
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		env := append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", fmt.Sprintf("YTDLP_HELPER_MODE=%s", mode))
		if dir := outputDirFromArgs(args); dir != "" {
			env = append(env, fmt.Sprintf("YTDLP_HELPER_OUTDIR=%s", dir))
		}
		cmd.Env = env
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func outputDirFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "-o" && i+1 < len(args) {
			return filepath.Dir(args[i+1])
		}
	}
	return ""
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("YTDLP_HELPER_MODE") {
	case "probe_success":
		fmt.Println(`{"title":"Test Clip","duration":213.5,"formats":[` +
			`{"format_id":"140","format_note":"medium","ext":"m4a","vcodec":"none","acodec":"mp4a.40.2","filesize":524288},` +
			`{"format_id":"22","format_note":"720p","ext":"mp4","vcodec":"avc1","acodec":"mp4a.40.2","filesize_approx":1048576}]}`)
		os.Exit(0)
	case "unsupported":
		fmt.Fprintln(os.Stderr, "ERROR: Unsupported URL: https://example.com/not-a-video")
		os.Exit(1)
	case "ratelimited":
		fmt.Fprintln(os.Stderr, "ERROR: HTTP Error 429: Too Many Requests")
		os.Exit(1)
	case "failure":
		fmt.Fprintln(os.Stderr, "ERROR: something unexpected")
		os.Exit(1)
	case "fetch_success":
		fmt.Println(`{"status":"downloading","downloaded":1024,"total":2048,"total_estimate":null,"filename":""}`)
		fmt.Println(`{"status":"downloading","downloaded":2048,"total":2048,"total_estimate":null,"filename":""}`)
		writeHelperOutput("clip.mp4")
		os.Exit(0)
	case "fetch_noisy":
		fmt.Println("[download] Destination: clip.mp4")
		fmt.Println(`{"status":"downloading","downloaded":512,"total":1024,"total_estimate":null,"filename":""}`)
		fmt.Println("[ExtractAudio] Destination: clip.mp3")
		writeHelperOutput("clip.mp4")
		os.Exit(0)
	default:
		os.Exit(0)
	}
}

func writeHelperOutput(name string) {
	dir := os.Getenv("YTDLP_HELPER_OUTDIR")
	if dir == "" {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, name), []byte("media-bytes"), 0o644)
}

func findArg(args []string, target string) int {
	for i, arg := range args {
		if arg == target {
			return i
		}
	}
	return -1
}
