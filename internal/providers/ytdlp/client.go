package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"fetchd/internal/providers"
)

var commandContext = exec.CommandContext

// progressTemplate makes yt-dlp emit one JSON object per progress line so the
// scanner can parse updates without guessing at the human-readable format.
const progressTemplate = `download:{"status":%(progress.status)j,"downloaded":%(progress.downloaded_bytes)j,"total":%(progress.total_bytes)j,"total_estimate":%(progress.total_bytes_estimate)j,"filename":%(progress.filename)j}`

// CLI wraps the yt-dlp command-line extractor.
type CLI struct {
	binary string
}

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "yt-dlp"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Name identifies this provider in configuration and logs.
func (c *CLI) Name() string { return "ytdlp" }

// Probe runs a metadata-only extraction and reports title, duration, and the
// available formats. No media is downloaded.
func (c *CLI) Probe(ctx context.Context, url string, opts providers.Options) (*providers.ProbeResult, error) {
	if strings.TrimSpace(url) == "" {
		return nil, providers.Wrap(providers.ErrUnsupported, c.Name(), "probe", "empty url", nil)
	}

	args := []string{"--dump-single-json", "--no-playlist", "--no-warnings"}
	args = appendCookieArgs(args, opts)
	args = append(args, url)

	cmd := commandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, c.classify(ctx, "probe", stderr.String(), err)
	}

	var payload struct {
		Title    string  `json:"title"`
		Duration float64 `json:"duration"`
		Formats  []struct {
			FormatID       string  `json:"format_id"`
			FormatNote     string  `json:"format_note"`
			Ext            string  `json:"ext"`
			VCodec         string  `json:"vcodec"`
			ACodec         string  `json:"acodec"`
			Filesize       int64   `json:"filesize"`
			FilesizeApprox int64   `json:"filesize_approx"`
			TBR            float64 `json:"tbr"`
		} `json:"formats"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "probe", "unparseable metadata output", err)
	}

	result := &providers.ProbeResult{
		Title:    strings.TrimSpace(payload.Title),
		Duration: payload.Duration,
	}
	for _, f := range payload.Formats {
		size := f.Filesize
		if size == 0 {
			size = f.FilesizeApprox
		}
		result.Formats = append(result.Formats, providers.Format{
			ID:         f.FormatID,
			Note:       f.FormatNote,
			Container:  f.Ext,
			VideoCodec: f.VCodec,
			AudioCodec: f.ACodec,
			SizeBytes:  size,
			HasVideo:   f.VCodec != "" && f.VCodec != "none",
			HasAudio:   f.ACodec != "" && f.ACodec != "none",
		})
	}
	return result, nil
}

// Fetch downloads the media into req.OutputDir, streaming progress parsed
// from yt-dlp's JSON progress lines. The request's format selector chooses
// between a format expression and audio-only extraction.
func (c *CLI) Fetch(ctx context.Context, req providers.FetchRequest, onProgress func(providers.Progress)) (*providers.FetchResult, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, providers.Wrap(providers.ErrUnsupported, c.Name(), "fetch", "empty url", nil)
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "fetch", "output directory required", nil)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "fetch", "create output directory", err)
	}

	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--newline",
		"--progress-template", progressTemplate,
		"-o", filepath.Join(req.OutputDir, "%(title)s.%(ext)s"),
	}
	args = appendCookieArgs(args, req.Options)
	args = append(args, formatArgs(req.FormatSelector)...)
	args = append(args, req.URL)

	cmd := commandContext(ctx, c.binary, args...)
	configureProcessGroup(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "fetch", "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "fetch", "start yt-dlp", err)
	}

	var lastFilename string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		update, ok := parseProgressLine(scanner.Bytes())
		if !ok {
			continue
		}
		if update.filename != "" {
			lastFilename = update.filename
		}
		if onProgress != nil {
			onProgress(update.progress())
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return nil, c.classify(ctx, "fetch", stderr.String(), err)
	}
	if scanErr != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "fetch", "read yt-dlp output", scanErr)
	}

	path, err := resolveOutputFile(req.OutputDir, lastFilename)
	if err != nil {
		return nil, providers.Wrap(providers.ErrEmptyResult, c.Name(), "fetch", "no output file found", err)
	}

	base := filepath.Base(path)
	return &providers.FetchResult{
		FilePath: path,
		Title:    strings.TrimSuffix(base, filepath.Ext(base)),
	}, nil
}

// classify maps a yt-dlp failure onto the provider error taxonomy using the
// context state and the stderr tail.
func (c *CLI) classify(ctx context.Context, operation, stderr string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return providers.Wrap(providers.ErrTimeout, c.Name(), operation, "deadline exceeded", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return providers.Wrap(providers.ErrCancelled, c.Name(), operation, "cancelled", err)
	}

	tail := stderrTail(stderr)
	lowered := strings.ToLower(tail)
	switch {
	case strings.Contains(lowered, "unsupported url"),
		strings.Contains(lowered, "is not a valid url"),
		strings.Contains(lowered, "no video formats"):
		return providers.Wrap(providers.ErrUnsupported, c.Name(), operation, tail, err)
	case strings.Contains(lowered, "429"),
		strings.Contains(lowered, "rate-limit"),
		strings.Contains(lowered, "rate limit"),
		strings.Contains(lowered, "timed out"),
		strings.Contains(lowered, "temporary failure"),
		strings.Contains(lowered, "connection reset"),
		strings.Contains(lowered, "network is unreachable"):
		return providers.Wrap(providers.ErrTransient, c.Name(), operation, tail, err)
	}
	return providers.Wrap(providers.ErrExternalTool, c.Name(), operation, tail, err)
}

// configureProcessGroup puts yt-dlp in its own process group and arranges for
// cancellation to signal the whole group, so ffmpeg children spawned for
// merging or audio extraction die with their parent. SIGKILL follows via
// WaitDelay if the group ignores the polite request.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second
}

func appendCookieArgs(args []string, opts providers.Options) []string {
	if strings.TrimSpace(opts.CookieFile) != "" {
		return append(args, "--cookies", opts.CookieFile)
	}
	return args
}

// formatArgs translates the job's format selector into yt-dlp arguments. The
// audio sentinel switches to extraction mode; anything else passes through as
// a format expression.
func formatArgs(selector string) []string {
	selector = strings.TrimSpace(selector)
	switch selector {
	case "":
		return nil
	case "audio":
		return []string{"-x", "--audio-format", "mp3"}
	default:
		return []string{"-f", selector}
	}
}

type progressLine struct {
	status        string
	downloaded    float64
	total         float64
	totalEstimate float64
	filename      string
}

func (p progressLine) progress() providers.Progress {
	total := p.total
	if total <= 0 {
		total = p.totalEstimate
	}
	percent := 0.0
	if total > 0 {
		percent = p.downloaded / total * 100
		if percent > 100 {
			percent = 100
		}
	}
	return providers.Progress{
		Percent:         percent,
		DownloadedBytes: int64(p.downloaded),
		TotalBytes:      int64(total),
		Stage:           p.status,
	}
}

func parseProgressLine(line []byte) (progressLine, bool) {
	var payload struct {
		Status        string   `json:"status"`
		Downloaded    *float64 `json:"downloaded"`
		Total         *float64 `json:"total"`
		TotalEstimate *float64 `json:"total_estimate"`
		Filename      string   `json:"filename"`
	}
	if err := json.Unmarshal(line, &payload); err != nil {
		return progressLine{}, false
	}
	if payload.Status == "" && payload.Filename == "" {
		return progressLine{}, false
	}
	out := progressLine{status: payload.Status, filename: payload.Filename}
	if payload.Downloaded != nil {
		out.downloaded = *payload.Downloaded
	}
	if payload.Total != nil {
		out.total = *payload.Total
	}
	if payload.TotalEstimate != nil {
		out.totalEstimate = *payload.TotalEstimate
	}
	return out, true
}

// resolveOutputFile returns the fetched media path. Post-processing can change
// the extension reported during download (audio extraction re-containers the
// file), so the filename from progress lines is only trusted when it still
// exists; otherwise the newest non-partial file in the output directory wins.
func resolveOutputFile(dir, reported string) (string, error) {
	if reported != "" {
		if info, err := os.Stat(reported); err == nil && !info.IsDir() && info.Size() > 0 {
			return reported, nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var (
		newest    string
		newestMod time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, name)
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no completed files in %s", dir)
	}
	return newest, nil
}

func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

var _ providers.Provider = (*CLI)(nil)
