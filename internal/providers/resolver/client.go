package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"fetchd/internal/providers"
)

// resolvePayload models the resolution API response.
type resolvePayload struct {
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	DirectURL string  `json:"direct_url"`
	Formats   []struct {
		ID        string `json:"id"`
		Note      string `json:"note"`
		Container string `json:"container"`
		Video     string `json:"video_codec"`
		Audio     string `json:"audio_codec"`
		SizeBytes int64  `json:"size_bytes"`
	} `json:"formats"`
}

// Client talks to an external resolution API that turns a page URL into a
// directly fetchable media URL, then streams the media itself over plain HTTP.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// New creates a resolver client.
func New(apiKey, baseURL string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("resolver api key required")
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("resolver base url required")
	}
	client := &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Name identifies this provider in configuration and logs.
func (c *Client) Name() string { return "resolver" }

// Probe asks the resolution API for metadata and a direct media URL.
func (c *Client) Probe(ctx context.Context, sourceURL string, opts providers.Options) (*providers.ProbeResult, error) {
	payload, err := c.resolve(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	result := &providers.ProbeResult{
		Title:     strings.TrimSpace(payload.Title),
		Duration:  payload.Duration,
		DirectURL: payload.DirectURL,
	}
	for _, f := range payload.Formats {
		result.Formats = append(result.Formats, providers.Format{
			ID:         f.ID,
			Note:       f.Note,
			Container:  f.Container,
			VideoCodec: f.Video,
			AudioCodec: f.Audio,
			SizeBytes:  f.SizeBytes,
			HasVideo:   f.Video != "" && f.Video != "none",
			HasAudio:   f.Audio != "" && f.Audio != "none",
		})
	}
	return result, nil
}

// Fetch resolves the URL and streams the direct media into req.OutputDir,
// reporting byte-level progress when the server provides a content length.
func (c *Client) Fetch(ctx context.Context, req providers.FetchRequest, onProgress func(providers.Progress)) (*providers.FetchResult, error) {
	payload, err := c.resolve(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.DirectURL) == "" {
		return nil, providers.Wrap(providers.ErrEmptyResult, c.Name(), "fetch", "resolution produced no direct url", nil)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "fetch", "create output directory", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.DirectURL, nil)
	if err != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "fetch", "build media request", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransport(ctx, "fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus("fetch", resp.StatusCode)
	}

	name := mediaFileName(payload.Title, payload.DirectURL)
	outPath := filepath.Join(req.OutputDir, name)
	out, err := os.Create(outPath)
	if err != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "fetch", "create output file", err)
	}
	defer out.Close()

	written, err := copyWithProgress(out, resp.Body, resp.ContentLength, onProgress)
	if err != nil {
		os.Remove(outPath)
		return nil, c.classifyTransport(ctx, "fetch", err)
	}
	if written == 0 {
		os.Remove(outPath)
		return nil, providers.Wrap(providers.ErrEmptyResult, c.Name(), "fetch", "zero bytes received", nil)
	}

	if onProgress != nil {
		onProgress(providers.Progress{Percent: 100, DownloadedBytes: written, TotalBytes: written, Stage: "finished"})
	}
	return &providers.FetchResult{
		FilePath: outPath,
		Title:    strings.TrimSpace(payload.Title),
		Duration: payload.Duration,
	}, nil
}

func (c *Client) resolve(ctx context.Context, sourceURL string) (*resolvePayload, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return nil, providers.Wrap(providers.ErrUnsupported, c.Name(), "probe", "empty url", nil)
	}

	endpoint, err := url.Parse(c.baseURL + "/v1/resolve")
	if err != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "probe", "parse resolver url", err)
	}
	params := url.Values{}
	params.Set("url", sourceURL)
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "probe", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classifyTransport(ctx, "probe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus("probe", resp.StatusCode)
	}

	var payload resolvePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, providers.Wrap(providers.ErrExternalTool, c.Name(), "probe", "decode resolver response", err)
	}
	return &payload, nil
}

// classifyStatus maps API status codes onto the provider taxonomy: client
// rejections mean the URL is out of the resolver's coverage, throttling and
// server faults are worth retrying.
func (c *Client) classifyStatus(operation string, status int) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return providers.Wrap(providers.ErrUnsupported, c.Name(), operation, fmt.Sprintf("resolver returned %d", status), nil)
	case status == http.StatusTooManyRequests || status >= 500:
		return providers.Wrap(providers.ErrTransient, c.Name(), operation, fmt.Sprintf("resolver returned %d", status), nil)
	default:
		return providers.Wrap(providers.ErrExternalTool, c.Name(), operation, fmt.Sprintf("resolver returned %d", status), nil)
	}
}

func (c *Client) classifyTransport(ctx context.Context, operation string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return providers.Wrap(providers.ErrTimeout, c.Name(), operation, "deadline exceeded", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return providers.Wrap(providers.ErrCancelled, c.Name(), operation, "cancelled", err)
	default:
		return providers.Wrap(providers.ErrTransient, c.Name(), operation, "transport failure", err)
	}
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, onProgress func(providers.Progress)) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if onProgress != nil && total > 0 {
				onProgress(providers.Progress{
					Percent:         float64(written) / float64(total) * 100,
					DownloadedBytes: written,
					TotalBytes:      total,
					Stage:           "downloading",
				})
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// mediaFileName derives an output filename from the resolved title, falling
// back to the direct URL's path component.
func mediaFileName(title, directURL string) string {
	ext := ".bin"
	if parsed, err := url.Parse(directURL); err == nil {
		if e := path.Ext(parsed.Path); e != "" {
			ext = e
		}
	}
	title = sanitizeFileName(title)
	if title == "" {
		title = "download"
	}
	return title + ext
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", "\x00", "")
	return replacer.Replace(name)
}

var _ providers.Provider = (*Client)(nil)
