package providers

import "context"

// Options carries per-request settings selected by the caller, such as the
// authentication cookie file resolved for the URL's domain.
type Options struct {
	CookieFile string
}

// Format describes one quality option reported by a probe.
type Format struct {
	ID         string
	Note       string
	Container  string
	VideoCodec string
	AudioCodec string
	SizeBytes  int64
	HasVideo   bool
	HasAudio   bool
}

// ProbeResult is the outcome of a metadata probe. DirectURL is set when the
// provider resolves to a direct fetch instead of performing the download
// itself.
type ProbeResult struct {
	Title     string
	Duration  float64
	DirectURL string
	Formats   []Format
}

// Progress is one streaming progress event during a fetch.
type Progress struct {
	Percent         float64
	DownloadedBytes int64
	TotalBytes      int64
	Stage           string
	Message         string
}

// FetchRequest describes one download attempt. SessionID equals the owning
// job's id and keys the process tracker entry for the attempt.
type FetchRequest struct {
	URL            string
	FormatSelector string
	SessionID      string
	OutputDir      string
	Options        Options
}

// FetchResult is the outcome of a completed fetch.
type FetchResult struct {
	FilePath string
	Title    string
	Duration float64
}

// Provider is a pluggable backend capable of resolving formats and/or
// performing a fetch for a URL. Probe is cheap and metadata-only; Fetch is
// potentially long-running and tracked by the caller.
type Provider interface {
	Name() string
	Probe(ctx context.Context, url string, opts Options) (*ProbeResult, error)
	Fetch(ctx context.Context, req FetchRequest, onProgress func(Progress)) (*FetchResult, error)
}
