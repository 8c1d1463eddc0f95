package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"fetchd/internal/ledger"
	"fetchd/internal/logging"
	"fetchd/internal/proctrack"
	"fetchd/internal/providers"
	"fetchd/internal/queue"
)

// Status is the terminal classification of one processed job.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusCancelled
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of processing one job.
type Outcome struct {
	Status   Status
	FilePath string
	Title    string
	Duration float64
	Message  string
	Err      error
}

// Fetcher is the provider chain surface the orchestrator consumes.
type Fetcher interface {
	Probe(ctx context.Context, url string, opts providers.Options) (*providers.ProbeResult, error)
	Fetch(ctx context.Context, req providers.FetchRequest, onProgress func(providers.Progress)) (*providers.FetchResult, error)
}

// AuthResolver selects authentication cookie material for a URL.
type AuthResolver interface {
	ResolveAuthFor(url string) string
}

// Uploader receives the fetched file on success. Upload must move or consume
// the file; a failed upload fails the job.
type Uploader interface {
	Upload(ctx context.Context, job *queue.Job, filePath string) error
}

// StatusReporter routes progress and terminal events to the job's owner via
// its opaque status handle. The core never interprets the handle.
type StatusReporter interface {
	Progress(statusHandle any, update providers.Progress)
	Done(statusHandle any, outcome Outcome)
}

// Orchestrator turns a job into a terminal outcome: probe, tracked fetch,
// upload hand-off, and exactly-once credit settlement.
type Orchestrator struct {
	fetcher          Fetcher
	tracker          *proctrack.Tracker
	ledger           ledger.Ledger
	auth             AuthResolver
	uploader         Uploader
	reporter         StatusReporter
	logger           *slog.Logger
	downloadDir      string
	probeTimeout     time.Duration
	fetchTimeout     time.Duration
	progressInterval time.Duration
	minDuration      float64
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithAuthResolver attaches a cookie resolver.
func WithAuthResolver(auth AuthResolver) Option {
	return func(o *Orchestrator) { o.auth = auth }
}

// WithUploader attaches the upload collaborator.
func WithUploader(uploader Uploader) Option {
	return func(o *Orchestrator) { o.uploader = uploader }
}

// WithStatusReporter attaches the status reporting collaborator.
func WithStatusReporter(reporter StatusReporter) Option {
	return func(o *Orchestrator) { o.reporter = reporter }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logging.NewComponentLogger(logger, "orchestrator")
		}
	}
}

// WithProbeTimeout bounds the metadata probe preceding each fetch.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.probeTimeout = timeout
		}
	}
}

// WithFetchTimeout bounds each job's fetch phase.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.fetchTimeout = timeout
		}
	}
}

// WithMinDuration sets the billing floor applied to reported durations.
func WithMinDuration(seconds float64) Option {
	return func(o *Orchestrator) {
		if seconds > 0 {
			o.minDuration = seconds
		}
	}
}

// WithProgressInterval sets the minimum spacing between progress reports.
func WithProgressInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.progressInterval = interval
		}
	}
}

// New constructs an orchestrator over the required collaborators.
func New(fetcher Fetcher, tracker *proctrack.Tracker, creditLedger ledger.Ledger, downloadDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:          fetcher,
		tracker:          tracker,
		ledger:           creditLedger,
		downloadDir:      downloadDir,
		logger:           logging.NewNop(),
		probeTimeout:     time.Minute,
		fetchTimeout:     30 * time.Minute,
		progressInterval: 300 * time.Millisecond,
		minDuration:      1,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs one job to a terminal outcome. It never panics and never
// returns an unclassified error; the queue processor can trust the outcome.
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job) (outcome Outcome) {
	refunded := false
	refundOnce := func() {
		if refunded || o.ledger == nil || job.ReservedCredits <= 0 {
			return
		}
		refunded = true
		o.ledger.Refund(job.UserID, job.ReservedCredits)
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("job processing panicked",
				logging.String(logging.FieldJobID, job.ID),
				logging.Any("panic", r),
			)
			outcome = Outcome{
				Status:  StatusFailed,
				Message: "download failed due to an internal error",
				Err:     fmt.Errorf("panic: %v", r),
			}
			refundOnce()
		}
		if outcome.Status != StatusSuccess {
			refundOnce()
		}
		o.report(job, outcome)
	}()

	jobLogger := o.logger.With(
		logging.String(logging.FieldJobID, job.ID),
		logging.Int64(logging.FieldUserID, job.UserID),
	)

	opts := providers.Options{}
	if o.auth != nil {
		opts.CookieFile = o.auth.ResolveAuthFor(job.SourceURL)
	}

	probeCtx, cancelProbe := context.WithTimeout(ctx, o.probeTimeout)
	probed, err := o.fetcher.Probe(probeCtx, job.SourceURL, opts)
	cancelProbe()
	if err != nil {
		return o.classify(job, err, jobLogger)
	}
	duration := o.clampDuration(probed.Duration)

	fetchCtx, cancelFetch := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancelFetch()

	deadline, _ := fetchCtx.Deadline()
	handle := proctrack.NewContextHandle(cancelFetch)
	if err := o.tracker.Track(job.ID, job.UserID, handle, deadline); err != nil {
		return Outcome{
			Status:  StatusFailed,
			Message: "download failed: duplicate session",
			Err:     err,
		}
	}

	jobLogger.Info("fetch started",
		logging.String("url", job.SourceURL),
		logging.String("title", probed.Title),
		logging.Float64("duration_seconds", duration),
	)

	result, fetchErr := o.fetcher.Fetch(fetchCtx, providers.FetchRequest{
		URL:            job.SourceURL,
		FormatSelector: job.FormatSelector,
		SessionID:      job.ID,
		OutputDir:      o.outputDirFor(job),
		Options:        opts,
	}, o.throttledProgress(job))

	// The fetch has returned, so the tracked operation is done one way or
	// the other; the terminal state recorded by cancel/timeout/kill wins
	// over whatever the fetch itself reported.
	state, _ := o.tracker.Release(job.ID)
	switch state {
	case proctrack.StateCancelled:
		return Outcome{Status: StatusCancelled, Message: "download cancelled", Err: fetchErr}
	case proctrack.StateTimedOut:
		return Outcome{
			Status:  StatusTimedOut,
			Message: fmt.Sprintf("download timed out after %s", o.fetchTimeout),
			Err:     fetchErr,
		}
	case proctrack.StateKilled:
		return Outcome{Status: StatusCancelled, Message: "download terminated at shutdown", Err: fetchErr}
	}

	if fetchErr != nil {
		return o.classify(job, fetchErr, jobLogger)
	}

	if o.reporter != nil && job.StatusHandle != nil {
		o.reporter.Progress(job.StatusHandle, providers.Progress{Percent: 100, Stage: "finished"})
	}

	title := result.Title
	if title == "" {
		title = probed.Title
	}
	if result.Duration > 0 {
		duration = o.clampDuration(result.Duration)
	}

	if o.uploader != nil {
		if err := o.uploader.Upload(ctx, job, result.FilePath); err != nil {
			jobLogger.Error("upload failed", logging.Error(err))
			return Outcome{
				Status:   StatusFailed,
				FilePath: result.FilePath,
				Title:    title,
				Duration: duration,
				Message:  "download succeeded but delivery failed",
				Err:      err,
			}
		}
	}

	jobLogger.Info("fetch complete",
		logging.String("file", result.FilePath),
		logging.String("title", title),
	)
	return Outcome{
		Status:   StatusSuccess,
		FilePath: result.FilePath,
		Title:    title,
		Duration: duration,
		Message:  "download complete",
	}
}

// classify maps a provider error onto a terminal outcome with wording that
// distinguishes cancellation and timeout from ordinary failure.
func (o *Orchestrator) classify(job *queue.Job, err error, jobLogger *slog.Logger) Outcome {
	switch {
	case errors.Is(err, providers.ErrCancelled):
		return Outcome{Status: StatusCancelled, Message: "download cancelled", Err: err}
	case errors.Is(err, providers.ErrTimeout):
		return Outcome{
			Status:  StatusTimedOut,
			Message: fmt.Sprintf("download timed out after %s", o.fetchTimeout),
			Err:     err,
		}
	}
	jobLogger.Warn("job failed", logging.Error(err))
	return Outcome{Status: StatusFailed, Message: "download failed", Err: err}
}

// throttledProgress spaces progress reports to the configured floor while
// always letting the 100% event through. Log output is sampled separately at
// ten-percent buckets.
func (o *Orchestrator) throttledProgress(job *queue.Job) func(providers.Progress) {
	sampler := logging.NewProgressSampler(10)
	var lastEmit time.Time
	return func(update providers.Progress) {
		if sampler.ShouldLog(update.Percent, update.Stage) {
			o.logger.Debug("fetch progress",
				logging.String(logging.FieldJobID, job.ID),
				logging.Float64("percent", update.Percent),
				logging.String("stage", update.Stage),
			)
		}
		if o.reporter == nil || job.StatusHandle == nil {
			return
		}
		now := time.Now()
		if update.Percent < 100 && !lastEmit.IsZero() && now.Sub(lastEmit) < o.progressInterval {
			return
		}
		lastEmit = now
		o.reporter.Progress(job.StatusHandle, update)
	}
}

func (o *Orchestrator) report(job *queue.Job, outcome Outcome) {
	if o.reporter == nil || job.StatusHandle == nil {
		return
	}
	o.reporter.Done(job.StatusHandle, outcome)
}

// outputDirFor gives each job its own directory so concurrent fetches never
// collide on file names.
func (o *Orchestrator) outputDirFor(job *queue.Job) string {
	return filepath.Join(o.downloadDir, job.ID)
}

// clampDuration floors reported durations at the configured minimum. Zero and
// negative values come from broken metadata and would otherwise zero out
// billing.
func (o *Orchestrator) clampDuration(seconds float64) float64 {
	if seconds < o.minDuration {
		return o.minDuration
	}
	return seconds
}
