package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ytget/ytdlp/v2"

	"fetchd/internal/logging"
)

// sleepContext waits for the given duration or until the context is done.
// Package variable so poller tests can skip inter-item delays.
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

// EnqueueFunc submits one job derived from a due task. sourceURL may differ
// from the task's URL when a playlist expanded into per-item URLs.
type EnqueueFunc func(ctx context.Context, task Task, sourceURL string) error

// PlaylistEntry is one item of an expanded playlist.
type PlaylistEntry struct {
	VideoID string
	Title   string
}

// PlaylistLister expands a playlist id into its entries.
type PlaylistLister interface {
	PlaylistItems(ctx context.Context, playlistID string) ([]PlaylistEntry, error)
}

// ytdlpPlaylist lists playlist entries through the ytdlp library client.
type ytdlpPlaylist struct{}

func (ytdlpPlaylist) PlaylistItems(ctx context.Context, playlistID string) ([]PlaylistEntry, error) {
	items, err := ytdlp.New().GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		return nil, fmt.Errorf("get playlist items: %w", err)
	}
	entries := make([]PlaylistEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, PlaylistEntry{VideoID: item.VideoID, Title: item.Title})
	}
	return entries, nil
}

// Poller promotes due scheduled tasks into queue jobs. Each cycle claims a
// task by deleting it from the store before any execution; overlapping poll
// windows therefore never run the same task twice.
type Poller struct {
	store     *Store
	enqueue   EnqueueFunc
	playlists PlaylistLister
	interval  time.Duration
	itemDelay time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PollerOption configures optional poller behavior.
type PollerOption func(*Poller)

// WithPollerLogger attaches a logger.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logging.NewComponentLogger(logger, "scheduler")
		}
	}
}

// WithInterval overrides the poll cadence.
func WithInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithItemDelay overrides the pause between playlist item enqueues.
func WithItemDelay(delay time.Duration) PollerOption {
	return func(p *Poller) {
		if delay >= 0 {
			p.itemDelay = delay
		}
	}
}

// WithPlaylistLister overrides the playlist expansion client.
func WithPlaylistLister(lister PlaylistLister) PollerOption {
	return func(p *Poller) {
		if lister != nil {
			p.playlists = lister
		}
	}
}

// NewPoller constructs a poller over the store and enqueue sink.
func NewPoller(store *Store, enqueue EnqueueFunc, opts ...PollerOption) *Poller {
	p := &Poller{
		store:     store,
		enqueue:   enqueue,
		playlists: ytdlpPlaylist{},
		interval:  30 * time.Second,
		itemDelay: 750 * time.Millisecond,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true
	p.wg.Add(1)
	p.mu.Unlock()

	go p.loop(pollCtx)
}

// Stop halts the poll loop and waits for the current cycle to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.started = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one cycle: claim every due task and execute it. Exported so the
// daemon can force a cycle at startup and tests can drive cycles directly.
func (p *Poller) Poll(ctx context.Context) {
	due, err := p.store.DueBefore(ctx, time.Now())
	if err != nil {
		p.logger.Error("fetch due tasks", logging.Error(err))
		return
	}

	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		claimed, err := p.store.Delete(ctx, task.ID)
		if err != nil {
			p.logger.Error("claim task", logging.Int64("task_id", task.ID), logging.Error(err))
			continue
		}
		if !claimed {
			// Another cycle got there first.
			continue
		}
		p.execute(ctx, task)
	}
}

// execute runs one claimed task. The task is already gone from the store, so
// enqueue failures are logged and dropped rather than retried.
func (p *Poller) execute(ctx context.Context, task Task) {
	taskLogger := p.logger.With(
		logging.Int64("task_id", task.ID),
		logging.Int64(logging.FieldUserID, task.UserID),
	)

	if !task.IsPlaylist() {
		if err := p.enqueue(ctx, task, task.SourceURL); err != nil {
			taskLogger.Error("enqueue scheduled task failed, task dropped", logging.Error(err))
			return
		}
		taskLogger.Info("scheduled task promoted", logging.String("url", task.SourceURL))
		return
	}

	playlistID := extractPlaylistID(task.SourceURL)
	if playlistID == "" {
		taskLogger.Error("playlist task without playlist id, task dropped",
			logging.String("url", task.SourceURL))
		return
	}

	entries, err := p.playlists.PlaylistItems(ctx, playlistID)
	if err != nil {
		taskLogger.Error("playlist expansion failed, task dropped", logging.Error(err))
		return
	}

	for i, index := range task.PlaylistItems {
		if ctx.Err() != nil {
			return
		}
		if index < 1 || index > len(entries) {
			taskLogger.Warn("playlist index out of range", logging.Int("index", index))
			continue
		}
		entry := entries[index-1]
		itemURL := "https://www.youtube.com/watch?v=" + entry.VideoID
		if err := p.enqueue(ctx, task, itemURL); err != nil {
			// One broken item must not block the rest.
			taskLogger.Error("enqueue playlist item failed",
				logging.Int("index", index),
				logging.Error(err),
			)
		}
		if i < len(task.PlaylistItems)-1 && p.itemDelay > 0 {
			if err := sleepContext(ctx, p.itemDelay); err != nil {
				return
			}
		}
	}
	taskLogger.Info("playlist task promoted",
		logging.String("url", task.SourceURL),
		logging.Int("items", len(task.PlaylistItems)),
	)
}

// extractPlaylistID pulls the list parameter out of a playlist URL.
func extractPlaylistID(url string) string {
	const param = "list="
	idx := strings.Index(url, param)
	if idx == -1 {
		return ""
	}
	id := url[idx+len(param):]
	if amp := strings.IndexAny(id, "&#"); amp != -1 {
		id = id[:amp]
	}
	return id
}
