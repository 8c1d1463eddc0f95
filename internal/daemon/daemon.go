package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"fetchd/internal/config"
	"fetchd/internal/cookies"
	"fetchd/internal/ledger"
	"fetchd/internal/logging"
	"fetchd/internal/orchestrator"
	"fetchd/internal/proctrack"
	"fetchd/internal/providers"
	"fetchd/internal/providers/resolver"
	"fetchd/internal/providers/ytdlp"
	"fetchd/internal/queue"
	"fetchd/internal/schedule"
)

// defaultJobCost is the credit reservation for a job when the caller does not
// supply one.
const defaultJobCost = 1

// schedulerPriority is the dispatch priority assigned to jobs promoted from
// scheduled tasks; interactive enqueues can use lower values to jump ahead.
const schedulerPriority = 5

// EnqueueRequest describes one download submission.
type EnqueueRequest struct {
	UserID         int64
	URL            string
	FormatSelector string
	Priority       int
	Credits        int64
	StatusHandle   any
}

// Stats summarizes daemon runtime state.
type Stats struct {
	Queue          queue.Stats
	ActiveSessions int
	ScheduledTasks int
}

// Daemon wires the queue, provider chain, tracker, ledger, and poller into a
// single-instance service.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *schedule.Store
	queue   *queue.Queue
	chain   *providers.Chain
	tracker *proctrack.Tracker
	ledger  ledger.Ledger
	orch    *orchestrator.Orchestrator
	poller  *schedule.Poller
	cookies *cookies.Resolver

	lockPath string
	lock     *flock.Flock

	// reservations tracks credits for jobs that are still queued; ownership
	// moves to the orchestrator when a job dispatches.
	resMu        sync.Mutex
	reservations map[string]reservation

	running atomic.Bool
	cancel  context.CancelFunc
}

type reservation struct {
	userID  int64
	credits int64
}

// Option configures optional daemon collaborators.
type Option func(*options)

type options struct {
	ledger   ledger.Ledger
	uploader orchestrator.Uploader
	reporter orchestrator.StatusReporter
}

// WithLedger supplies the credit ledger implementation (default in-memory).
func WithLedger(l ledger.Ledger) Option {
	return func(o *options) {
		if l != nil {
			o.ledger = l
		}
	}
}

// WithUploader supplies the upload collaborator invoked on fetch success.
func WithUploader(u orchestrator.Uploader) Option {
	return func(o *options) { o.uploader = u }
}

// WithStatusReporter supplies the progress/terminal status sink.
func WithStatusReporter(r orchestrator.StatusReporter) Option {
	return func(o *options) { o.reporter = r }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *schedule.Store, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, and logger")
	}

	o := options{ledger: ledger.NewMemory()}
	for _, opt := range opts {
		opt(&o)
	}

	chain, err := BuildChain(cfg, logger)
	if err != nil {
		return nil, err
	}

	tracker := proctrack.New(proctrack.WithLogger(logger))
	cookieResolver := cookies.NewResolver(cfg.Paths.CookieDir)

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithAuthResolver(cookieResolver),
		orchestrator.WithProbeTimeout(time.Duration(cfg.Providers.ProbeTimeout) * time.Second),
		orchestrator.WithFetchTimeout(time.Duration(cfg.Providers.FetchTimeout) * time.Second),
		orchestrator.WithProgressInterval(time.Duration(cfg.Queue.ProgressIntervalMS) * time.Millisecond),
		orchestrator.WithMinDuration(float64(cfg.Providers.MinDurationSeconds)),
	}
	if o.uploader != nil {
		orchOpts = append(orchOpts, orchestrator.WithUploader(o.uploader))
	}
	if o.reporter != nil {
		orchOpts = append(orchOpts, orchestrator.WithStatusReporter(o.reporter))
	}
	orch := orchestrator.New(chain, tracker, o.ledger, cfg.Paths.DownloadDir, orchOpts...)

	jobQueue := queue.New(cfg.Queue.ConcurrencyLimit,
		queue.WithLogger(logger),
		queue.WithNotifyPolicy(
			time.Duration(cfg.Queue.NotifyDebounceMS)*time.Millisecond,
			cfg.Queue.NotifyPrefixLimit,
		),
	)

	lockPath := filepath.Join(cfg.Paths.LogDir, "fetchd.lock")
	d := &Daemon{
		cfg:          cfg,
		logger:       logging.NewComponentLogger(logger, "daemon"),
		store:        store,
		queue:        jobQueue,
		chain:        chain,
		tracker:      tracker,
		ledger:       o.ledger,
		orch:         orch,
		cookies:      cookieResolver,
		lockPath:     lockPath,
		lock:         flock.New(lockPath),
		reservations: make(map[string]reservation),
	}

	d.poller = schedule.NewPoller(store, d.enqueueScheduled,
		schedule.WithPollerLogger(logger),
		schedule.WithInterval(time.Duration(cfg.Scheduler.PollInterval)*time.Second),
		schedule.WithItemDelay(time.Duration(cfg.Scheduler.PlaylistItemDelayMS)*time.Millisecond),
	)

	jobQueue.SetProcessor(d.process)
	return d, nil
}

// BuildChain assembles the provider fallback chain from the configured order.
// Shared with the probe command, which runs the chain without a daemon.
func BuildChain(cfg *config.Config, logger *slog.Logger) (*providers.Chain, error) {
	var ordered []providers.Provider
	for _, name := range cfg.Providers.Order {
		switch name {
		case "ytdlp":
			ordered = append(ordered, ytdlp.NewCLI(ytdlp.WithBinary(cfg.YtDlpBinary())))
		case "resolver":
			if !cfg.Resolver.Enabled {
				continue
			}
			client, err := resolver.New(cfg.Resolver.APIKey, cfg.Resolver.BaseURL,
				resolver.WithTimeout(time.Duration(cfg.Resolver.RequestTimeout)*time.Second))
			if err != nil {
				return nil, fmt.Errorf("build resolver provider: %w", err)
			}
			ordered = append(ordered, client)
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	if len(ordered) == 0 {
		return nil, errors.New("no providers configured")
	}
	return providers.NewChain(ordered,
		providers.WithRetryPolicy(cfg.Providers.RetryAttempts,
			time.Duration(cfg.Providers.RetryBaseDelayMS)*time.Millisecond),
		providers.WithChainLogger(logger),
	), nil
}

// Start acquires the single-instance lock and launches all components.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another fetchd instance holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.queue.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start queue: %w", err)
	}
	d.tracker.Start(runCtx)
	d.poller.Start(runCtx)
	d.running.Store(true)

	d.logger.Info("daemon started",
		logging.Int("concurrency_limit", d.cfg.Queue.ConcurrencyLimit),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// Close stops all components, terminates tracked work, and releases the lock.
// The schedule store stays open; its owner closes it.
func (d *Daemon) Close() error {
	if !d.running.Swap(false) {
		return nil
	}

	d.poller.Stop()
	d.tracker.KillAll()
	d.queue.Stop()
	d.tracker.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}

	if err := d.lock.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	d.logger.Info("daemon stopped")
	return nil
}

// KillAllSync force-terminates all tracked work without waiting. For fatal
// error paths only; normal shutdown goes through Close.
func (d *Daemon) KillAllSync() {
	d.tracker.KillAllSync()
}

// EnqueueURL reserves credits and admits a new job.
func (d *Daemon) EnqueueURL(ctx context.Context, req EnqueueRequest) (*queue.Job, error) {
	credits := req.Credits
	if credits <= 0 {
		credits = defaultJobCost
	}
	if err := d.ledger.Reserve(req.UserID, credits); err != nil {
		return nil, providers.Wrap(providers.ErrLedgerInsufficient, "", "enqueue", "credit reservation denied", err)
	}

	job := &queue.Job{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		SourceURL:       req.URL,
		FormatSelector:  req.FormatSelector,
		Priority:        req.Priority,
		ReservedCredits: credits,
		StatusHandle:    req.StatusHandle,
	}

	d.resMu.Lock()
	d.reservations[job.ID] = reservation{userID: req.UserID, credits: credits}
	d.resMu.Unlock()

	if err := d.queue.Enqueue(job); err != nil {
		d.dropReservation(job.ID, true)
		return nil, err
	}

	d.logger.Info("job enqueued",
		logging.String(logging.FieldJobID, job.ID),
		logging.Int64(logging.FieldUserID, req.UserID),
		logging.String("url", req.URL),
		logging.Int("priority", req.Priority),
	)
	return job, nil
}

// CancelJob cancels a job wherever it currently lives: a still-queued job is
// removed and refunded here; a dispatched one is signalled through the
// tracker and settles through the orchestrator.
func (d *Daemon) CancelJob(id string) bool {
	if d.queue.RemoveByID(id) {
		d.dropReservation(id, true)
		d.logger.Info("queued job cancelled", logging.String(logging.FieldJobID, id))
		return true
	}
	return d.tracker.Cancel(id)
}

// CancelAllForUser purges the user's queued jobs (with refunds), cancels
// their running fetches, and deletes their scheduled tasks. Returns the
// number of jobs affected.
func (d *Daemon) CancelAllForUser(ctx context.Context, userID int64) int {
	purged := d.queue.PurgeByUser(userID)
	d.refundQueuedForUser(userID)

	cancelled := d.tracker.CancelAllForUser(userID)

	if removed, err := d.store.DeleteByUser(ctx, userID); err != nil {
		d.logger.Error("delete scheduled tasks", logging.Int64(logging.FieldUserID, userID), logging.Error(err))
	} else if removed > 0 {
		d.logger.Info("scheduled tasks removed",
			logging.Int64(logging.FieldUserID, userID),
			logging.Int64("count", removed),
		)
	}
	return purged + cancelled
}

// ScheduleTask persists a deferred download.
func (d *Daemon) ScheduleTask(ctx context.Context, task schedule.Task) (*schedule.Task, error) {
	return d.store.Add(ctx, task)
}

// Stats reports queue, tracker, and schedule occupancy.
func (d *Daemon) Stats(ctx context.Context) (Stats, error) {
	tasks, err := d.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list scheduled tasks: %w", err)
	}
	return Stats{
		Queue:          d.queue.Stats(),
		ActiveSessions: d.tracker.ActiveCount(),
		ScheduledTasks: len(tasks),
	}, nil
}

// Queue exposes the underlying queue for change-notification wiring.
func (d *Daemon) Queue() *queue.Queue {
	return d.queue
}

// Balance reports a user's current credit balance.
func (d *Daemon) Balance(userID int64) int64 {
	return d.ledger.Balance(userID)
}

// process adapts the orchestrator to the queue's processor contract. The
// reservation hand-off happens here: once dispatched, settlement belongs to
// the orchestrator.
func (d *Daemon) process(ctx context.Context, job *queue.Job) error {
	d.dropReservation(job.ID, false)

	outcome := d.orch.Process(ctx, job)
	if outcome.Status != orchestrator.StatusSuccess {
		return outcome.Err
	}
	return nil
}

// enqueueScheduled is the poller's sink: promoted tasks become ordinary jobs.
func (d *Daemon) enqueueScheduled(ctx context.Context, task schedule.Task, sourceURL string) error {
	_, err := d.EnqueueURL(ctx, EnqueueRequest{
		UserID:         task.UserID,
		URL:            sourceURL,
		FormatSelector: task.FormatSelector,
		Priority:       schedulerPriority,
	})
	return err
}

// dropReservation removes the queued-job reservation entry, optionally
// refunding it (refund=false when ownership moves to the orchestrator).
func (d *Daemon) dropReservation(id string, refund bool) {
	d.resMu.Lock()
	res, ok := d.reservations[id]
	if ok {
		delete(d.reservations, id)
	}
	d.resMu.Unlock()

	if ok && refund {
		d.ledger.Refund(res.userID, res.credits)
	}
}

// refundQueuedForUser refunds every reservation still held for the user.
// Called after PurgeByUser, when the remaining entries are exactly the
// queued jobs that were just removed.
func (d *Daemon) refundQueuedForUser(userID int64) {
	d.resMu.Lock()
	var refunds []reservation
	for id, res := range d.reservations {
		if res.userID == userID {
			delete(d.reservations, id)
			refunds = append(refunds, res)
		}
	}
	d.resMu.Unlock()

	for _, res := range refunds {
		d.ledger.Refund(res.userID, res.credits)
	}
}
