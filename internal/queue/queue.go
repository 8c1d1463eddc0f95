package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fetchd/internal/logging"
)

// Processor handles one dispatched job. It must resolve every job to a
// terminal outcome itself; a returned error is logged and the slot freed, but
// nothing is re-raised to the enqueuing caller.
type Processor func(ctx context.Context, job *Job) error

// Queue admits jobs, bounds how many run concurrently, and dispatches the
// lowest-priority-value queued job whenever a running slot frees. Ties within
// a priority dispatch in arrival order. A dispatched job is never preempted.
type Queue struct {
	limit  int
	logger *slog.Logger

	mu        sync.Mutex
	queued    map[string]*Job
	running   map[string]struct{}
	seq       uint64
	processor Processor
	started   bool
	cancel    context.CancelFunc
	runCtx    context.Context
	wg        sync.WaitGroup

	notifier *changeNotifier
}

// Option configures optional queue behavior.
type Option func(*Queue)

// WithLogger attaches a logger used for dispatch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logging.NewComponentLogger(logger, "queue")
		}
	}
}

// WithNotifyPolicy overrides the change-notification debounce interval and
// the bounded snapshot prefix length.
func WithNotifyPolicy(debounce time.Duration, prefixLimit int) Option {
	return func(q *Queue) {
		q.notifier.configure(debounce, prefixLimit)
	}
}

// New constructs a queue with the given concurrency ceiling.
func New(concurrencyLimit int, opts ...Option) *Queue {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}
	q := &Queue{
		limit:   concurrencyLimit,
		logger:  logging.NewNop(),
		queued:  make(map[string]*Job),
		running: make(map[string]struct{}),
	}
	q.notifier = newChangeNotifier(q)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetProcessor registers the dispatch callback. Must be called before Start.
func (q *Queue) SetProcessor(processor Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = processor
}

// SetOnQueueChange registers the queue-change observer. The observer receives
// a bounded snapshot of the queued set after every admission or removal,
// debounced to the configured minimum interval. A panicking observer is
// recovered and logged; it never disturbs dispatch.
func (q *Queue) SetOnQueueChange(listener func([]Snapshot)) {
	q.notifier.setListener(listener)
}

// Start begins dispatching. Jobs may be enqueued before Start; they dispatch
// as soon as slots are available.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	if q.processor == nil {
		q.mu.Unlock()
		return ErrNoProcessor
	}
	q.runCtx, q.cancel = context.WithCancel(ctx)
	q.started = true
	q.dispatchLocked()
	q.mu.Unlock()
	return nil
}

// Stop cancels the dispatch context and waits for in-flight processors to
// return. Queued jobs remain admitted and dispatch again on the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	cancel := q.cancel
	q.started = false
	q.cancel = nil
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
	q.notifier.stop()
}

// Enqueue admits a job. The job id must be unique across the queued and
// running sets.
func (q *Queue) Enqueue(job *Job) error {
	if job == nil {
		return nil
	}
	q.mu.Lock()
	if _, ok := q.queued[job.ID]; ok {
		q.mu.Unlock()
		return ErrDuplicateID
	}
	if _, ok := q.running[job.ID]; ok {
		q.mu.Unlock()
		return ErrDuplicateID
	}
	q.seq++
	job.seq = q.seq
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	q.queued[job.ID] = job
	q.dispatchLocked()
	q.mu.Unlock()

	q.notifier.queueChanged()
	return nil
}

// RemoveByID removes a still-queued job and reports whether it was found.
// Running jobs are not touched; cancelling running work is a process tracker
// concern.
func (q *Queue) RemoveByID(id string) bool {
	q.mu.Lock()
	_, ok := q.queued[id]
	if ok {
		delete(q.queued, id)
	}
	q.mu.Unlock()

	if ok {
		q.notifier.queueChanged()
	}
	return ok
}

// PurgeByUser removes every queued job for the user and returns the count.
func (q *Queue) PurgeByUser(userID int64) int {
	q.mu.Lock()
	removed := 0
	for id, job := range q.queued {
		if job.UserID == userID {
			delete(q.queued, id)
			removed++
		}
	}
	q.mu.Unlock()

	if removed > 0 {
		q.notifier.queueChanged()
	}
	return removed
}

// Stats returns current queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: len(q.queued), Running: len(q.running)}
}

// IsRunning reports whether the job with the given id is currently dispatched.
func (q *Queue) IsRunning(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[id]
	return ok
}

// dispatchLocked fills free running slots with the best queued jobs. Caller
// must hold q.mu.
func (q *Queue) dispatchLocked() {
	if !q.started {
		return
	}
	for len(q.running) < q.limit {
		job := q.selectLocked()
		if job == nil {
			return
		}
		delete(q.queued, job.ID)
		q.running[job.ID] = struct{}{}
		q.wg.Add(1)
		go q.run(job)
	}
}

// selectLocked returns the queued job with the lowest priority value,
// breaking ties by arrival sequence. Caller must hold q.mu.
func (q *Queue) selectLocked() *Job {
	var best *Job
	for _, job := range q.queued {
		if best == nil {
			best = job
			continue
		}
		if job.Priority < best.Priority || (job.Priority == best.Priority && job.seq < best.seq) {
			best = job
		}
	}
	return best
}

func (q *Queue) run(job *Job) {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("processor panicked",
				logging.String(logging.FieldJobID, job.ID),
				logging.Any("panic", r),
			)
		}
		q.mu.Lock()
		delete(q.running, job.ID)
		q.dispatchLocked()
		q.mu.Unlock()
		q.notifier.queueChanged()
	}()

	q.mu.Lock()
	ctx := q.runCtx
	processor := q.processor
	q.mu.Unlock()

	if err := processor(ctx, job); err != nil {
		// The processor owns terminal reporting; this is diagnostics only.
		q.logger.Warn("processor returned error",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int64(logging.FieldUserID, job.UserID),
			logging.Error(err),
		)
	}
}

// snapshotLocked builds the bounded, ordered view of the queued set. Caller
// must hold q.mu.
func (q *Queue) snapshotLocked(limit int) []Snapshot {
	jobs := make([]*Job, 0, len(q.queued))
	for _, job := range q.queued {
		jobs = append(jobs, job)
	}
	sortJobs(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	out := make([]Snapshot, len(jobs))
	for i, job := range jobs {
		out[i] = Snapshot{
			ID:        job.ID,
			UserID:    job.UserID,
			SourceURL: job.SourceURL,
			Priority:  job.Priority,
			Position:  i + 1,
		}
	}
	return out
}

func sortJobs(jobs []*Job) {
	// Insertion sort: the snapshot prefix is small and mostly ordered.
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0; j-- {
			a, b := jobs[j-1], jobs[j]
			if b.Priority < a.Priority || (b.Priority == a.Priority && b.seq < a.seq) {
				jobs[j-1], jobs[j] = b, a
				continue
			}
			break
		}
	}
}
