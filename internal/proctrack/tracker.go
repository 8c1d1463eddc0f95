package proctrack

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fetchd/internal/logging"
)

// State is the lifecycle of one tracked operation. Running transitions to
// exactly one terminal state; Completed is the only state in which the
// operation's own result is trusted.
type State int

const (
	StateRunning State = iota
	StateCompleted
	StateCancelled
	StateTimedOut
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Handle terminates one in-flight external operation. Termination must be
// non-blocking and cooperative; the process is not guaranteed to die
// immediately, so owners still await their operation's completion.
type Handle interface {
	Terminate()
}

// ContextHandle adapts a context cancel function into a Handle. Operations
// launched through exec.CommandContext (or any context-aware client) die when
// their context is cancelled.
type ContextHandle struct {
	cancel context.CancelFunc
}

// NewContextHandle wraps a cancel function.
func NewContextHandle(cancel context.CancelFunc) *ContextHandle {
	return &ContextHandle{cancel: cancel}
}

// Terminate cancels the underlying context.
func (h *ContextHandle) Terminate() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

// ErrDuplicateSession indicates Track was called twice for the same session.
var ErrDuplicateSession = errors.New("session already tracked")

type entry struct {
	sessionID string
	userID    int64
	handle    Handle
	startedAt time.Time
	deadline  time.Time
	state     State
}

// SessionInfo is a read-only view of one tracked operation.
type SessionInfo struct {
	SessionID string
	UserID    int64
	StartedAt time.Time
	Deadline  time.Time
	State     State
}

// Tracker supervises externally spawned operations: it maps session ids to
// killable handles, enforces deadlines, and supports forced cancellation by
// session or by originating user.
//
// Cancellation and timeout mark an entry terminal and fire its handle, but
// the entry stays in the map until the owner observes completion and calls
// Release; that is the await point the orchestrator relies on.
type Tracker struct {
	logger        *slog.Logger
	sweepInterval time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures optional tracker behavior.
type Option func(*Tracker)

// WithLogger attaches a logger for sweep and cancellation diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logging.NewComponentLogger(logger, "proctrack")
		}
	}
}

// WithSweepInterval overrides the deadline sweep cadence (default 1s).
func WithSweepInterval(interval time.Duration) Option {
	return func(t *Tracker) {
		if interval > 0 {
			t.sweepInterval = interval
		}
	}
}

// New constructs a tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		logger:        logging.NewNop(),
		sweepInterval: time.Second,
		entries:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the deadline sweep.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.started = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.sweepLoop(sweepCtx)
}

// Stop halts the deadline sweep. Tracked entries are left untouched; callers
// that want them killed use KillAll first.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	t.started = false
	t.cancel = nil
	t.mu.Unlock()

	cancel()
	t.wg.Wait()
}

// Track registers a running external operation under its session id.
func (t *Tracker) Track(sessionID string, userID int64, handle Handle, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[sessionID]; ok {
		return ErrDuplicateSession
	}
	t.entries[sessionID] = &entry{
		sessionID: sessionID,
		userID:    userID,
		handle:    handle,
		startedAt: time.Now().UTC(),
		deadline:  deadline,
		state:     StateRunning,
	}
	return nil
}

// Cancel requests termination of exactly one operation and reports whether a
// running one was found. The entry stays tracked until its owner calls
// Release; termination is cooperative and may lag.
func (t *Tracker) Cancel(sessionID string) bool {
	return t.terminate(sessionID, StateCancelled)
}

// CancelAllForUser cancels every running operation owned by the user and
// returns the number of operations signalled.
func (t *Tracker) CancelAllForUser(userID int64) int {
	t.mu.Lock()
	var handles []Handle
	for _, e := range t.entries {
		if e.userID == userID && e.state == StateRunning {
			e.state = StateCancelled
			handles = append(handles, e.handle)
		}
	}
	t.mu.Unlock()

	for _, h := range handles {
		t.fireHandle(h)
	}
	return len(handles)
}

// KillAll terminates every tracked operation (shutdown path). Individual
// termination failures are isolated per entry; the call then waits briefly
// for owners to release their entries but does not block indefinitely.
func (t *Tracker) KillAll() {
	t.KillAllSync()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		remaining := len(t.entries)
		t.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// KillAllSync is the non-blocking signal-and-forget variant for fatal-error
// handlers where asynchronous work cannot be awaited. It does not guarantee
// that any process has exited before this function returns.
func (t *Tracker) KillAllSync() {
	t.mu.Lock()
	var handles []Handle
	for _, e := range t.entries {
		if e.state == StateRunning {
			e.state = StateKilled
			handles = append(handles, e.handle)
		}
	}
	t.mu.Unlock()

	for _, h := range handles {
		t.fireHandle(h)
	}
}

// Release removes the session and returns the terminal state that applied:
// StateCompleted when the operation was still running, otherwise the state a
// prior cancellation, timeout, or kill already recorded. Callers invoke this
// exactly once, after their operation's completion notification.
func (t *Tracker) Release(sessionID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if !ok {
		return StateCompleted, false
	}
	delete(t.entries, sessionID)
	if e.state == StateRunning {
		return StateCompleted, true
	}
	return e.state, true
}

// ActiveCount returns the number of tracked sessions.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sessions returns a snapshot of tracked operations.
func (t *Tracker) Sessions() []SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SessionInfo, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, SessionInfo{
			SessionID: e.sessionID,
			UserID:    e.userID,
			StartedAt: e.startedAt,
			Deadline:  e.deadline,
			State:     e.state,
		})
	}
	return out
}

func (t *Tracker) terminate(sessionID string, state State) bool {
	t.mu.Lock()
	e, ok := t.entries[sessionID]
	if !ok || e.state != StateRunning {
		t.mu.Unlock()
		return false
	}
	e.state = state
	handle := e.handle
	t.mu.Unlock()

	t.fireHandle(handle)
	return true
}

// fireHandle invokes a handle's Terminate, isolating panics so one broken
// handle cannot abort a bulk cancellation.
func (t *Tracker) fireHandle(h Handle) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("process handle panicked during terminate", logging.Any("panic", r))
		}
	}()
	h.Terminate()
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	var expired []*entry
	for _, e := range t.entries {
		if e.state == StateRunning && !e.deadline.IsZero() && now.After(e.deadline) {
			e.state = StateTimedOut
			expired = append(expired, e)
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		t.logger.Warn("tracked operation exceeded deadline",
			logging.String(logging.FieldSessionID, e.sessionID),
			logging.Int64(logging.FieldUserID, e.userID),
			logging.Duration("age", now.Sub(e.startedAt)),
		)
		t.fireHandle(e.handle)
	}
}
