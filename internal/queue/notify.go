package queue

import (
	"sync"
	"time"

	"fetchd/internal/logging"
)

const (
	defaultNotifyDebounce = 1500 * time.Millisecond
	defaultNotifyPrefix   = 10
)

// changeNotifier delivers debounced queue-change snapshots to a registered
// observer. Only a bounded prefix of the queued set is reported so a deep
// queue cannot flood downstream notification channels.
type changeNotifier struct {
	q *Queue

	mu          sync.Mutex
	listener    func([]Snapshot)
	debounce    time.Duration
	prefixLimit int
	lastFire    time.Time
	timer       *time.Timer
}

func newChangeNotifier(q *Queue) *changeNotifier {
	return &changeNotifier{
		q:           q,
		debounce:    defaultNotifyDebounce,
		prefixLimit: defaultNotifyPrefix,
	}
}

func (n *changeNotifier) configure(debounce time.Duration, prefixLimit int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if debounce > 0 {
		n.debounce = debounce
	}
	if prefixLimit > 0 {
		n.prefixLimit = prefixLimit
	}
}

func (n *changeNotifier) setListener(listener func([]Snapshot)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listener = listener
}

// queueChanged coalesces bursts of changes: the first change fires promptly,
// later ones wait out the remainder of the debounce window and fire once.
func (n *changeNotifier) queueChanged() {
	n.mu.Lock()
	if n.listener == nil {
		n.mu.Unlock()
		return
	}
	if n.timer != nil {
		// A delivery is already scheduled; it will pick up the latest state.
		n.mu.Unlock()
		return
	}
	elapsed := time.Since(n.lastFire)
	if elapsed >= n.debounce {
		n.lastFire = time.Now()
		n.mu.Unlock()
		go n.deliver()
		return
	}
	n.timer = time.AfterFunc(n.debounce-elapsed, func() {
		n.mu.Lock()
		n.timer = nil
		n.lastFire = time.Now()
		n.mu.Unlock()
		n.deliver()
	})
	n.mu.Unlock()
}

func (n *changeNotifier) deliver() {
	n.mu.Lock()
	listener := n.listener
	limit := n.prefixLimit
	n.mu.Unlock()
	if listener == nil {
		return
	}

	n.q.mu.Lock()
	snapshot := n.q.snapshotLocked(limit)
	n.q.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			n.q.logger.Warn("queue change listener panicked", logging.Any("panic", r))
		}
	}()
	listener(snapshot)
}

func (n *changeNotifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}
