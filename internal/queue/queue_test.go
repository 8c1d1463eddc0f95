package queue_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fetchd/internal/queue"
)

func newJob(id string, userID int64, priority int) *queue.Job {
	return &queue.Job{
		ID:        id,
		UserID:    userID,
		SourceURL: "https://example.com/watch?v=" + id,
		Priority:  priority,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	q := queue.New(1)
	if err := q.Enqueue(newJob("a", 1, 0)); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := q.Enqueue(newJob("a", 2, 5)); err != queue.ErrDuplicateID {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestStartRequiresProcessor(t *testing.T) {
	q := queue.New(1)
	if err := q.Start(context.Background()); err != queue.ErrNoProcessor {
		t.Fatalf("expected ErrNoProcessor, got %v", err)
	}
}

func TestRunningNeverExceedsLimit(t *testing.T) {
	const limit = 2
	const jobs = 6

	q := queue.New(limit)
	var active, peak atomic.Int32
	done := make(chan struct{}, jobs)
	q.SetProcessor(func(ctx context.Context, job *queue.Job) error {
		current := active.Add(1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		done <- struct{}{}
		return nil
	})

	for i := 0; i < jobs; i++ {
		if err := q.Enqueue(newJob(fmt.Sprintf("job-%d", i), 1, 0)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Stop()

	for i := 0; i < jobs; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	if got := peak.Load(); got > limit {
		t.Fatalf("running exceeded limit: peak %d > %d", got, limit)
	}
}

func TestDispatchOrderByPriorityThenArrival(t *testing.T) {
	q := queue.New(1)
	order := make(chan string, 4)
	q.SetProcessor(func(ctx context.Context, job *queue.Job) error {
		order <- job.ID
		return nil
	})

	// Priorities 2,1,1,3 enqueued in that order must dispatch 1,1,2,3 with
	// the two priority-1 jobs in arrival order.
	for _, spec := range []struct {
		id       string
		priority int
	}{
		{"p2", 2}, {"p1-first", 1}, {"p1-second", 1}, {"p3", 3},
	} {
		if err := q.Enqueue(newJob(spec.id, 1, spec.priority)); err != nil {
			t.Fatalf("enqueue %s failed: %v", spec.id, err)
		}
	}

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Stop()

	want := []string{"p1-first", "p1-second", "p2", "p3"}
	for i, expected := range want {
		select {
		case got := <-order:
			if got != expected {
				t.Fatalf("dispatch %d: expected %s, got %s", i, expected, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d", i)
		}
	}
}

func TestRemoveByIDQueuedJobNeverDispatches(t *testing.T) {
	q := queue.New(1)
	release := make(chan struct{})
	var dispatched sync.Map
	q.SetProcessor(func(ctx context.Context, job *queue.Job) error {
		dispatched.Store(job.ID, true)
		<-release
		return nil
	})

	if err := q.Enqueue(newJob("blocker", 1, 0)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(newJob("victim", 1, 1)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return q.IsRunning("blocker") })

	if !q.RemoveByID("victim") {
		t.Fatal("expected RemoveByID to find queued job")
	}
	if q.RemoveByID("blocker") {
		t.Fatal("RemoveByID must not touch a running job")
	}
	if q.RemoveByID("unknown") {
		t.Fatal("RemoveByID on unknown id should return false")
	}

	close(release)
	q.Stop()

	if _, ok := dispatched.Load("victim"); ok {
		t.Fatal("removed job must never dispatch")
	}
}

func TestPurgeByUserLeavesRunningJobs(t *testing.T) {
	q := queue.New(1)
	release := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, job *queue.Job) error {
		<-release
		return nil
	})

	if err := q.Enqueue(newJob("running", 7, 0)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return q.IsRunning("running") })

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(newJob(fmt.Sprintf("u7-%d", i), 7, 1)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if err := q.Enqueue(newJob("other-user", 9, 1)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if removed := q.PurgeByUser(7); removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	stats := q.Stats()
	if stats.Queued != 1 {
		t.Fatalf("expected 1 queued job left, got %d", stats.Queued)
	}
	if stats.Running != 1 {
		t.Fatalf("running job should be untouched, got %d running", stats.Running)
	}

	close(release)
	q.Stop()
}

func TestQueueChangeNotificationsBoundedAndDebounced(t *testing.T) {
	q := queue.New(1, queue.WithNotifyPolicy(20*time.Millisecond, 2))

	var mu sync.Mutex
	var calls int
	var last []queue.Snapshot
	q.SetOnQueueChange(func(snapshot []queue.Snapshot) {
		mu.Lock()
		calls++
		last = snapshot
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(newJob(fmt.Sprintf("n-%d", i), 1, i)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2 && last[0].ID == "n-0" && last[1].ID == "n-1"
	})

	mu.Lock()
	if calls >= 5 {
		t.Fatalf("expected debounced notifications, got %d calls for 5 changes", calls)
	}
	if last[0].Position != 1 || last[1].Position != 2 {
		t.Fatalf("unexpected positions: %+v", last)
	}
	mu.Unlock()
}

func TestQueueChangeListenerPanicIsolated(t *testing.T) {
	q := queue.New(1, queue.WithNotifyPolicy(5*time.Millisecond, 10))
	q.SetOnQueueChange(func([]queue.Snapshot) {
		panic("listener boom")
	})

	if err := q.Enqueue(newJob("a", 1, 0)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	// Queue must still be operational after the listener panic.
	if err := q.Enqueue(newJob("b", 1, 0)); err != nil {
		t.Fatalf("enqueue after panic failed: %v", err)
	}
	if stats := q.Stats(); stats.Queued != 2 {
		t.Fatalf("expected 2 queued, got %d", stats.Queued)
	}
}

func TestProcessorPanicFreesSlot(t *testing.T) {
	q := queue.New(1)
	done := make(chan string, 2)
	q.SetProcessor(func(ctx context.Context, job *queue.Job) error {
		if job.ID == "bad" {
			panic("processor boom")
		}
		done <- job.ID
		return nil
	})

	if err := q.Enqueue(newJob("bad", 1, 0)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(newJob("good", 1, 1)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Stop()

	select {
	case id := <-done:
		if id != "good" {
			t.Fatalf("expected good job to run, got %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("slot was not freed after processor panic")
	}
}
