// Package queue implements the in-memory, priority-aware dispatch queue at
// the heart of fetchd.
//
// The queue admits Job records, bounds how many run concurrently, and hands
// each dispatched job to a registered Processor on its own goroutine. Lower
// priority values dispatch first; ties resolve in arrival order. Observers
// registered through SetOnQueueChange receive debounced, bounded snapshots of
// the queued set after every admission or removal.
package queue
