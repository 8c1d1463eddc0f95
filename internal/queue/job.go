package queue

import (
	"time"
)

// Job is one requested download unit submitted to the queue. Jobs are
// immutable after enqueue except for their position in the queued set; they
// are discarded once they reach a terminal outcome.
type Job struct {
	ID              string
	UserID          int64
	SourceURL       string
	FormatSelector  string
	Priority        int
	CreatedAt       time.Time
	ReservedCredits int64

	// StatusHandle is an opaque routing token owned by the caller. The core
	// passes it through to status reporters and never interprets it.
	StatusHandle any

	// seq is the arrival sequence number assigned at enqueue. It breaks
	// priority ties deterministically even when CreatedAt timestamps collide.
	seq uint64
}

// Snapshot is a read-only view of a queued job used for change notifications.
type Snapshot struct {
	ID        string
	UserID    int64
	SourceURL string
	Priority  int
	Position  int
}

// Stats reports queue occupancy.
type Stats struct {
	Queued  int
	Running int
}
