package schedule

import "time"

// Task is one deferred download request. Created by a scheduling caller,
// read and deleted by the poller, never mutated in place.
type Task struct {
	ID             int64
	UserID         int64
	SourceURL      string
	ExecuteAt      time.Time
	FormatSelector string

	// PlaylistItems selects 1-based playlist indices to download. Empty
	// means the URL is a single item (or the whole playlist is not wanted).
	PlaylistItems []int

	CreatedAt time.Time
}

// IsPlaylist reports whether the task expands into multiple jobs.
func (t *Task) IsPlaylist() bool {
	return len(t.PlaylistItems) > 0
}
