package queue

import "errors"

var (
	// ErrDuplicateID indicates an enqueue attempt with an id that is already
	// queued or running.
	ErrDuplicateID = errors.New("duplicate job id")

	// ErrNoProcessor indicates Start was called before SetProcessor.
	ErrNoProcessor = errors.New("queue processor not configured")

	// ErrAlreadyRunning indicates Start was called twice.
	ErrAlreadyRunning = errors.New("queue already running")
)
