// Package proctrack supervises in-flight external operations for fetchd.
//
// Each long-running provider fetch registers a session here before it starts.
// The tracker maps session ids to killable handles, enforces per-operation
// deadlines with a background sweep, and supports forced cancellation by
// session, by originating user, or in bulk at shutdown. A synchronous
// signal-and-forget kill path exists for fatal-error handlers that cannot
// await asynchronous termination.
package proctrack
