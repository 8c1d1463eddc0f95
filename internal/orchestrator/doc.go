// Package orchestrator turns a queued job into a terminal outcome. It probes
// the provider chain for metadata, registers the fetch with the process
// tracker, throttles progress reporting, hands successful downloads to the
// upload collaborator, and settles the job's credit reservation exactly once.
package orchestrator
