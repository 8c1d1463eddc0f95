// Package daemon wires the download subsystem together: the priority queue,
// the provider fallback chain, the process tracker, the credit ledger, and
// the scheduled-task poller. A flock file in the log directory enforces
// single-instance execution.
package daemon
