// Package providers defines the extraction provider contract, the shared
// error taxonomy for outcome classification, and the ordered fallback chain
// that tries each configured backend in turn.
//
// Backends vary in reliability per platform and per moment (rate limits,
// geo-blocks), so the chain walks a deterministic preference list: unsupported
// URLs skip a provider for free, transient failures retry with bounded
// exponential backoff, and only when every provider is exhausted does the
// chain fail, carrying the last concrete error for diagnostics.
package providers
