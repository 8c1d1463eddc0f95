// Package config loads, normalizes, and validates fetchd configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// FETCHD_RESOLVER_API_KEY. The Config type centralizes every knob the daemon
// and CLI need: queue concurrency, provider fallback order and retry budgets,
// external binary names, and scheduler intervals.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
