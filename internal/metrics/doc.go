// Package metrics exposes the caching engine's Prometheus metrics on a
// private registry.
package metrics
