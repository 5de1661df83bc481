// Package server hosts the Fiber HTTP service in front of the caching worker.
// It resolves the Host header to a configured origin, stamps every request
// with an ID, and hands the request to a ProxyHandler. Diagnostics routes
// under /-/ skip origin resolution and are registered by the routes package.
package server
