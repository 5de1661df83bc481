// Package cache implements the named cache stores consulted by the worker
// strategies. A Storage owns a set of stores addressed by name (the name
// carries the version tag, e.g. klarinet-static-v1); each Store maps a
// normalized request key (method + URL) to the last response written for it.
// Stores are created on Open, entries are overwritten on every Put, and the
// only eviction is deleting a whole store by name during worker activation.
//
// Three drivers are provided: a filesystem layout under StoragePath, a single
// sqlite database file, and an in-memory map used by tests and ephemeral runs.
package cache
