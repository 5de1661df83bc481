// Package worker is the offline caching engine. A Worker classifies each
// intercepted request (method, scheme, hostname, path) and answers it with one
// of three strategies backed by two named cache stores:
//
//   - cache-first: serve the stored copy, otherwise fetch once and store it;
//   - network-first: prefer the network, fall back to the last stored copy,
//     then to a synthesized 503 JSON error;
//   - stale-while-revalidate: serve the stored copy immediately while a
//     detached fetch refreshes the store.
//
// Non-GET and non-http(s) requests are bypassed and never touch the stores.
//
// Workers go through install (precache the manifest into the static store,
// all-or-nothing) and activate (delete every store whose name is no longer
// current). A Registration owns the active worker, installs replacements and
// claims traffic for them once activated; a failed install leaves the previous
// worker serving.
package worker
