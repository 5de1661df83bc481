package worker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/klarinet/klarinet-cache/internal/cache"
	"github.com/klarinet/klarinet-cache/internal/logging"
)

const (
	offlineBody        = "Offline"
	offlineContentType = "text/plain;charset=UTF-8"
	offlineMessage     = "Sin conexión"
)

// OfflineError is the JSON body returned by network-first when neither the
// network nor the dynamic store can answer.
type OfflineError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func offlineResponse() *cache.Response {
	return cache.NewResponse(http.StatusServiceUnavailable, offlineContentType, []byte(offlineBody))
}

func offlineJSONResponse() *cache.Response {
	body, _ := json.Marshal(OfflineError{Status: "error", Message: offlineMessage})
	return cache.NewResponse(http.StatusServiceUnavailable, "application/json", body)
}

// cacheFirst never refreshes a stored entry; it stays until its store is
// evicted on activation.
func (w *Worker) cacheFirst(req *http.Request, route Route) *Result {
	ctx := req.Context()
	key := cache.KeyFor(req)

	if cached := w.match(ctx, route.Store, key); cached != nil {
		return &Result{Response: cached, Source: SourceCache}
	}

	resp, err := w.fetch(req)
	if err != nil {
		w.logOffline(route, key, err)
		return &Result{Response: offlineResponse(), Source: SourceOffline, NetworkErr: err}
	}
	if resp.OK() {
		_ = w.put(context.WithoutCancel(ctx), route.Store, key, resp)
	}
	return &Result{Response: resp, Source: SourceNetwork}
}

func (w *Worker) networkFirst(req *http.Request, route Route) *Result {
	ctx := req.Context()
	key := cache.KeyFor(req)

	resp, err := w.fetch(req)
	if err == nil {
		if resp.OK() {
			_ = w.put(context.WithoutCancel(ctx), route.Store, key, resp)
		}
		return &Result{Response: resp, Source: SourceNetwork}
	}

	if cached := w.match(ctx, route.Store, key); cached != nil {
		return &Result{Response: cached, Source: SourceCache, NetworkErr: err}
	}
	w.logOffline(route, key, err)
	return &Result{Response: offlineJSONResponse(), Source: SourceOffline, NetworkErr: err}
}

type fetchOutcome struct {
	resp *cache.Response
	err  error
}

// staleWhileRevalidate starts the fetch before looking at the store. The
// fetch runs detached from the caller: it always refreshes the store on
// success, whether or not its response is the one returned. Concurrent
// misses for the same key are not coalesced.
func (w *Worker) staleWhileRevalidate(req *http.Request, route Route) *Result {
	ctx := req.Context()
	key := cache.KeyFor(req)

	done := make(chan fetchOutcome, 1)
	background := req.Clone(context.Background())
	w.background.add()
	go func() {
		defer w.background.done()
		done <- w.revalidate(background, route, key)
	}()

	if cached := w.match(ctx, route.Store, key); cached != nil {
		return &Result{Response: cached, Source: SourceCache}
	}

	select {
	case outcome := <-done:
		if outcome.err != nil {
			w.logOffline(route, key, outcome.err)
			return &Result{Response: offlineResponse(), Source: SourceOffline, NetworkErr: outcome.err}
		}
		return &Result{Response: outcome.resp, Source: SourceNetwork}
	case <-ctx.Done():
		return &Result{Response: offlineResponse(), Source: SourceOffline, NetworkErr: ctx.Err()}
	}
}

// revalidate fetches and stores; failures are logged and never propagated.
func (w *Worker) revalidate(req *http.Request, route Route, key cache.Key) fetchOutcome {
	resp, err := w.fetch(req)
	if err != nil {
		w.recorder.ObserveRevalidate(err)
		fields := logging.WorkerFields(w.version, string(route.Strategy), route.Store)
		fields["action"] = "revalidate"
		fields["key"] = key.String()
		w.logger.WithError(err).WithFields(fields).Debug("revalidate_failed")
		return fetchOutcome{err: err}
	}
	if resp.OK() {
		err = w.put(req.Context(), route.Store, key, resp)
	}
	w.recorder.ObserveRevalidate(err)
	return fetchOutcome{resp: resp}
}

func (w *Worker) logOffline(route Route, key cache.Key, err error) {
	fields := logging.WorkerFields(w.version, string(route.Strategy), route.Store)
	fields["action"] = "strategy"
	fields["rule"] = route.Rule
	fields["key"] = key.String()
	w.logger.WithError(err).WithFields(fields).Warn("strategy_offline")
}
