package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/klarinet/klarinet-cache/internal/cache"
)

const (
	thumbnailURL = "https://i.ytimg.com/vi/abc/hqdefault.jpg"
	apiURL       = "https://klarinet.local/api/search?q=jazz"
	pageURL      = "https://klarinet.local/player"
	iconURL      = "https://klarinet.local/icons/play.svg"
)

func TestCacheFirstStoresAndServesWithoutNetwork(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newFakeFetcher()
	w := newTestWorker(t, storage, fetcher, nil)

	first := mustHandle(t, w, newRequest(http.MethodGet, thumbnailURL))
	if first.Source != SourceNetwork || first.Route.Strategy != StrategyCacheFirst {
		t.Fatalf("first request should come from network via cache-first: %+v", first)
	}
	if body, ok := storedBody(t, storage, w.Stores().Dynamic, thumbnailURL); !ok || body != thumbnailURL+"#1" {
		t.Fatalf("thumbnail should be stored in dynamic store, got %q %v", body, ok)
	}

	fetcher.setOffline(true)
	second := mustHandle(t, w, newRequest(http.MethodGet, thumbnailURL))
	if second.Source != SourceCache || string(second.Response.Body) != thumbnailURL+"#1" {
		t.Fatalf("second request should be served from cache: %+v", second)
	}
	if calls := fetcher.callCount(thumbnailURL); calls != 1 {
		t.Fatalf("cache hit must not touch the network, calls=%d", calls)
	}
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newFakeFetcher()
	fetcher.setStatus(iconURL, http.StatusNotFound)
	w := newTestWorker(t, storage, fetcher, nil)

	result := mustHandle(t, w, newRequest(http.MethodGet, iconURL))
	if result.Response.StatusCode != http.StatusNotFound || result.Source != SourceNetwork {
		t.Fatalf("404 should be passed through: %+v", result)
	}
	if _, ok := storedBody(t, storage, w.Stores().Static, iconURL); ok {
		t.Fatalf("non-OK responses must not be stored")
	}

	mustHandle(t, w, newRequest(http.MethodGet, iconURL))
	if calls := fetcher.callCount(iconURL); calls != 2 {
		t.Fatalf("uncached asset should be fetched again, calls=%d", calls)
	}
}

func TestCacheFirstOfflineMiss(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.setOffline(true)
	w := newTestWorker(t, cache.NewMemoryStorage(), fetcher, nil)

	result := mustHandle(t, w, newRequest(http.MethodGet, iconURL))
	if result.Source != SourceOffline || result.Response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected offline 503, got %+v", result)
	}
	if string(result.Response.Body) != "Offline" {
		t.Fatalf("unexpected offline body %q", result.Response.Body)
	}
	if !errors.Is(result.NetworkErr, errNetworkDown) {
		t.Fatalf("network error should be reported, got %v", result.NetworkErr)
	}
}

func TestNetworkFirstPrefersNetworkAndFallsBack(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newFakeFetcher()
	w := newTestWorker(t, storage, fetcher, nil)

	first := mustHandle(t, w, newRequest(http.MethodGet, apiURL))
	if first.Source != SourceNetwork || string(first.Response.Body) != apiURL+"#1" {
		t.Fatalf("api should come from network: %+v", first)
	}
	second := mustHandle(t, w, newRequest(http.MethodGet, apiURL))
	if string(second.Response.Body) != apiURL+"#2" {
		t.Fatalf("network-first must refetch while online, got %q", second.Response.Body)
	}

	fetcher.setOffline(true)
	offline := mustHandle(t, w, newRequest(http.MethodGet, apiURL))
	if offline.Source != SourceCache || string(offline.Response.Body) != apiURL+"#2" {
		t.Fatalf("offline api should fall back to latest stored copy: %+v", offline)
	}
	if offline.NetworkErr == nil {
		t.Fatalf("fallback should carry the network error")
	}
}

func TestNetworkFirstOfflineMissReturnsJSON(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.setOffline(true)
	w := newTestWorker(t, cache.NewMemoryStorage(), fetcher, nil)

	result := mustHandle(t, w, newRequest(http.MethodGet, apiURL))
	if result.Source != SourceOffline || result.Response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected offline 503, got %+v", result)
	}
	if ct := result.Response.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var payload OfflineError
	if err := json.Unmarshal(result.Response.Body, &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Status != "error" || payload.Message != "Sin conexión" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestNetworkFirstPassesServerErrorsWithoutFallback(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newFakeFetcher()
	w := newTestWorker(t, storage, fetcher, nil)

	mustHandle(t, w, newRequest(http.MethodGet, apiURL))
	fetcher.setStatus(apiURL, http.StatusInternalServerError)

	result := mustHandle(t, w, newRequest(http.MethodGet, apiURL))
	if result.Response.StatusCode != http.StatusInternalServerError || result.Source != SourceNetwork {
		t.Fatalf("a reachable network answer is returned as-is: %+v", result)
	}
	if body, _ := storedBody(t, storage, w.Stores().Dynamic, apiURL); body != apiURL+"#1" {
		t.Fatalf("error response must not overwrite stored copy, got %q", body)
	}
}

func TestStaleWhileRevalidateServesCacheAndRefreshes(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newFakeFetcher()
	w := newTestWorker(t, storage, fetcher, nil)

	first := mustHandle(t, w, newRequest(http.MethodGet, pageURL))
	if first.Source != SourceNetwork || string(first.Response.Body) != pageURL+"#1" {
		t.Fatalf("miss should wait for the network: %+v", first)
	}
	drain(t, w)

	gate := fetcher.block()
	second := mustHandle(t, w, newRequest(http.MethodGet, pageURL))
	if second.Source != SourceCache || string(second.Response.Body) != pageURL+"#1" {
		t.Fatalf("hit should be served immediately from cache: %+v", second)
	}

	close(gate)
	drain(t, w)
	if body, _ := storedBody(t, storage, w.Stores().Dynamic, pageURL); body != pageURL+"#2" {
		t.Fatalf("background fetch should refresh the store, got %q", body)
	}
}

func TestStaleWhileRevalidateOffline(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newFakeFetcher()
	w := newTestWorker(t, storage, fetcher, nil)

	mustHandle(t, w, newRequest(http.MethodGet, pageURL))
	drain(t, w)

	fetcher.setOffline(true)
	hit := mustHandle(t, w, newRequest(http.MethodGet, pageURL))
	if hit.Source != SourceCache || string(hit.Response.Body) != pageURL+"#1" {
		t.Fatalf("offline hit should serve cache: %+v", hit)
	}
	drain(t, w)

	miss := mustHandle(t, w, newRequest(http.MethodGet, "https://klarinet.local/never-seen"))
	if miss.Source != SourceOffline || string(miss.Response.Body) != "Offline" {
		t.Fatalf("offline miss should synthesize Offline: %+v", miss)
	}
	drain(t, w)
}

func TestStaleWhileRevalidateCallerCancelDoesNotStopRefresh(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newFakeFetcher()
	w := newTestWorker(t, storage, fetcher, nil)

	gate := fetcher.block()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := newRequest(http.MethodGet, pageURL).WithContext(ctx)

	result := mustHandle(t, w, req)
	if result.Source != SourceOffline || !errors.Is(result.NetworkErr, context.Canceled) {
		t.Fatalf("cancelled miss should give up: %+v", result)
	}

	close(gate)
	drain(t, w)
	if body, ok := storedBody(t, storage, w.Stores().Dynamic, pageURL); !ok || body != pageURL+"#1" {
		t.Fatalf("detached fetch should still store the response, got %q %v", body, ok)
	}
}

func TestNonGetRequestsAreBypassed(t *testing.T) {
	fetcher := newFakeFetcher()
	w := newTestWorker(t, cache.NewMemoryStorage(), fetcher, nil)

	if _, handled := w.Handle(newRequest(http.MethodPost, apiURL)); handled {
		t.Fatalf("POST must be bypassed")
	}
	if calls := fetcher.callCount(apiURL); calls != 0 {
		t.Fatalf("bypassed requests are not fetched by the worker, calls=%d", calls)
	}
	if w.InFlight() != 0 {
		t.Fatalf("bypassed requests are not tracked")
	}
}

func TestStaleWhileRevalidateServesPrecachedShellOffline(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newFakeFetcher()
	w := newTestWorker(t, storage, fetcher, nil)
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	fetcher.setOffline(true)
	root := testOrigin + "/"
	result := mustHandle(t, w, newRequest(http.MethodGet, root))
	if result.Route.Strategy != StrategyStaleWhileRevalidate || result.Route.Store != w.Stores().Dynamic {
		t.Fatalf("root document should be routed to the dynamic store: %+v", result.Route)
	}
	if result.Source != SourceCache || string(result.Response.Body) != root+"#1" {
		t.Fatalf("precached root should be served from the static store: %+v", result)
	}
	drain(t, w)

	if _, ok := storedBody(t, storage, w.Stores().Dynamic, root); ok {
		t.Fatalf("a lookup must not copy entries between stores")
	}
}

func TestNamedStoreTakesPrecedence(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newFakeFetcher()
	w := newTestWorker(t, storage, fetcher, nil)
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	root := testOrigin + "/"
	mustHandle(t, w, newRequest(http.MethodGet, root))
	drain(t, w)
	if body, ok := storedBody(t, storage, w.Stores().Dynamic, root); !ok || body != root+"#2" {
		t.Fatalf("revalidation should write into the dynamic store, got %q %v", body, ok)
	}

	fetcher.setOffline(true)
	result := mustHandle(t, w, newRequest(http.MethodGet, root))
	if string(result.Response.Body) != root+"#2" {
		t.Fatalf("the route's own store should win over the static copy, got %q", result.Response.Body)
	}
	drain(t, w)
}
