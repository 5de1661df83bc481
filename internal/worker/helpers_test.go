package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/klarinet/klarinet-cache/internal/cache"
)

var errNetworkDown = errors.New("network down")

// fakeFetcher answers every request with "<url>#<n>" where n counts calls to
// that URL. It can be switched offline or blocked behind a gate.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	status  map[string]int
	offline bool
	gate    chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}, status: map[string]int{}}
}

func (f *fakeFetcher) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	target := req.URL.String()
	f.calls[target]++
	if f.offline {
		return nil, errNetworkDown
	}
	status := http.StatusOK
	if code, ok := f.status[target]; ok {
		status = code
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(fmt.Sprintf("%s#%d", target, f.calls[target]))),
		Request:    req,
	}, nil
}

func (f *fakeFetcher) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *fakeFetcher) setStatus(target string, status int) {
	f.mu.Lock()
	f.status[target] = status
	f.mu.Unlock()
}

// block holds every subsequent fetch until the returned channel is closed.
func (f *fakeFetcher) block() chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	return gate
}

func (f *fakeFetcher) unblock() {
	f.mu.Lock()
	f.gate = nil
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

type recordingRecorder struct {
	NopRecorder

	mu        sync.Mutex
	evictions []string
	states    []State
}

func (r *recordingRecorder) ObserveEviction(store string) {
	r.mu.Lock()
	r.evictions = append(r.evictions, store)
	r.mu.Unlock()
}

func (r *recordingRecorder) ObserveLifecycle(state State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

const testOrigin = "https://klarinet.local"

var testPrecache = []string{"/", "/manifest.json", "/icons/icon-192x192.png"}

func newTestWorker(t *testing.T, storage cache.Storage, fetcher Fetcher, mutate func(*Options)) *Worker {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	opts := Options{
		Stores:      StoreNamesFor("klarinet", "v1", "v1"),
		Rules:       DefaultRules(),
		Precache:    testPrecache,
		Origin:      origin,
		SkipWaiting: true,
		Storage:     storage,
		Fetcher:     fetcher,
		Logger:      testLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func newRequest(method, target string) *http.Request {
	return httptest.NewRequest(method, target, nil)
}

func mustHandle(t *testing.T, w *Worker, req *http.Request) *Result {
	t.Helper()
	result, handled := w.Handle(req)
	if !handled {
		t.Fatalf("request %s %s was bypassed", req.Method, req.URL)
	}
	return result
}

func storedBody(t *testing.T, storage cache.Storage, storeName, target string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	exists, err := storage.Has(ctx, storeName)
	if err != nil {
		t.Fatalf("has %s: %v", storeName, err)
	}
	if !exists {
		return "", false
	}
	store, err := storage.Open(ctx, storeName)
	if err != nil {
		t.Fatalf("open %s: %v", storeName, err)
	}
	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse %s: %v", target, err)
	}
	resp, err := store.Match(ctx, cache.NewKey(http.MethodGet, u))
	if errors.Is(err, cache.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("match %s: %v", target, err)
	}
	return string(resp.Body), true
}

func drain(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}
