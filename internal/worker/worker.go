package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/klarinet/klarinet-cache/internal/cache"
	"github.com/klarinet/klarinet-cache/internal/logging"
)

// Fetcher performs the real network request. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Source says where the response handed back to the caller came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Result is what a worker answers an intercepted request with.
type Result struct {
	Response *cache.Response
	Route    Route
	Source   Source
	// NetworkErr is the fetch failure that led to a cache or offline answer.
	NetworkErr error
	Elapsed    time.Duration
}

// Options describes one worker version.
type Options struct {
	Stores      StoreNames
	Rules       Rules
	Precache    []string
	Origin      *url.URL
	SkipWaiting bool

	Storage  cache.Storage
	Fetcher  Fetcher
	Logger   *logrus.Logger
	Recorder Recorder
}

// Worker is one immutable version of the caching engine.
type Worker struct {
	version     string
	stores      StoreNames
	classifier  *Classifier
	precache    []*url.URL
	skipWaiting bool

	storage  cache.Storage
	fetcher  Fetcher
	logger   *logrus.Logger
	recorder Recorder

	state      atomic.Value
	inflight   tracker
	background tracker
	now        func() time.Time
}

// New validates the options and returns a worker in the parsed state.
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cache.ValidateStoreName(opts.Stores.Static); err != nil {
		return nil, fmt.Errorf("static store: %w", err)
	}
	if err := cache.ValidateStoreName(opts.Stores.Dynamic); err != nil {
		return nil, fmt.Errorf("dynamic store: %w", err)
	}
	if opts.Stores.Static == opts.Stores.Dynamic {
		return nil, fmt.Errorf("static and dynamic stores must differ: %s", opts.Stores.Static)
	}

	precache, err := resolveManifest(opts.Origin, opts.Precache)
	if err != nil {
		return nil, err
	}

	recorder := opts.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}

	w := &Worker{
		version:     fingerprint(opts.Stores, opts.Rules, precache),
		stores:      opts.Stores,
		classifier:  NewClassifier(opts.Rules, opts.Stores),
		precache:    precache,
		skipWaiting: opts.SkipWaiting,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		logger:      opts.Logger,
		recorder:    recorder,
		now:         time.Now,
	}
	w.setState(StateParsed)
	return w, nil
}

// Version identifies the worker definition; two workers built from the same
// stores, rules and manifest share a version.
func (w *Worker) Version() string {
	return w.version
}

// Stores returns the worker's current store names.
func (w *Worker) Stores() StoreNames {
	return w.stores
}

// Classifier exposes the worker's routing rules.
func (w *Worker) Classifier() *Classifier {
	return w.classifier
}

// Precache returns the resolved manifest URLs.
func (w *Worker) Precache() []string {
	out := make([]string, len(w.precache))
	for i, u := range w.precache {
		out[i] = u.String()
	}
	return out
}

// Storage returns the cache storage backing the worker.
func (w *Worker) Storage() cache.Storage {
	return w.storage
}

// InFlight reports how many intercepted requests are currently being served.
func (w *Worker) InFlight() int {
	return w.inflight.len()
}

// Drain blocks until every background revalidation has finished.
func (w *Worker) Drain(ctx context.Context) error {
	return w.background.wait(ctx)
}

// Handle classifies req and, unless it is bypassed, answers it with exactly
// one Result. The second return value is false for bypassed requests, which
// the caller must forward to the network untouched.
func (w *Worker) Handle(req *http.Request) (*Result, bool) {
	route := w.classifier.Classify(req.Method, req.URL)
	if route.Bypass() {
		return nil, false
	}

	w.inflight.add()
	defer w.inflight.done()

	started := w.now()
	var result *Result
	switch route.Strategy {
	case StrategyCacheFirst:
		result = w.cacheFirst(req, route)
	case StrategyNetworkFirst:
		result = w.networkFirst(req, route)
	default:
		result = w.staleWhileRevalidate(req, route)
	}
	result.Route = route
	result.Elapsed = w.now().Sub(started)
	w.recorder.ObserveStrategy(route.Strategy, result.Source, result.Elapsed)
	return result, true
}

func (w *Worker) fetch(req *http.Request) (*cache.Response, error) {
	resp, err := w.fetcher.Do(req)
	if err != nil {
		w.recorder.ObserveFetch(FetchError)
		return nil, err
	}
	out, err := cache.ReadResponse(resp)
	if err != nil {
		w.recorder.ObserveFetch(FetchError)
		return nil, err
	}
	if out.URL == "" && req.URL != nil {
		out.URL = req.URL.String()
	}
	if out.OK() {
		w.recorder.ObserveFetch(FetchOK)
	} else {
		w.recorder.ObserveFetch(FetchNotOK)
	}
	return out, nil
}

// match looks in storeName first and then in the worker's other current
// store, so precached entries answer any strategy. Every storage failure is
// treated as a miss.
func (w *Worker) match(ctx context.Context, storeName string, key cache.Key) *cache.Response {
	for _, name := range w.lookupOrder(storeName) {
		if resp := w.matchStore(ctx, name, key); resp != nil {
			return resp
		}
	}
	return nil
}

func (w *Worker) lookupOrder(storeName string) []string {
	order := []string{storeName}
	for _, name := range w.stores.List() {
		if name != storeName {
			order = append(order, name)
		}
	}
	return order
}

func (w *Worker) matchStore(ctx context.Context, storeName string, key cache.Key) *cache.Response {
	exists, err := w.storage.Has(ctx, storeName)
	if err != nil {
		w.logStoreError(err, "cache_match_failed", storeName, key)
		return nil
	}
	if !exists {
		return nil
	}
	store, err := w.storage.Open(ctx, storeName)
	if err != nil {
		w.logStoreError(err, "cache_match_failed", storeName, key)
		return nil
	}
	resp, err := store.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logStoreError(err, "cache_match_failed", storeName, key)
		}
		return nil
	}
	return resp
}

func (w *Worker) put(ctx context.Context, storeName string, key cache.Key, resp *cache.Response) error {
	store, err := w.storage.Open(ctx, storeName)
	if err != nil {
		w.logStoreError(err, "cache_put_failed", storeName, key)
		return err
	}
	clone := resp.Clone()
	clone.StoredAt = w.now().UTC()
	if err := store.Put(ctx, key, clone); err != nil {
		w.logStoreError(err, "cache_put_failed", storeName, key)
		return err
	}
	return nil
}

func (w *Worker) logStoreError(err error, event, storeName string, key cache.Key) {
	fields := logging.WorkerFields(w.version, "", storeName)
	fields["action"] = "cache"
	fields["key"] = key.String()
	w.logger.WithError(err).WithFields(fields).Warn(event)
}

func (w *Worker) setState(state State) {
	w.state.Store(state)
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	if state, ok := w.state.Load().(State); ok {
		return state
	}
	return StateParsed
}

func resolveManifest(origin *url.URL, entries []string) ([]*url.URL, error) {
	resolved := make([]*url.URL, 0, len(entries))
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid precache entry %q: %w", raw, err)
		}
		if !ref.IsAbs() {
			if origin == nil {
				return nil, fmt.Errorf("precache entry %q needs an origin", raw)
			}
			ref = origin.ResolveReference(ref)
		}
		resolved = append(resolved, ref)
	}
	return resolved, nil
}

func fingerprint(stores StoreNames, rules Rules, precache []*url.URL) string {
	urls := make([]string, len(precache))
	for i, u := range precache {
		urls[i] = u.String()
	}
	payload, _ := json.Marshal(struct {
		Stores   StoreNames `json:"stores"`
		Rules    Rules      `json:"rules"`
		Precache []string   `json:"precache"`
	}{stores, rules, urls})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:6])
}
