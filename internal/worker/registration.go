package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/klarinet/klarinet-cache/internal/logging"
)

// Registration owns the active worker and swaps in new versions through
// install, activate and claim.
type Registration struct {
	mu      sync.Mutex
	active  atomic.Pointer[Worker]
	waiting atomic.Pointer[Worker]
	logger  *logrus.Logger
}

// NewRegistration returns an empty registration; every request is bypassed
// until a worker activates.
func NewRegistration(logger *logrus.Logger) *Registration {
	return &Registration{logger: logger}
}

// Active returns the worker currently intercepting requests, or nil.
func (r *Registration) Active() *Worker {
	return r.active.Load()
}

// Waiting returns the worker being installed or waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	return r.waiting.Load()
}

// Handle routes req through the active worker. It returns false when no
// worker is active or the request is bypassed.
func (r *Registration) Handle(req *http.Request) (*Result, bool) {
	w := r.active.Load()
	if w == nil {
		return nil, false
	}
	return w.Handle(req)
}

// Register installs w and, when the install succeeds, activates it and makes
// it the active worker. A failed install leaves the previous worker serving.
// Without skip-waiting, activation waits until the previous worker has no
// request in flight or ctx is done.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	if w == nil {
		return errors.New("worker is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(ctx, w)
}

// register expects r.mu to be held.
func (r *Registration) register(ctx context.Context, w *Worker) error {
	r.waiting.Store(w)
	if err := w.Install(ctx); err != nil {
		r.waiting.Store(nil)
		return err
	}

	previous := r.active.Load()
	if previous != nil && !w.skipWaiting {
		if err := previous.inflight.wait(ctx); err != nil {
			r.waiting.Store(nil)
			w.transition(StateRedundant)
			return err
		}
	}

	evicted, err := w.Activate(ctx)
	fields := logging.WorkerFields(w.version, "", "")
	fields["action"] = "activate"
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("cache_eviction_failed")
	}

	r.active.Store(w)
	r.waiting.Store(nil)
	if previous != nil && previous != w {
		previous.transition(StateRedundant)
		fields["previous_version"] = previous.version
	}
	fields["evicted"] = len(evicted)
	r.logger.WithFields(fields).Info("worker_activated")
	return nil
}

// Update registers w only when its version differs from the active worker.
// It reports whether a new worker was activated. Concurrent updates to the
// same version install it once.
func (r *Registration) Update(ctx context.Context, w *Worker) (bool, error) {
	if w == nil {
		return false, errors.New("worker is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current := r.active.Load(); current != nil && current.version == w.version {
		return false, nil
	}
	if err := r.register(ctx, w); err != nil {
		return false, err
	}
	return true, nil
}

// Unregister drops the active and waiting workers; every request is bypassed
// until the next Register or Update. It returns the worker that was active.
func (r *Registration) Unregister() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting.Store(nil)
	previous := r.active.Swap(nil)
	if previous != nil {
		previous.transition(StateRedundant)
		fields := logging.WorkerFields(previous.version, "", "")
		fields["action"] = "unregister"
		r.logger.WithFields(fields).Info("worker_unregistered")
	}
	return previous
}

// StartUpdater rebuilds and updates the worker every interval until ctx is
// done. A zero interval disables the updater.
func (r *Registration) StartUpdater(ctx context.Context, interval time.Duration, build func() (*Worker, error)) {
	if interval <= 0 || build == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Refresh(ctx, build)
			}
		}
	}()
}

// Refresh builds a worker and updates to it; failures are logged and the
// active worker keeps serving.
func (r *Registration) Refresh(ctx context.Context, build func() (*Worker, error)) {
	fields := logrus.Fields{"action": "update"}
	w, err := build()
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("worker_build_failed")
		return
	}
	if _, err := r.Update(ctx, w); err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("worker_update_failed")
	}
}

// Drain waits for background revalidations of the active worker.
func (r *Registration) Drain(ctx context.Context) error {
	if w := r.active.Load(); w != nil {
		return w.Drain(ctx)
	}
	return nil
}
