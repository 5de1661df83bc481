package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/klarinet/klarinet-cache/internal/cache"
	"github.com/klarinet/klarinet-cache/internal/logging"
)

// State is a worker lifecycle state.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrInstallFailed wraps every install failure.
var ErrInstallFailed = errors.New("worker install failed")

// maxPrecacheFetches bounds concurrent manifest fetches.
const maxPrecacheFetches = 4

// Install fetches every manifest URL and writes them into the static store.
// Either all entries are stored or none are: any fetch failure or non-OK
// status fails the install before anything is written, and a failed write
// rolls back the entries already stored.
func (w *Worker) Install(ctx context.Context) error {
	w.transition(StateInstalling)

	responses := make([]*cache.Response, len(w.precache))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxPrecacheFetches)
	for i, target := range w.precache {
		group.Go(func() error {
			req, err := http.NewRequestWithContext(groupCtx, http.MethodGet, target.String(), nil)
			if err != nil {
				return err
			}
			resp, err := w.fetch(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return w.failInstall(err)
	}

	store, err := w.storage.Open(ctx, w.stores.Static)
	if err != nil {
		return w.failInstall(err)
	}
	written := make([]cache.Key, 0, len(w.precache))
	for i, target := range w.precache {
		key := cache.NewKey(http.MethodGet, target)
		resp := responses[i].Clone()
		resp.StoredAt = w.now().UTC()
		if err := store.Put(ctx, key, resp); err != nil {
			w.rollback(store, written)
			return w.failInstall(fmt.Errorf("store %s: %w", target, err))
		}
		written = append(written, key)
	}

	w.transition(StateInstalled)
	fields := logging.WorkerFields(w.version, "", w.stores.Static)
	fields["action"] = "install"
	fields["precached"] = len(written)
	w.logger.WithFields(fields).Info("worker_installed")
	return nil
}

func (w *Worker) failInstall(err error) error {
	w.transition(StateRedundant)
	fields := logging.WorkerFields(w.version, "", w.stores.Static)
	fields["action"] = "install"
	w.logger.WithError(err).WithFields(fields).Error("worker_install_failed")
	return fmt.Errorf("%w: %v", ErrInstallFailed, err)
}

func (w *Worker) rollback(store cache.Store, keys []cache.Key) {
	ctx := context.Background()
	for _, key := range keys {
		if _, err := store.Delete(ctx, key); err != nil {
			w.logStoreError(err, "precache_rollback_failed", store.Name(), key)
		}
	}
}

// Activate deletes every store whose name is not current and returns the
// deleted names. Running it again finds nothing to delete.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	w.transition(StateActivating)

	names, err := w.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if w.stores.contains(name) {
			continue
		}
		ok, err := w.storage.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete store %s: %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
			w.recorder.ObserveEviction(name)
			fields := logging.WorkerFields(w.version, "", name)
			fields["action"] = "activate"
			w.logger.WithFields(fields).Info("cache_store_evicted")
		}
	}

	w.transition(StateActivated)
	return deleted, errors.Join(errs...)
}

func (w *Worker) transition(state State) {
	w.setState(state)
	w.recorder.ObserveLifecycle(state)
}
