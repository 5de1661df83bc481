package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/klarinet/klarinet-cache/internal/cache"
	"github.com/klarinet/klarinet-cache/internal/server"
	"github.com/klarinet/klarinet-cache/internal/worker"
)

// Options 汇总诊断接口依赖；Metrics 为空时不注册 /-/metrics，
// Storage 为空时不注册 DELETE /-/stores。
type Options struct {
	Registration *worker.Registration
	Origins      *server.OriginRegistry
	Storage      cache.Storage
	Metrics      http.Handler
	Logger       *logrus.Logger
}

// RegisterDiagnostics 暴露 /-/worker、/-/stores、/-/routes、/-/classify 与 /-/metrics 诊断接口，
// 以及清空全部缓存的 DELETE /-/stores。
func RegisterDiagnostics(app *fiber.App, opts Options) {
	if app == nil || opts.Registration == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"active":  encodeWorker(opts.Registration.Active()),
			"waiting": encodeWorker(opts.Registration.Waiting()),
		})
	})

	app.Get("/-/stores", func(c fiber.Ctx) error {
		active := opts.Registration.Active()
		if active == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_worker"})
		}
		stores, err := encodeStores(c.Context(), active.Storage(), active.Stores())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"stores": stores})
	})

	if opts.Storage != nil {
		app.Delete("/-/stores", func(c fiber.Ctx) error {
			// 先注销 worker，避免清理期间有策略继续写入旧 store。
			previous := opts.Registration.Unregister()
			deleted, err := clearStores(c.Context(), opts.Storage)
			payload := fiber.Map{"deleted": deleted}
			if previous != nil {
				payload["unregistered"] = previous.Version()
			}
			if opts.Logger != nil {
				fields := logrus.Fields{"action": "clear_cache", "deleted": len(deleted)}
				if err != nil {
					opts.Logger.WithError(err).WithFields(fields).Warn("cache_clear_failed")
				} else {
					opts.Logger.WithFields(fields).Info("cache_cleared")
				}
			}
			if err != nil {
				payload["error"] = err.Error()
				return c.Status(fiber.StatusInternalServerError).JSON(payload)
			}
			return c.JSON(payload)
		})
	}

	app.Get("/-/routes", func(c fiber.Ctx) error {
		payload := fiber.Map{"origins": encodeOrigins(opts.Origins.List())}
		if active := opts.Registration.Active(); active != nil {
			payload["rules"] = active.Classifier().Rules()
			payload["stores"] = active.Stores()
		}
		return c.JSON(payload)
	})

	app.Get("/-/classify", func(c fiber.Ctx) error {
		active := opts.Registration.Active()
		if active == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_worker"})
		}
		target, err := url.Parse(strings.TrimSpace(c.Query("url")))
		if err != nil || !target.IsAbs() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "absolute_url_required"})
		}
		method := c.Query("method", http.MethodGet)
		return c.JSON(active.Classifier().Classify(method, target))
	})

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}
}

type workerPayload struct {
	Version     string   `json:"version"`
	State       string   `json:"state"`
	StaticStore string   `json:"static_store"`
	CacheStore  string   `json:"cache_store"`
	Precache    []string `json:"precache"`
	InFlight    int      `json:"in_flight"`
}

type storePayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

type originPayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Primary  bool   `json:"primary"`
	Port     int    `json:"port"`
}

func encodeWorker(w *worker.Worker) *workerPayload {
	if w == nil {
		return nil
	}
	stores := w.Stores()
	return &workerPayload{
		Version:     w.Version(),
		State:       string(w.State()),
		StaticStore: stores.Static,
		CacheStore:  stores.Dynamic,
		Precache:    w.Precache(),
		InFlight:    w.InFlight(),
	}
}

func encodeStores(ctx context.Context, storage cache.Storage, current worker.StoreNames) ([]storePayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]storePayload, 0, len(names))
	for _, name := range names {
		store, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, storePayload{
			Name:    name,
			Entries: len(keys),
			Current: name == current.Static || name == current.Dynamic,
		})
	}
	return result, nil
}

// clearStores 删除 Storage 中的全部 store，返回已删除的名称。
func clearStores(ctx context.Context, storage cache.Storage) ([]string, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0, len(names))
	var errs []error
	for _, name := range names {
		ok, err := storage.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete store %s: %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, errors.Join(errs...)
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: route.UpstreamURL.String(),
			Primary:  route.Config.Primary,
			Port:     route.ListenPort,
		})
	}
	return result
}
