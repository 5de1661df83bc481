package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/klarinet/klarinet-cache/internal/cache"
	"github.com/klarinet/klarinet-cache/internal/config"
	"github.com/klarinet/klarinet-cache/internal/metrics"
	"github.com/klarinet/klarinet-cache/internal/proxy"
	"github.com/klarinet/klarinet-cache/internal/server"
	"github.com/klarinet/klarinet-cache/internal/server/routes"
	"github.com/klarinet/klarinet-cache/internal/worker"
)

const testConfigTemplate = `
ListenPort = 5000
LogLevel = "debug"
StoragePath = %q
CacheDriver = %q
DynamicVersion = %q
Precache = ["/", "/manifest.json"]

[[Origin]]
Name = "web"
Domain = "klarinet.local"
Upstream = "http://klarinet.example.com"
Primary = true

[[Origin]]
Name = "thumbs"
Domain = "thumbs.klarinet.local"
Upstream = "http://i.ytimg.com"

[[Origin]]
Name = "api"
Domain = "api.klarinet.local"
Upstream = "http://api.yhimsical.com"
`

type harness struct {
	t            *testing.T
	stub         *originStub
	cfg          *config.Config
	storage      cache.Storage
	client       *http.Client
	registry     *server.OriginRegistry
	registration *worker.Registration
	collector    *metrics.Collector
	logger       *logrus.Logger
	app          *fiber.App
}

func newHarness(t *testing.T, driver string) *harness {
	t.Helper()
	return newHarnessWithStub(t, driver, newOriginStub(t))
}

func newHarnessWithStub(t *testing.T, driver string, stub *originStub) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := loadConfig(t, dir, driver, "v1")

	storage, err := cache.NewStorage(cfg.Global.CacheDriver, cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	collector, err := metrics.NewCollector()
	if err != nil {
		t.Fatalf("collector error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client := server.NewUpstreamClient(cfg)
	client.Transport = stub.transport()

	registration := worker.NewRegistration(logger)
	handler := proxy.NewHandler(client, logger, registration, collector)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterDiagnostics(app, routes.Options{
		Registration: registration,
		Origins:      registry,
		Storage:      storage,
		Metrics:      collector.Handler(),
		Logger:       logger,
	})

	h := &harness{
		t:            t,
		stub:         stub,
		cfg:          cfg,
		storage:      storage,
		client:       client,
		registry:     registry,
		registration: registration,
		collector:    collector,
		logger:       logger,
		app:          app,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registration.Drain(ctx)
	})
	return h
}

func loadConfig(t *testing.T, dir, driver, dynamicVersion string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(testConfigTemplate, filepath.Join(dir, "storage"), driver, dynamicVersion)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

// buildWorker 按配置构建 worker，precache 相对于主 origin 解析。
func (h *harness) buildWorker(cfg *config.Config) *worker.Worker {
	h.t.Helper()
	primary, ok := h.registry.Primary()
	if !ok {
		h.t.Fatalf("primary origin missing")
	}
	g := cfg.Global
	w, err := worker.New(worker.Options{
		Stores: worker.StoreNamesFor(g.CachePrefix, g.StaticVersion, g.DynamicVersion),
		Rules: worker.Rules{
			APIPrefix:        g.APIPrefix,
			APIHosts:         g.APIHosts,
			ThumbnailHosts:   g.ThumbnailHosts,
			StaticPrefix:     g.StaticPrefix,
			IconsPrefix:      g.IconsPrefix,
			StaticExtensions: g.StaticExtensions,
		},
		Precache:    g.Precache,
		Origin:      primary.UpstreamURL,
		SkipWaiting: g.SkipWaiting,
		Storage:     h.storage,
		Fetcher:     h.client,
		Logger:      h.logger,
		Recorder:    h.collector,
	})
	if err != nil {
		h.t.Fatalf("build worker: %v", err)
	}
	return w
}

func (h *harness) register() *worker.Worker {
	h.t.Helper()
	w := h.buildWorker(h.cfg)
	if err := h.registration.Register(context.Background(), w); err != nil {
		h.t.Fatalf("register worker: %v", err)
	}
	return w
}

func (h *harness) get(host, path string) (*http.Response, string) {
	h.t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://"+host+path, nil)
	req.Host = host
	resp, err := h.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		h.t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, string(body)
}

func (h *harness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.registration.Drain(ctx); err != nil {
		h.t.Fatalf("drain: %v", err)
	}
}

func (h *harness) storeNames() []string {
	h.t.Helper()
	names, err := h.storage.Keys(context.Background())
	if err != nil {
		h.t.Fatalf("list stores: %v", err)
	}
	return names
}
