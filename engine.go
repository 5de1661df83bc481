package main

import (
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/klarinet/klarinet-cache/internal/cache"
	"github.com/klarinet/klarinet-cache/internal/config"
	"github.com/klarinet/klarinet-cache/internal/server"
	"github.com/klarinet/klarinet-cache/internal/worker"
)

// engine 根据最新配置构建 worker。Origin 路由在启动时确定，
// 重新加载配置只会影响 worker 的缓存名称、路由规则与 precache 清单。
type engine struct {
	cfg      atomic.Pointer[config.Config]
	registry *server.OriginRegistry
	storage  cache.Storage
	fetcher  worker.Fetcher
	logger   *logrus.Logger
	recorder worker.Recorder
}

func newEngine(
	cfg *config.Config,
	registry *server.OriginRegistry,
	storage cache.Storage,
	fetcher worker.Fetcher,
	logger *logrus.Logger,
	recorder worker.Recorder,
) *engine {
	e := &engine{
		registry: registry,
		storage:  storage,
		fetcher:  fetcher,
		logger:   logger,
		recorder: recorder,
	}
	e.cfg.Store(cfg)
	return e
}

func (e *engine) setConfig(cfg *config.Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

func (e *engine) build() (*worker.Worker, error) {
	cfg := e.cfg.Load()
	primary, ok := e.registry.Primary()
	if !ok {
		return nil, errors.New("no primary origin configured")
	}
	global := cfg.Global
	return worker.New(worker.Options{
		Stores:      worker.StoreNamesFor(global.CachePrefix, global.StaticVersion, global.DynamicVersion),
		Rules:       rulesFromConfig(global),
		Precache:    global.Precache,
		Origin:      primary.UpstreamURL,
		SkipWaiting: global.SkipWaiting,
		Storage:     e.storage,
		Fetcher:     e.fetcher,
		Logger:      e.logger,
		Recorder:    e.recorder,
	})
}

func rulesFromConfig(global config.GlobalConfig) worker.Rules {
	return worker.Rules{
		APIPrefix:        global.APIPrefix,
		APIHosts:         append([]string(nil), global.APIHosts...),
		ThumbnailHosts:   append([]string(nil), global.ThumbnailHosts...),
		StaticPrefix:     global.StaticPrefix,
		IconsPrefix:      global.IconsPrefix,
		StaticExtensions: append([]string(nil), global.StaticExtensions...),
	}
}
