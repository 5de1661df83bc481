package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/klarinet/klarinet-cache/internal/logging"
	"github.com/klarinet/klarinet-cache/internal/server"
	"github.com/klarinet/klarinet-cache/internal/worker"
)

// Response headers describing how a request was answered.
const (
	HeaderStrategy = "X-Klarinet-Strategy"
	HeaderCache    = "X-Klarinet-Cache"
	HeaderStore    = "X-Klarinet-Store"
	HeaderUpstream = "X-Klarinet-Upstream"
)

// Interceptor answers intercepted requests. *worker.Registration satisfies it.
type Interceptor interface {
	Handle(req *http.Request) (*worker.Result, bool)
}

// RequestObserver counts answered requests; *metrics.Collector satisfies it.
type RequestObserver interface {
	ObserveRequest(origin string, handled bool, status int)
}

// Handler 把每个请求改写为上游请求后交给 worker：被拦截的请求由缓存策略应答，
// 其余请求（非 GET、worker 未激活）原样透传到上游。
type Handler struct {
	client      *http.Client
	logger      *logrus.Logger
	interceptor Interceptor
	observer    RequestObserver
}

// NewHandler constructs a proxy handler. observer may be nil.
func NewHandler(client *http.Client, logger *logrus.Logger, interceptor Interceptor, observer RequestObserver) *Handler {
	return &Handler{
		client:      client,
		logger:      logger,
		interceptor: interceptor,
		observer:    observer,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	target, err := route.Target(c.OriginalURL())
	if err != nil {
		h.logResult(route, "", requestID, fiber.StatusBadRequest, nil, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request_uri")
	}

	req, err := h.buildUpstreamRequest(c, target, route)
	if err != nil {
		h.logResult(route, target.String(), requestID, fiber.StatusBadRequest, nil, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, handled := h.interceptor.Handle(req)
	if !handled {
		return h.passthrough(c, route, req, requestID, started)
	}
	return h.serveResult(c, route, target.String(), result, requestID, started)
}

func (h *Handler) serveResult(
	c fiber.Ctx,
	route *server.OriginRoute,
	upstream string,
	result *worker.Result,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	c.Set(HeaderUpstream, upstream)
	c.Set(HeaderStrategy, string(result.Route.Strategy))
	c.Set(HeaderStore, result.Route.Store)
	c.Set(HeaderCache, cacheStatus(result.Source))
	setRequestIDHeader(c, requestID)

	c.Status(resp.StatusCode)
	h.logResult(route, upstream, requestID, resp.StatusCode, result, started, result.NetworkErr)
	h.observe(route, true, resp.StatusCode)
	return c.Send(resp.Body)
}

func (h *Handler) passthrough(
	c fiber.Ctx,
	route *server.OriginRoute,
	req *http.Request,
	requestID string,
	started time.Time,
) error {
	upstream := req.URL.String()
	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(route, upstream, requestID, 0, nil, started, err)
		h.observe(route, false, fiber.StatusBadGateway)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderUpstream, upstream)
	c.Set(HeaderStrategy, string(worker.StrategyBypass))
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)
	h.observe(route, false, resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(route, upstream, requestID, resp.StatusCode, nil, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, upstream, requestID, resp.StatusCode, nil, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, target *url.URL, route *server.OriginRoute) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	// 交给 Transport 透明解压，缓存与回放的都是解压后的正文。
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) observe(route *server.OriginRoute, handled bool, status int) {
	if h.observer != nil {
		h.observer.ObserveRequest(route.Config.Name, handled, status)
	}
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	upstream string,
	requestID string,
	status int,
	result *worker.Result,
	started time.Time,
	err error,
) {
	strategy, store, source := string(worker.StrategyBypass), "", "network"
	if result != nil {
		strategy = string(result.Route.Strategy)
		store = result.Route.Store
		source = string(result.Source)
	}
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, strategy, store, source)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}

	switch {
	case result != nil && result.Source == worker.SourceOffline:
		if err != nil {
			fields["error"] = err.Error()
		}
		h.logger.WithFields(fields).Warn("proxy_offline")
	case err != nil && result == nil:
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
	default:
		if err != nil {
			fields["network_error"] = err.Error()
		}
		h.logger.WithFields(fields).Info("proxy_complete")
	}
}

func cacheStatus(source worker.Source) string {
	switch source {
	case worker.SourceCache:
		return "hit"
	case worker.SourceOffline:
		return "offline"
	default:
		return "miss"
	}
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func routePort(route *server.OriginRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
