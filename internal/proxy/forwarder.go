package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/klarinet/klarinet-cache/internal/server"
)

// Forwarder guards the proxy handler: a missing handler or a panic inside it
// becomes a logged 500 with a JSON body instead of a dropped connection.
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder wraps handler; a nil handler answers every request with 500.
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle implements server.ProxyHandler.
func (f *Forwarder) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logProxyError(route, "proxy_handler_missing", nil, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "proxy_handler_missing"})
	}
	return f.invoke(c, route, requestID)
}

func (f *Forwarder) invoke(c fiber.Ctx, route *server.OriginRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logProxyError(route, "proxy_handler_panic", fmt.Errorf("panic: %v", r), requestID)
			setRequestIDHeader(c, requestID)
			err = c.Status(fiber.StatusInternalServerError).
				JSON(fiber.Map{"error": "proxy_handler_panic"})
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) logProxyError(route *server.OriginRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{"action": "proxy", "error": code}
	if route != nil {
		fields["origin"] = route.Config.Name
		fields["domain"] = route.Config.Domain
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error(code)
}
