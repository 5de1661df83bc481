package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// originStub 在同一个监听地址上模拟 Klarinet 前端、缩略图 CDN 与 API，
// 通过 Host 区分站点；offline 时直接断开连接以模拟断网。
type originStub struct {
	*httptest.Server

	offline atomic.Bool

	mu       sync.Mutex
	hits     map[string]int
	statuses map[string]int
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{
		hits:     map[string]int{},
		statuses: map[string]int{},
	}
	stub.Server = httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) serve(w http.ResponseWriter, r *http.Request) {
	if s.offline.Load() {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	key := host + r.URL.Path

	s.mu.Lock()
	s.hits[key]++
	count := s.hits[key]
	status, overridden := s.statuses[key]
	s.mu.Unlock()

	if overridden {
		w.WriteHeader(status)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, ".jpg"):
		w.Header().Set("Content-Type", "image/jpeg")
	case strings.Contains(host, "api."):
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "text/html")
	}
	_, _ = fmt.Fprintf(w, "%s#%d", key, count)
}

func (s *originStub) setOffline(offline bool) {
	s.offline.Store(offline)
}

func (s *originStub) setStatus(hostPath string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[hostPath] = status
}

func (s *originStub) hitCount(hostPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[hostPath]
}

// transport 把所有出站连接指向 stub，保留原始 Host 供分类与路由使用。
func (s *originStub) transport() *http.Transport {
	addr := s.Listener.Addr().String()
	dialer := &net.Dialer{}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		DisableKeepAlives: true,
	}
}
