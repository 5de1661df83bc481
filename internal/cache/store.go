package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Storage 管理所有命名缓存，语义对应浏览器的 CacheStorage（open/has/delete/keys）。
// 实现必须支持并发读写。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时创建（open-or-create）。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个命名缓存及其全部条目，返回是否确实删除了内容。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 按名称排序返回当前存在的缓存名。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层资源（文件句柄、数据库连接）。
	Close() error
}

// Store 是单个命名缓存，key 为规范化后的请求（method + URL）。
type Store interface {
	Name() string

	// Match 返回已缓存响应的副本。未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 写入响应副本，同 key 直接覆盖（last-write-wins）。
	Put(ctx context.Context, key Key, resp *Response) error

	// Delete 删除单个条目，返回条目是否存在。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 返回缓存中全部条目的 key。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// String 返回 "GET https://host/path?query" 形式，作为各驱动的存储主键。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// NewKey 规范化 method 与 URL：method 大写、scheme/host 小写、去掉 fragment。
func NewKey(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Key{Method: method}
	}
	normalized := *u
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.User = nil
	return Key{Method: method, URL: normalized.String()}
}

// KeyFor 根据 http.Request 计算缓存 key。
func KeyFor(req *http.Request) Key {
	if req == nil {
		return Key{}
	}
	return NewKey(req.Method, req.URL)
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidStoreName 表示缓存名称为空或包含非法字符。
	ErrInvalidStoreName = errors.New("invalid cache store name")
)

// ValidateStoreName 拒绝空名称以及可能逃逸存储目录的名称。
func ValidateStoreName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return nil
}
