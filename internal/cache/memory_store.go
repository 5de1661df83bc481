package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内缓存，重启即丢失，主要用于测试与临时部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	key  Key
	resp *Response
}

func (m *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateStoreName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.stores[name]
	if !ok {
		store = &memoryStore{name: name, entries: make(map[string]memoryEntry)}
		m.stores[name] = store
	}
	return store, nil
}

func (m *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	return true, nil
}

func (m *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryStorage) Close() error {
	return nil
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.resp.Clone(), nil
}

func (s *memoryStore) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key.String()] = memoryEntry{key: key, resp: resp.Clone()}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key.String()]; !ok {
		return false, nil
	}
	delete(s.entries, key.String())
	return true, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.entries))
	for _, entry := range s.entries {
		keys = append(keys, entry.key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}
