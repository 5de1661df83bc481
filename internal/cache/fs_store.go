package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	metaSuffix = ".meta.json"
	bodySuffix = ".body"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，布局为：
//
//	<StoragePath>/<store-name>/<sha256(key)>.meta.json   # 状态码、头部、原始 key
//	<StoragePath>/<store-name>/<sha256(key)>.body        # 正文
//
// 整站复用一份实例。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，所有 store 共享锁表。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

// fsMeta 是 .meta.json 的内容。
type fsMeta struct {
	Key        Key         `json:"key"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	URL        string      `json:"url"`
	StoredAt   time.Time   `json:"stored_at"`
	SizeBytes  int64       `json:"size_bytes"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache store %s: %w", name, err)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete cache store %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if err := ValidateStoreName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if filepath.Dir(dir) != s.basePath {
		return "", fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return dir, nil
}

func (s *fileStorage) lockEntry(lockKey string) func() {
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (f *fileStore) Name() string {
	return f.name
}

// Match 与 Put 共用条目锁，保证读到的 meta 与正文属于同一次写入。
func (f *fileStore) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := f.storage.lockEntry(f.name + "::" + key.String())
	defer unlock()

	metaPath, bodyPath := f.entryPaths(key)
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var meta fsMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	if meta.Key != key {
		// sha256 冲突或手工篡改，按未命中处理。
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	header := meta.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		StatusCode: meta.StatusCode,
		Header:     header,
		Body:       body,
		URL:        meta.URL,
		StoredAt:   meta.StoredAt,
	}, nil
}

func (f *fileStore) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	unlock := f.storage.lockEntry(f.name + "::" + key.String())
	defer unlock()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta := fsMeta{
		Key:        key,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		URL:        resp.URL,
		StoredAt:   storedAt,
		SizeBytes:  int64(len(resp.Body)),
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}

	metaPath, bodyPath := f.entryPaths(key)
	// 先落正文再落 meta，meta 的 rename 是提交点。
	if err := writeAtomic(ctx, bodyPath, bytes.NewReader(resp.Body)); err != nil {
		return err
	}
	return writeAtomic(ctx, metaPath, bytes.NewReader(encoded))
}

func (f *fileStore) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := f.storage.lockEntry(f.name + "::" + key.String())
	defer unlock()

	metaPath, bodyPath := f.entryPaths(key)
	existed := true
	if err := os.Remove(metaPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (f *fileStore) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			continue
		}
		var meta fsMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

func (f *fileStore) entryPaths(key Key) (string, string) {
	sum := sha256.Sum256([]byte(key.String()))
	base := filepath.Join(f.dir, hex.EncodeToString(sum[:]))
	return base + metaSuffix, base + bodySuffix
}

// writeAtomic 通过临时文件 + rename 保证写入原子性，失败时清理临时文件。
func writeAtomic(ctx context.Context, target string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
