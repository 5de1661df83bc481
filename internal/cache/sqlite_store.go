package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteFileName = "klarinet-cache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	store     TEXT NOT NULL,
	key       TEXT NOT NULL,
	method    TEXT NOT NULL,
	url       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT NOT NULL,
	body      BLOB,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (store, key)
);
`

// NewSQLiteStorage 在 basePath 下创建单文件 sqlite 数据库保存所有命名缓存。
func NewSQLiteStorage(basePath string) (Storage, error) {
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

	db, err := sql.Open("sqlite", filepath.Join(abs, sqliteFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite cache: %w", err)
		}
	}

	return &sqliteStorage{db: db}, nil
}

type sqliteStorage struct {
	db *sql.DB
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateStoreName(name); err != nil {
		return nil, err
	}
	if err := ensureSQLiteStore(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func ensureSQLiteStore(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("create cache store %s: %w", name, err)
	}
	return nil
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(ctx context.Context, key Key) (*Response, error) {
	var (
		status   int
		header   string
		body     []byte
		url      string
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT status, header, body, url, stored_at FROM entries WHERE store = ? AND key = ?",
		s.name, key.String()).Scan(&status, &header, &body, &url, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	decoded := http.Header{}
	if err := json.Unmarshal([]byte(header), &decoded); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	return &Response{
		StatusCode: status,
		Header:     decoded,
		Body:       body,
		URL:        url,
		StoredAt:   time.Unix(0, storedAt).UTC(),
	}, nil
}

func (s *sqliteStore) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	// 被 Delete 后的旧句柄再次写入时重新登记 store，保持 open-or-create 语义。
	if err := ensureSQLiteStore(ctx, s.db, s.name); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (store, key, method, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.name, key.String(), key.Method, key.URL, resp.StatusCode, string(header), body, storedAt.UnixNano())
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, key Key) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE store = ? AND key = ?", s.name, key.String())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT method, url FROM entries WHERE store = ? ORDER BY key", s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
