package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/disputekit/tiergate/internal/entitlements"
)

// SQLiteStore persists cache values in a single key/value table. One file
// can hold many scopes.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	scope  string

	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) tiergate.db under dataPath.
func NewSQLiteStore(dataPath, scope string) (*SQLiteStore, error) {
	if strings.TrimSpace(dataPath) == "" {
		return nil, fmt.Errorf("dataPath is required")
	}
	dataPath = filepath.Clean(dataPath)
	if err := os.MkdirAll(dataPath, cachePrivateDirPerm); err != nil {
		return nil, fmt.Errorf("create cache data dir: %w", err)
	}

	dbPath := filepath.Join(dataPath, "tiergate.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		scope:  normalizeScope(scope),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlement_cache (
		scope TEXT NOT NULL,
		cache_key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, cache_key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init cache schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context) (*entitlements.Snapshot, error) {
	data, err := s.get(ctx, KeySnapshot)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data), nil
}

func (s *SQLiteStore) Write(ctx context.Context, snapshot *entitlements.Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return s.put(ctx, KeySnapshot, data)
}

func (s *SQLiteStore) ReadPendingPayment(ctx context.Context) (*entitlements.PendingPayment, error) {
	data, err := s.get(ctx, KeyPendingPayment)
	if err != nil {
		return nil, err
	}
	return decodePending(data), nil
}

func (s *SQLiteStore) WritePendingPayment(ctx context.Context, pending *entitlements.PendingPayment) error {
	data, err := encodePending(pending)
	if err != nil {
		return err
	}
	return s.put(ctx, KeyPendingPayment, data)
}

func (s *SQLiteStore) ClearPendingPayment(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`DELETE FROM entitlement_cache WHERE scope = ? AND cache_key = ?`,
		s.scope, KeyPendingPayment,
	); err != nil {
		return fmt.Errorf("clear pending payment: %w", err)
	}
	return nil
}

// Close releases the database handle. It is safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("sqlite cache store is closed")
	}
	return s.db, nil
}

func (s *SQLiteStore) get(ctx context.Context, key string) ([]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var value []byte
	err = db.QueryRowContext(ctx,
		`SELECT value FROM entitlement_cache WHERE scope = ? AND cache_key = ?`,
		s.scope, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) put(ctx context.Context, key string, value []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO entitlement_cache (scope, cache_key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, cache_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, s.scope, key, value, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
