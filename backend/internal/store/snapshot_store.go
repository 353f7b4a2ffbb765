package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// SnapshotStore 每个实体保存一份最新的 CRDT 快照
type SnapshotStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSnapshotStore(db *sql.DB, dialect Dialect) *SnapshotStore {
	return &SnapshotStore{db: db, dialect: dialect}
}

func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case DialectMySQL:
		ddl = `CREATE TABLE IF NOT EXISTS entity_snapshots (
			entity_key VARCHAR(255) NOT NULL PRIMARY KEY,
			content    LONGBLOB     NOT NULL,
			heads      TEXT         NOT NULL,
			updated_at DATETIME(6)  NOT NULL
		)`
	case DialectPostgres:
		ddl = `CREATE TABLE IF NOT EXISTS entity_snapshots (
			entity_key TEXT        NOT NULL PRIMARY KEY,
			content    BYTEA       NOT NULL,
			heads      TEXT        NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`
	case DialectSQLite:
		ddl = `CREATE TABLE IF NOT EXISTS entity_snapshots (
			entity_key TEXT     NOT NULL PRIMARY KEY,
			content    BLOB     NOT NULL,
			heads      TEXT     NOT NULL,
			updated_at DATETIME NOT NULL
		)`
	default:
		return fmt.Errorf("unsupported storage driver %q", s.dialect)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create entity_snapshots: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Load(ctx context.Context, entityKey string) ([]byte, bool, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT content FROM entity_snapshots WHERE entity_key = ?`),
		entityKey,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", entityKey, err)
	}
	return content, true, nil
}

func (s *SnapshotStore) Save(ctx context.Context, entityKey string, snapshot []byte, heads []string) error {
	joined := strings.Join(heads, ",")
	now := time.Now().UTC()

	if s.dialect == DialectMySQL {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO entity_snapshots (entity_key, content, heads, updated_at) VALUES (?, ?, ?, ?)`,
			entityKey, snapshot, joined, now,
		)
		if err == nil {
			return nil
		}
		var mysqlErr *mysql.MySQLError
		if !errors.As(err, &mysqlErr) || mysqlErr.Number != 1062 {
			return fmt.Errorf("insert snapshot %s: %w", entityKey, err)
		}
		// 主键冲突：已有快照，覆盖为最新
		_, err = s.db.ExecContext(ctx,
			`UPDATE entity_snapshots SET content = ?, heads = ?, updated_at = ? WHERE entity_key = ?`,
			snapshot, joined, now, entityKey,
		)
		if err != nil {
			return fmt.Errorf("update snapshot %s: %w", entityKey, err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO entity_snapshots (entity_key, content, heads, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_key) DO UPDATE SET
			content = excluded.content,
			heads = excluded.heads,
			updated_at = excluded.updated_at`),
		entityKey, snapshot, joined, now,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", entityKey, err)
	}
	return nil
}

// Heads 返回最近一次保存时的 heads，没有快照时返回 nil
func (s *SnapshotStore) Heads(ctx context.Context, entityKey string) ([]string, error) {
	var joined string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT heads FROM entity_snapshots WHERE entity_key = ?`),
		entityKey,
	).Scan(&joined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load heads %s: %w", entityKey, err)
	}
	if joined == "" {
		return []string{}, nil
	}
	return strings.Split(joined, ","), nil
}

// rebind 把 ? 占位符换成 postgres 的 $n
func (s *SnapshotStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MemorySnapshotStore 内存实现，用于本地开发（Storage.Driver=memory）
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
	heads map[string][]string
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string][]byte), heads: make(map[string][]string)}
}

func (m *MemorySnapshotStore) Load(ctx context.Context, entityKey string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[entityKey]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), snap...), true, nil
}

func (m *MemorySnapshotStore) Save(ctx context.Context, entityKey string, snapshot []byte, heads []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[entityKey] = append([]byte(nil), snapshot...)
	m.heads[entityKey] = append([]string(nil), heads...)
	return nil
}

func (m *MemorySnapshotStore) Heads(ctx context.Context, entityKey string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heads[entityKey]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), h...), nil
}
