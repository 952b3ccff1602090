package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteMap stores every space in one kv table keyed by (space, key).
// Mutations run inside immediate transactions so a crash never leaves a
// half-written record.
type sqliteMap struct {
	db *sql.DB
}

type SQLiteOptions struct {
	Path          string
	BusyTimeoutMS int
}

func OpenSQLite(ctx context.Context, opts SQLiteOptions) (PersistentMap, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrStorage.WithCause(fmt.Errorf("empty path"))
	}
	busy := opts.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, ErrStorage.WithCause(err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(FULL)", path, busy)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ErrStorage.WithCause(err)
	}
	// 单连接即可：引擎写路径是单循环，多连接只会引入 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	m := &sqliteMap{db: db}
	if err := m.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *sqliteMap) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			space      TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (space, key)
		)
	`
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return ErrStorage.WithCause(err)
	}

	raw, err := m.Get(ctx, SpaceMeta, MetaKeySchemaVersion)
	if errors.Is(err, ErrNotFound) {
		return m.Put(ctx, SpaceMeta, MetaKeySchemaVersion, []byte(strconv.Itoa(SchemaVersion)))
	}
	if err != nil {
		return err
	}
	got, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
	if convErr != nil || got > SchemaVersion {
		return ErrSchemaVersion.WithMetadata(map[string]string{
			"found":     strings.TrimSpace(string(raw)),
			"supported": strconv.Itoa(SchemaVersion),
		})
	}
	return nil
}

func (m *sqliteMap) Put(ctx context.Context, space Space, key string, value []byte) error {
	query := `
		INSERT INTO kv (space, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (space, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := m.db.ExecContext(ctx, query, string(space), key, value); err != nil {
		return ErrStorage.WithCause(err)
	}
	return nil
}

func (m *sqliteMap) Get(ctx context.Context, space Space, key string) ([]byte, error) {
	var value []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE space = ? AND key = ?`,
		string(space), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ErrStorage.WithCause(err)
	}
	return value, nil
}

func (m *sqliteMap) Delete(ctx context.Context, space Space, key string) error {
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM kv WHERE space = ? AND key = ?`,
		string(space), key,
	); err != nil {
		return ErrStorage.WithCause(err)
	}
	return nil
}

func (m *sqliteMap) Scan(ctx context.Context, space Space, fn func(key string, value []byte) error) error {
	rows, err := m.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE space = ? ORDER BY key ASC`,
		string(space),
	)
	if err != nil {
		return ErrStorage.WithCause(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return ErrStorage.WithCause(err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return ErrStorage.WithCause(err)
	}
	return nil
}

func (m *sqliteMap) CompareAndSwap(ctx context.Context, space Space, key string, old, new []byte) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, ErrStorage.WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE space = ? AND key = ?`,
		string(space), key,
	).Scan(&current)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, ErrStorage.WithCause(err)
	}

	if old == nil {
		if exists {
			return false, nil
		}
	} else {
		if !exists || !bytes.Equal(current, old) {
			return false, nil
		}
	}

	if new == nil {
		if exists {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM kv WHERE space = ? AND key = ?`,
				string(space), key,
			); err != nil {
				return false, ErrStorage.WithCause(err)
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv (space, key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (space, key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP
		`, string(space), key, new); err != nil {
			return false, ErrStorage.WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, ErrStorage.WithCause(err)
	}
	return true, nil
}

func (m *sqliteMap) Close() error {
	return m.db.Close()
}
