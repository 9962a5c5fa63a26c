// Package sqlite stores stage checkpoints in a local SQLite file. It is the
// single-host alternative to the Redis checkpoint store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kdimentionaltree/movies-index-go/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// DB is a checkpoint database shared by the storages of one process.
type DB struct {
	db *sql.DB
}

// Open opens (and creates, if needed) the checkpoint database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Storage returns the checkpoint storage for one stage key.
func (d *DB) Storage(key state.Key) *Storage {
	return &Storage{db: d.db, key: key.String()}
}

// Storage implements state.Storage on one row of the checkpoints table.
type Storage struct {
	db  *sql.DB
	key string
}

func (s *Storage) Save(ctx context.Context, values map[string]json.RawMessage) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", s.key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.key, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", s.key, err)
	}
	return nil
}

func (s *Storage) Retrieve(ctx context.Context) (map[string]json.RawMessage, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE key = ?`, s.key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve checkpoint %s: %w", s.key, err)
	}

	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Join(state.ErrCorrupt, err)
	}
	return values, nil
}
