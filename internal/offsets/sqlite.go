package offsets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tail_offsets (
	path          TEXT    NOT NULL,
	consumer      TEXT    NOT NULL,
	byte_offset   INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (path, consumer)
);
`

// SQLiteStore keeps offsets in a SQLite database, which lets several
// controller processes on the same machine share one offsets file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the database at dbPath, creating it and its schema
// when needed.
func OpenSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("execute schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key Key) (int64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx,
		`SELECT byte_offset FROM tail_offsets WHERE path = ? AND consumer = ?`,
		key.Path, key.Consumer,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load offset %s: %w", key, err)
	}
	return offset, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, key Key, offset int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tail_offsets (path, consumer, byte_offset, updated_at_ms)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(path, consumer) DO UPDATE SET
		   byte_offset = excluded.byte_offset,
		   updated_at_ms = excluded.updated_at_ms`,
		key.Path, key.Consumer, offset, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("commit offset %s: %w", key, err)
	}
	return nil
}

// DeleteUnder removes every offset whose file path lives under dir. Used by
// retention after a run directory is deleted.
func (s *SQLiteStore) DeleteUnder(ctx context.Context, dir string) (int64, error) {
	prefix := filepath.Clean(dir) + string(filepath.Separator)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tail_offsets WHERE substr(path, 1, ?) = ?`,
		len(prefix), prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("delete offsets under %s: %w", dir, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
