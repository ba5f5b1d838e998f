package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"chunkflow.ai/internal/sim/tilepos"
)

// SQLite stores blobs in a single WAL-mode database file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tiles (
		x INTEGER NOT NULL,
		z INTEGER NOT NULL,
		data BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (x, z)
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Read(ctx context.Context, pos tilepos.Pos) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tiles WHERE x = ? AND z = ?`, pos.X, pos.Z).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read %v: %w", pos, err)
	}
	return data, nil
}

func (s *SQLite) Write(ctx context.Context, pos tilepos.Pos, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tiles(x, z, data, updated_at) VALUES(?, ?, ?, ?)`,
		pos.X, pos.Z, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite write %v: %w", pos, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, pos tilepos.Pos) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tiles WHERE x = ? AND z = ?`, pos.X, pos.Z)
	return err
}

func (s *SQLite) List(ctx context.Context) ([]tilepos.Pos, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT x, z FROM tiles ORDER BY x, z`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tilepos.Pos
	for rows.Next() {
		var p tilepos.Pos
		if err := rows.Scan(&p.X, &p.Z); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
