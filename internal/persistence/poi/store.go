// Package poi indexes points of interest by tile. Sections are loaded and
// evicted in step with the tiles they belong to and persisted to SQLite.
package poi

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

type section struct {
	pois  []tile.POI
	dirty bool
}

// Entry is a POI together with the tile that owns it.
type Entry struct {
	Tile tilepos.Pos `json:"tile"`
	tile.POI
}

// Store is safe for concurrent use.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	mu       sync.Mutex
	sections map[uint64]*section
	unloadAt map[uint64]int64
}

func Open(path string, log *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if log == nil {
		log = zap.NewNop()
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
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS pois (
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			kind TEXT NOT NULL,
			bx INTEGER NOT NULL,
			bz INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pois_tile ON pois(x, z);`,
		`CREATE INDEX IF NOT EXISTS idx_pois_kind ON pois(kind);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{
		db:       db,
		log:      log.Named("poi"),
		sections: map[uint64]*section{},
		unloadAt: map[uint64]int64{},
	}, nil
}

// LoadFor makes the section of pos resident. Loading an already resident
// section is a no-op.
func (s *Store) LoadFor(ctx context.Context, pos tilepos.Pos) error {
	key := pos.Key()
	s.mu.Lock()
	_, ok := s.sections[key]
	s.mu.Unlock()
	if ok {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, bx, bz FROM pois WHERE x = ? AND z = ? ORDER BY rowid`, pos.X, pos.Z)
	if err != nil {
		return fmt.Errorf("poi load %v: %w", pos, err)
	}
	defer rows.Close()
	sec := &section{}
	for rows.Next() {
		var p tile.POI
		if err := rows.Scan(&p.Kind, &p.X, &p.Z); err != nil {
			return fmt.Errorf("poi load %v: %w", pos, err)
		}
		sec.pois = append(sec.pois, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, raced := s.sections[key]; !raced {
		s.sections[key] = sec
	}
	s.mu.Unlock()
	return nil
}

// Set replaces the POIs of a resident or new section.
func (s *Store) Set(pos tilepos.Pos, pois []tile.POI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[pos.Key()] = &section{pois: append([]tile.POI(nil), pois...), dirty: true}
}

// Get returns the resident POIs of pos.
func (s *Store) Get(pos tilepos.Pos) ([]tile.POI, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.sections[pos.Key()]
	if !ok {
		return nil, false
	}
	return append([]tile.POI(nil), sec.pois...), true
}

// Near lists resident POIs of the given kind (any kind when empty) in tiles
// within radius of center.
func (s *Store) Near(center tilepos.Pos, radius int, kind string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	tilepos.Square(center, radius, func(p tilepos.Pos) {
		sec, ok := s.sections[p.Key()]
		if !ok {
			return
		}
		for _, poi := range sec.pois {
			if kind == "" || poi.Kind == kind {
				out = append(out, Entry{Tile: p, POI: poi})
			}
		}
	})
	return out
}

// QueueUnload schedules eviction of the section once tick passes afterTick.
func (s *Store) QueueUnload(pos tilepos.Pos, afterTick int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sections[pos.Key()]; ok {
		s.unloadAt[pos.Key()] = afterTick
	}
}

// DequeueUnload cancels a pending eviction.
func (s *Store) DequeueUnload(pos tilepos.Pos) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.unloadAt[pos.Key()]
	delete(s.unloadAt, pos.Key())
	return ok
}

// Flush persists the section of pos if it changed.
func (s *Store) Flush(ctx context.Context, pos tilepos.Pos) error {
	s.mu.Lock()
	sec, ok := s.sections[pos.Key()]
	if !ok || !sec.dirty {
		s.mu.Unlock()
		return nil
	}
	pois := append([]tile.POI(nil), sec.pois...)
	sec.dirty = false
	s.mu.Unlock()

	if err := s.write(ctx, pos, pois); err != nil {
		s.mu.Lock()
		if cur, ok := s.sections[pos.Key()]; ok {
			cur.dirty = true
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) write(ctx context.Context, pos tilepos.Pos, pois []tile.POI) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pois WHERE x = ? AND z = ?`, pos.X, pos.Z); err != nil {
		return fmt.Errorf("poi flush %v: %w", pos, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pois(x, z, kind, bx, bz) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range pois {
		if _, err := stmt.ExecContext(ctx, pos.X, pos.Z, p.Kind, p.X, p.Z); err != nil {
			return fmt.Errorf("poi flush %v: %w", pos, err)
		}
	}
	return tx.Commit()
}

// Tick evicts sections whose unload tick has passed, flushing them first.
func (s *Store) Tick(ctx context.Context, tick int64) int {
	s.mu.Lock()
	var due []uint64
	for k, at := range s.unloadAt {
		if at < tick {
			due = append(due, k)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	evicted := 0
	for _, k := range due {
		pos := tilepos.FromKey(k)
		if err := s.Flush(ctx, pos); err != nil {
			s.log.Warn("poi flush before eviction failed", zap.Stringer("pos", pos), zap.Error(err))
			continue
		}
		s.mu.Lock()
		if at, ok := s.unloadAt[k]; ok && at < tick {
			delete(s.unloadAt, k)
			delete(s.sections, k)
			evicted++
		}
		s.mu.Unlock()
	}
	return evicted
}

// FlushAll persists every dirty section.
func (s *Store) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]uint64, 0, len(s.sections))
	for k, sec := range s.sections {
		if sec.dirty {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	for _, k := range keys {
		if err := s.Flush(ctx, tilepos.FromKey(k)); err != nil {
			return err
		}
	}
	return nil
}

// Resident is the number of loaded sections.
func (s *Store) Resident() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sections)
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.FlushAll(ctx); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}
