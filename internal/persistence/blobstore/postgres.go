package blobstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"chunkflow.ai/internal/sim/tilepos"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres stores blobs in the tiles table of a PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) Read(ctx context.Context, pos tilepos.Pos) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM tiles WHERE x = $1 AND z = $2`, pos.X, pos.Z).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres read %v: %w", pos, err)
	}
	return data, nil
}

func (p *Postgres) Write(ctx context.Context, pos tilepos.Pos, data []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tiles (x, z, data, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (x, z) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		pos.X, pos.Z, data)
	if err != nil {
		return fmt.Errorf("postgres write %v: %w", pos, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, pos tilepos.Pos) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM tiles WHERE x = $1 AND z = $2`, pos.X, pos.Z)
	return err
}

func (p *Postgres) List(ctx context.Context) ([]tilepos.Pos, error) {
	rows, err := p.pool.Query(ctx, `SELECT x, z FROM tiles ORDER BY x, z`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tilepos.Pos
	for rows.Next() {
		var pt tilepos.Pos
		if err := rows.Scan(&pt.X, &pt.Z); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
