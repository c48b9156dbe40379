package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var pool *pgxpool.Pool

func InitDB(ctx context.Context, databaseURL string) error {
	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return fmt.Errorf("unable to ping database: %w", err)
	}

	pool = p

	if err := runMigrations(ctx); err != nil {
		pool.Close()
		pool = nil
		return fmt.Errorf("unable to run migrations: %w", err)
	}

	return nil
}

func GetPool() *pgxpool.Pool {
	return pool
}

func CloseDB() {
	if pool != nil {
		pool.Close()
		pool = nil
	}
}
