package database

import (
	"context"
	"fmt"
)

func runMigrations(ctx context.Context) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS campaigns (
			id VARCHAR(64) PRIMARY KEY,
			store_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			email_policy VARCHAR(32) NOT NULL DEFAULT 'optional',
			strict_ip BOOLEAN NOT NULL DEFAULT FALSE,
			prizes JSONB NOT NULL DEFAULT '[]',
			play_limit_per_day INT NOT NULL DEFAULT 0,
			email_limit_per_day INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create campaigns table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS challenge_tokens (
			token VARCHAR(64) PRIMARY KEY,
			campaign_id VARCHAR(64) NOT NULL,
			session_id VARCHAR(128) NOT NULL,
			issuing_ip VARCHAR(45) NOT NULL DEFAULT '',
			issued_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			consumed_at TIMESTAMP WITH TIME ZONE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create challenge_tokens table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS play_sessions (
			id SERIAL PRIMARY KEY,
			store_id VARCHAR(64) NOT NULL,
			campaign_id VARCHAR(64) NOT NULL,
			session_id VARCHAR(128) NOT NULL,
			visitor_id VARCHAR(128) NOT NULL DEFAULT '',
			email VARCHAR(255) NOT NULL,
			customer_ref VARCHAR(128) NOT NULL DEFAULT '',
			awarded_prize_id VARCHAR(64) NOT NULL,
			discount_code VARCHAR(64),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(store_id, campaign_id, session_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create play_sessions table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_windows (
			key VARCHAR(255) PRIMARY KEY,
			count INT NOT NULL DEFAULT 0,
			window_start TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create rate_limit_windows table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_play_sessions_campaign_email ON play_sessions(campaign_id, email)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_challenge_tokens_expires ON challenge_tokens(expires_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}
