package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RateLimitDecision is the outcome of one counting attempt.
type RateLimitDecision struct {
	Allowed bool
	Current int
	ResetAt time.Time
}

type RateLimitRepository struct {
	pool *pgxpool.Pool
}

func NewRateLimitRepository(pool *pgxpool.Pool) *RateLimitRepository {
	return &RateLimitRepository{pool: pool}
}

// CheckAndIncrement bumps the counter for key inside a fixed window. The
// window reset and the increment happen in one upsert so concurrent callers
// cannot lose updates or both observe a stale window.
func (r *RateLimitRepository) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (RateLimitDecision, error) {
	var (
		count       int
		windowStart time.Time
	)
	err := r.pool.QueryRow(ctx,
		`INSERT INTO rate_limit_windows (key, count, window_start, updated_at)
		 VALUES ($1, 1, now(), now())
		 ON CONFLICT (key) DO UPDATE SET
		   count = CASE
		     WHEN now() - rate_limit_windows.window_start >= make_interval(secs => $2) THEN 1
		     ELSE rate_limit_windows.count + 1
		   END,
		   window_start = CASE
		     WHEN now() - rate_limit_windows.window_start >= make_interval(secs => $2) THEN now()
		     ELSE rate_limit_windows.window_start
		   END,
		   updated_at = now()
		 RETURNING count, window_start`,
		key, window.Seconds(),
	).Scan(&count, &windowStart)
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("failed to increment rate limit window: %w", err)
	}

	return RateLimitDecision{
		Allowed: count <= limit,
		Current: count,
		ResetAt: windowStart.Add(window),
	}, nil
}

// Sweep drops windows idle longer than the given age. Acts as a lazy TTL;
// a stale row that survives a sweep just resets itself on next use.
func (r *RateLimitRepository) Sweep(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM rate_limit_windows WHERE updated_at < now() - make_interval(secs => $1)`,
		age.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep rate limit windows: %w", err)
	}
	return tag.RowsAffected(), nil
}
