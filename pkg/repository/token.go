package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adlumen/popup-reward-service/pkg/models"
)

var (
	ErrTokenNotFound    = errors.New("challenge token not found")
	ErrTokenExpired     = errors.New("challenge token expired")
	ErrTokenUsed        = errors.New("challenge token already used")
	ErrCampaignMismatch = errors.New("challenge token bound to a different campaign")
	ErrSessionMismatch  = errors.New("challenge token bound to a different session")
	ErrIPMismatch       = errors.New("challenge token issued to a different ip")
)

type TokenRepository struct {
	pool *pgxpool.Pool
}

func NewTokenRepository(pool *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{pool: pool}
}

func (r *TokenRepository) Issue(ctx context.Context, campaignID, sessionID, ip string, ttl time.Duration) (*models.ChallengeToken, error) {
	tok := models.ChallengeToken{
		Token:      uuid.New().String(),
		CampaignID: campaignID,
		SessionID:  sessionID,
		IssuingIP:  ip,
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO challenge_tokens (token, campaign_id, session_id, issuing_ip, expires_at)
		 VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5))
		 RETURNING issued_at, expires_at`,
		tok.Token, campaignID, sessionID, ip, ttl.Seconds(),
	).Scan(&tok.IssuedAt, &tok.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to issue challenge token: %w", err)
	}
	return &tok, nil
}

// Consume marks the token used in the same statement that checks it is
// usable. Two concurrent attempts race on the consumed_at IS NULL predicate
// and exactly one update wins.
func (r *TokenRepository) Consume(ctx context.Context, token, campaignID, sessionID, sourceIP string, strictIP bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE challenge_tokens
		 SET consumed_at = now()
		 WHERE token = $1
		   AND consumed_at IS NULL
		   AND expires_at > now()
		   AND campaign_id = $2
		   AND session_id = $3
		   AND (NOT $4::boolean OR issuing_ip = $5)`,
		token, campaignID, sessionID, strictIP, sourceIP,
	)
	if err != nil {
		return fmt.Errorf("failed to consume challenge token: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.classifyFailure(ctx, token, campaignID, sessionID, sourceIP, strictIP)
}

// classifyFailure re-reads the token to surface a precise reason for
// diagnostics. Read-only: the consume already failed, nothing changes here.
func (r *TokenRepository) classifyFailure(ctx context.Context, token, campaignID, sessionID, sourceIP string, strictIP bool) error {
	var (
		boundCampaign string
		boundSession  string
		issuingIP     string
		expiresAt     time.Time
		consumedAt    *time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT campaign_id, session_id, issuing_ip, expires_at, consumed_at
		 FROM challenge_tokens WHERE token = $1`,
		token,
	).Scan(&boundCampaign, &boundSession, &issuingIP, &expiresAt, &consumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to inspect challenge token: %w", err)
	}
	switch {
	case consumedAt != nil:
		return ErrTokenUsed
	case time.Now().After(expiresAt):
		return ErrTokenExpired
	case boundCampaign != campaignID:
		return ErrCampaignMismatch
	case boundSession != sessionID:
		return ErrSessionMismatch
	case strictIP && issuingIP != sourceIP:
		return ErrIPMismatch
	default:
		// Lost the race to a concurrent consume that committed between
		// our update and this read.
		return ErrTokenUsed
	}
}

// SweepExpired deletes tokens whose expiry passed more than the given age
// ago. Unconsumed expired tokens are useless and consumed ones only need to
// live long enough to reject replays of in-flight requests.
func (r *TokenRepository) SweepExpired(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM challenge_tokens WHERE expires_at < now() - make_interval(secs => $1)`,
		age.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep challenge tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
