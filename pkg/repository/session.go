package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adlumen/popup-reward-service/pkg/models"
)

var ErrSessionNotFound = errors.New("play session not found")

// placeholderDomain is a reserved, non-deliverable domain (RFC 2606) used
// for anonymous plays so the (campaign, email) uniqueness used elsewhere in
// the product is not violated before an email is captured.
const placeholderDomain = "@players.invalid"

func PlaceholderEmail(sessionID string) string {
	return "anon-" + sessionID + placeholderDomain
}

func IsPlaceholderEmail(email string) bool {
	return strings.HasSuffix(email, placeholderDomain)
}

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, store_id, campaign_id, session_id, visitor_id, email,
	customer_ref, awarded_prize_id, COALESCE(discount_code, ''), created_at, updated_at`

func scanSession(row pgx.Row) (*models.PlaySession, error) {
	var s models.PlaySession
	err := row.Scan(&s.ID, &s.StoreID, &s.CampaignID, &s.SessionID, &s.VisitorID,
		&s.Email, &s.CustomerRef, &s.AwardedPrizeID, &s.DiscountCode, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetOrCreate inserts the play row for (store, campaign, session) or leaves
// the existing one untouched, then reads back whichever row won. Two
// concurrent first plays both land on the same persisted prize and code.
func (r *SessionRepository) GetOrCreate(ctx context.Context, s *models.PlaySession) (*models.PlaySession, bool, error) {
	code := any(s.DiscountCode)
	if s.DiscountCode == "" {
		code = nil
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO play_sessions
		   (store_id, campaign_id, session_id, visitor_id, email, customer_ref, awarded_prize_id, discount_code)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (store_id, campaign_id, session_id) DO NOTHING`,
		s.StoreID, s.CampaignID, s.SessionID, s.VisitorID, s.Email, s.CustomerRef, s.AwardedPrizeID, code,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert play session: %w", err)
	}
	created := tag.RowsAffected() == 1

	stored, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM play_sessions
		 WHERE store_id = $1 AND campaign_id = $2 AND session_id = $3`,
		s.StoreID, s.CampaignID, s.SessionID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read back play session: %w", err)
	}
	return stored, created, nil
}

func (r *SessionRepository) Find(ctx context.Context, storeID, campaignID, sessionID string) (*models.PlaySession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM play_sessions
		 WHERE store_id = $1 AND campaign_id = $2 AND session_id = $3`,
		storeID, campaignID, sessionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to find play session: %w", err)
	}
	return s, nil
}

// FindBySessionAndCode proves the caller was actually issued the code it is
// claiming against: the after-reveal email flow refuses codes that were
// never recorded for the session.
func (r *SessionRepository) FindBySessionAndCode(ctx context.Context, campaignID, sessionID, code string) (*models.PlaySession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM play_sessions
		 WHERE campaign_id = $1 AND session_id = $2 AND discount_code = $3`,
		campaignID, sessionID, code,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to find play session by code: %w", err)
	}
	return s, nil
}

// AttachEmail overwrites a placeholder email with a real one. Attaching to
// a session that already has a real email is a success no-op so duplicate
// save-email submissions do not error or rewrite identity.
func (r *SessionRepository) AttachEmail(ctx context.Context, campaignID, sessionID, email, customerRef string) (*models.PlaySession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`UPDATE play_sessions
		 SET email = $1,
		     customer_ref = CASE WHEN $2 <> '' THEN $2 ELSE customer_ref END,
		     updated_at = now()
		 WHERE campaign_id = $3 AND session_id = $4 AND email LIKE '%'||$5
		 RETURNING `+sessionColumns,
		email, customerRef, campaignID, sessionID, placeholderDomain,
	))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to attach email: %w", err)
	}

	// Nothing updated: either the session does not exist, or it already
	// carries a real email. The latter is idempotent success.
	existing, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM play_sessions
		 WHERE campaign_id = $1 AND session_id = $2`,
		campaignID, sessionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read play session: %w", err)
	}
	return existing, nil
}
