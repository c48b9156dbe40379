package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adlumen/popup-reward-service/pkg/models"
)

var ErrCampaignNotFound = errors.New("campaign not found")

// CampaignRepository is a read-only view of campaign configuration. The
// admin dashboard owns writes; the reward engine only ever looks up.
type CampaignRepository struct {
	pool *pgxpool.Pool
}

func NewCampaignRepository(pool *pgxpool.Pool) *CampaignRepository {
	return &CampaignRepository{pool: pool}
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	var (
		c         models.Campaign
		prizesRaw []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, store_id, status, email_policy, strict_ip, prizes,
		        play_limit_per_day, email_limit_per_day, created_at
		 FROM campaigns WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.StoreID, &c.Status, &c.EmailPolicy, &c.StrictIPCheck,
		&prizesRaw, &c.PlayLimitPerDay, &c.EmailLimitPerDay, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	if err := json.Unmarshal(prizesRaw, &c.Prizes); err != nil {
		return nil, fmt.Errorf("failed to decode campaign prizes: %w", err)
	}
	return &c, nil
}
