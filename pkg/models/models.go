package models

import (
	"time"
)

// EmailPolicy controls when a play must be tied to an email identity.
type EmailPolicy string

const (
	EmailBeforeReveal EmailPolicy = "before_reveal"
	EmailOptional     EmailPolicy = "optional"
	EmailAfterReveal  EmailPolicy = "after_reveal"
)

// PreviewCampaignPrefix marks editor preview campaigns. Plays against these
// bypass token validation, rate limiting and persistence entirely.
const PreviewCampaignPrefix = "preview-"

type DiscountPolicy struct {
	ValueType string  `json:"value_type"` // "percentage" or "fixed_amount"
	Amount    float64 `json:"amount"`
	Behavior  string  `json:"behavior,omitempty"` // how the widget presents the code
}

type Prize struct {
	ID       string          `json:"id"`
	Label    string          `json:"label"`
	Weight   float64         `json:"weight"`
	Discount *DiscountPolicy `json:"discount,omitempty"`
}

type Campaign struct {
	ID               string      `json:"id"`
	StoreID          string      `json:"store_id"`
	Status           string      `json:"status"` // "active" or "paused"
	EmailPolicy      EmailPolicy `json:"email_policy"`
	StrictIPCheck    bool        `json:"strict_ip_check"`
	Prizes           []Prize     `json:"prizes"`
	PlayLimitPerDay  int         `json:"play_limit_per_day"`
	EmailLimitPerDay int         `json:"email_limit_per_day"`
	CreatedAt        time.Time   `json:"created_at"`
}

func (c *Campaign) IsActive() bool {
	return c.Status == "active"
}

type PlaySession struct {
	ID             int64     `json:"id"`
	StoreID        string    `json:"store_id"`
	CampaignID     string    `json:"campaign_id"`
	SessionID      string    `json:"session_id"`
	VisitorID      string    `json:"visitor_id,omitempty"`
	Email          string    `json:"email,omitempty"`
	CustomerRef    string    `json:"customer_ref,omitempty"`
	AwardedPrizeID string    `json:"awarded_prize_id"`
	DiscountCode   string    `json:"discount_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ChallengeToken struct {
	Token      string     `json:"token"`
	CampaignID string     `json:"campaign_id"`
	SessionID  string     `json:"session_id"`
	IssuingIP  string     `json:"-"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"-"`
}

type IssueTokenRequest struct {
	CampaignID string `json:"campaign_id" binding:"required"`
	SessionID  string `json:"session_id" binding:"required"`
}

type IssueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PlayRequest struct {
	CampaignID     string `json:"campaign_id" binding:"required"`
	SessionID      string `json:"session_id" binding:"required"`
	VisitorID      string `json:"visitor_id"`
	Email          string `json:"email"`
	ChallengeToken string `json:"challenge_token"`
	// Honeypot is a hidden form field real visitors never fill.
	Honeypot string `json:"website"`
}

type PrizeResult struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type PlayResponse struct {
	Success      bool        `json:"success"`
	Prize        PrizeResult `json:"prize"`
	DiscountCode string      `json:"discount_code,omitempty"`
	Behavior     string      `json:"behavior,omitempty"`
}

type SaveEmailRequest struct {
	CampaignID   string `json:"campaign_id" binding:"required"`
	SessionID    string `json:"session_id" binding:"required"`
	Email        string `json:"email" binding:"required,email"`
	DiscountCode string `json:"discount_code" binding:"required"`
}

type SaveEmailResponse struct {
	Success      bool   `json:"success"`
	LeadID       string `json:"lead_id"`
	DiscountCode string `json:"discount_code"`
	Message      string `json:"message,omitempty"`
}
