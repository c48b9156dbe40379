package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adlumen/popup-reward-service/pkg/models"
	"github.com/adlumen/popup-reward-service/pkg/prize"
	"github.com/adlumen/popup-reward-service/pkg/repository"
)

var (
	ErrTokenRejected    = errors.New("challenge token rejected")
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrCampaignInactive = errors.New("campaign is not active")
	ErrNoPrizes         = errors.New("campaign has no prizes configured")
	ErrEmailRequired    = errors.New("email is required before playing")
	ErrCodeMismatch     = errors.New("discount code was not issued to this session")
)

// RateLimitedError carries the window reset so the widget can show a
// "try again at ..." countdown.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return "rate limit exceeded, resets at " + e.ResetAt.Format(time.RFC3339)
}

type CampaignStore interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
}

type TokenStore interface {
	Issue(ctx context.Context, campaignID, sessionID, ip string, ttl time.Duration) (*models.ChallengeToken, error)
	Consume(ctx context.Context, token, campaignID, sessionID, sourceIP string, strictIP bool) error
}

type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (repository.RateLimitDecision, error)
}

type SessionStore interface {
	GetOrCreate(ctx context.Context, s *models.PlaySession) (*models.PlaySession, bool, error)
	Find(ctx context.Context, storeID, campaignID, sessionID string) (*models.PlaySession, error)
	FindBySessionAndCode(ctx context.Context, campaignID, sessionID, code string) (*models.PlaySession, error)
	AttachEmail(ctx context.Context, campaignID, sessionID, email, customerRef string) (*models.PlaySession, error)
}

// DiscountPlatform is the narrow slice of the commerce platform this
// engine actually calls.
type DiscountPlatform interface {
	IssueCode(ctx context.Context, storeID, campaignID string, policy models.DiscountPolicy) (string, error)
	UpsertCustomer(ctx context.Context, storeID, email, visitorID string) (string, error)
}

type Options struct {
	TokenTTL         time.Duration
	PlayLimitPerDay  int
	EmailLimitPerDay int
	StoreTimeout     time.Duration
	PlatformTimeout  time.Duration
}

const limitWindow = 24 * time.Hour

type RewardService struct {
	campaigns CampaignStore
	tokens    TokenStore
	limiter   RateLimiter
	sessions  SessionStore
	platform  DiscountPlatform
	rnd       prize.RandFunc
	opts      Options
}

func NewRewardService(campaigns CampaignStore, tokens TokenStore, limiter RateLimiter,
	sessions SessionStore, platform DiscountPlatform, rnd prize.RandFunc, opts Options) *RewardService {
	if rnd == nil {
		rnd = prize.SecureRand
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 10 * time.Minute
	}
	if opts.PlayLimitPerDay <= 0 {
		opts.PlayLimitPerDay = 10
	}
	if opts.EmailLimitPerDay <= 0 {
		opts.EmailLimitPerDay = 5
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.PlatformTimeout <= 0 {
		opts.PlatformTimeout = 5 * time.Second
	}
	return &RewardService{
		campaigns: campaigns,
		tokens:    tokens,
		limiter:   limiter,
		sessions:  sessions,
		platform:  platform,
		rnd:       rnd,
		opts:      opts,
	}
}

func isPreview(campaignID string) bool {
	return strings.HasPrefix(campaignID, models.PreviewCampaignPrefix)
}

func (s *RewardService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

func (s *RewardService) platformCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.PlatformTimeout)
}

type IssueTokenInput struct {
	CampaignID string
	SessionID  string
	SourceIP   string
}

func (s *RewardService) IssueToken(ctx context.Context, in IssueTokenInput) (*models.ChallengeToken, error) {
	if isPreview(in.CampaignID) {
		// Preview widgets never hit the real play path, so hand back a
		// throwaway token without touching the store.
		now := time.Now()
		return &models.ChallengeToken{
			Token:      "preview-token",
			CampaignID: in.CampaignID,
			SessionID:  in.SessionID,
			IssuedAt:   now,
			ExpiresAt:  now.Add(s.opts.TokenTTL),
		}, nil
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	tok, err := s.tokens.Issue(sctx, in.CampaignID, in.SessionID, in.SourceIP, s.opts.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return tok, nil
}

type PlayInput struct {
	CampaignID     string
	SessionID      string
	VisitorID      string
	Email          string
	ChallengeToken string
	Honeypot       string
	SourceIP       string
}

// Play runs one prize draw end to end: consume the challenge token, check
// the play quota, reuse or create the session row, and hand back the prize
// plus whatever code could be issued.
func (s *RewardService) Play(ctx context.Context, in PlayInput) (*models.PlayResponse, error) {
	if isPreview(in.CampaignID) {
		return previewPlayResponse(), nil
	}
	if in.Honeypot != "" {
		// A filled honeypot field means a bot submitted the form. Feed it
		// a believable success so it has nothing to learn from, and record
		// nothing.
		logrus.WithFields(logrus.Fields{
			"campaign_id": in.CampaignID,
			"session_id":  in.SessionID,
			"source_ip":   in.SourceIP,
		}).Warn("Play: honeypot tripped, returning decoy response")
		return previewPlayResponse(), nil
	}

	campaign, err := s.loadActiveCampaign(ctx, in.CampaignID)
	if err != nil {
		return nil, err
	}
	if len(campaign.Prizes) == 0 {
		return nil, ErrNoPrizes
	}

	// Policy is decided once, up front. The three flows only differ in
	// which email lands on the session row at draw time.
	var rowEmail string
	switch campaign.EmailPolicy {
	case models.EmailBeforeReveal:
		if in.Email == "" {
			return nil, ErrEmailRequired
		}
		rowEmail = strings.ToLower(in.Email)
	case models.EmailOptional:
		if in.Email != "" {
			rowEmail = strings.ToLower(in.Email)
		} else {
			rowEmail = repository.PlaceholderEmail(in.SessionID)
		}
	default: // EmailAfterReveal
		rowEmail = repository.PlaceholderEmail(in.SessionID)
	}

	if err := s.consumeToken(ctx, campaign, in); err != nil {
		return nil, err
	}
	if err := s.checkPlayLimit(ctx, campaign, in.SessionID); err != nil {
		return nil, err
	}

	// Replayed or concurrent-duplicate request for an already-played
	// session: hand back the recorded outcome, never redraw or reissue.
	sctx, cancel := s.storeCtx(ctx)
	existing, err := s.sessions.Find(sctx, campaign.StoreID, campaign.ID, in.SessionID)
	cancel()
	if err == nil {
		if !repository.IsPlaceholderEmail(rowEmail) && repository.IsPlaceholderEmail(existing.Email) {
			if updated := s.attachIdentity(ctx, campaign, in.SessionID, rowEmail, in.VisitorID); updated != nil {
				existing = updated
			}
		}
		return s.buildPlayResponse(campaign, existing), nil
	}
	if !errors.Is(err, repository.ErrSessionNotFound) {
		return nil, fmt.Errorf("look up play session: %w", err)
	}

	won := prize.Select(campaign.Prizes, s.rnd)

	code := ""
	if won.Discount != nil {
		pctx, pcancel := s.platformCtx(ctx)
		code, err = s.platform.IssueCode(pctx, campaign.StoreID, campaign.ID, *won.Discount)
		pcancel()
		if err != nil {
			// Non-fatal: the visitor still gets their prize, the widget
			// shows it without a code.
			logrus.WithFields(logrus.Fields{
				"campaign_id": campaign.ID,
				"session_id":  in.SessionID,
				"prize_id":    won.ID,
			}).WithError(err).Warn("Play: discount issuance failed, awarding without code")
			code = ""
		}
	}

	sctx, cancel = s.storeCtx(ctx)
	stored, created, err := s.sessions.GetOrCreate(sctx, &models.PlaySession{
		StoreID:        campaign.StoreID,
		CampaignID:     campaign.ID,
		SessionID:      in.SessionID,
		VisitorID:      in.VisitorID,
		Email:          rowEmail,
		AwardedPrizeID: won.ID,
		DiscountCode:   code,
	})
	cancel()
	if err != nil {
		// Fail closed: without a confirmed row we cannot promise the
		// visitor a prize that may never have been recorded.
		return nil, fmt.Errorf("record play session: %w", err)
	}

	if created && !repository.IsPlaceholderEmail(stored.Email) {
		s.upsertCustomer(ctx, campaign, stored.Email, in.VisitorID)
	}

	return s.buildPlayResponse(campaign, stored), nil
}

type SaveEmailInput struct {
	CampaignID   string
	SessionID    string
	Email        string
	VisitorID    string
	DiscountCode string
}

// SaveEmail attaches an identity to an already-revealed play. The code the
// client presents must match what the session was issued; the recorded code
// is returned verbatim and never regenerated.
func (s *RewardService) SaveEmail(ctx context.Context, in SaveEmailInput) (*models.SaveEmailResponse, error) {
	if isPreview(in.CampaignID) {
		return &models.SaveEmailResponse{
			Success:      true,
			LeadID:       "preview-lead",
			DiscountCode: in.DiscountCode,
			Message:      "preview",
		}, nil
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))

	campaign, err := s.loadActiveCampaign(ctx, in.CampaignID)
	if err != nil {
		return nil, err
	}

	// Provenance first: the code must have been issued to this session.
	sctx, cancel := s.storeCtx(ctx)
	session, err := s.sessions.FindBySessionAndCode(sctx, campaign.ID, in.SessionID, in.DiscountCode)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrCodeMismatch
		}
		return nil, fmt.Errorf("verify code ownership: %w", err)
	}

	// Already identified: duplicate submissions succeed without spending
	// quota or rewriting the stored identity.
	if !repository.IsPlaceholderEmail(session.Email) {
		return &models.SaveEmailResponse{
			Success:      true,
			LeadID:       leadID(session),
			DiscountCode: session.DiscountCode,
			Message:      "already saved",
		}, nil
	}

	limit := campaign.EmailLimitPerDay
	if limit <= 0 {
		limit = s.opts.EmailLimitPerDay
	}
	sctx, cancel = s.storeCtx(ctx)
	decision, err := s.limiter.CheckAndIncrement(sctx, "save_email:"+campaign.ID+":"+email, limit, limitWindow)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("check email rate limit: %w", err)
	}
	if !decision.Allowed {
		return nil, &RateLimitedError{ResetAt: decision.ResetAt}
	}

	customerRef := ""
	pctx, pcancel := s.platformCtx(ctx)
	customerRef, err = s.platform.UpsertCustomer(pctx, campaign.StoreID, email, in.VisitorID)
	pcancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"campaign_id": campaign.ID,
			"session_id":  in.SessionID,
		}).WithError(err).Warn("SaveEmail: customer upsert failed, continuing without ref")
		customerRef = ""
	}

	sctx, cancel = s.storeCtx(ctx)
	updated, err := s.sessions.AttachEmail(sctx, campaign.ID, in.SessionID, email, customerRef)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("attach email: %w", err)
	}

	return &models.SaveEmailResponse{
		Success:      true,
		LeadID:       leadID(updated),
		DiscountCode: updated.DiscountCode,
	}, nil
}

func (s *RewardService) loadActiveCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	campaign, err := s.campaigns.GetByID(sctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if !campaign.IsActive() {
		return nil, ErrCampaignInactive
	}
	return campaign, nil
}

func (s *RewardService) consumeToken(ctx context.Context, campaign *models.Campaign, in PlayInput) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.tokens.Consume(sctx, in.ChallengeToken, campaign.ID, in.SessionID, in.SourceIP, campaign.StrictIPCheck); err != nil {
		switch {
		case errors.Is(err, repository.ErrTokenNotFound),
			errors.Is(err, repository.ErrTokenExpired),
			errors.Is(err, repository.ErrTokenUsed),
			errors.Is(err, repository.ErrCampaignMismatch),
			errors.Is(err, repository.ErrSessionMismatch),
			errors.Is(err, repository.ErrIPMismatch):
			// The precise reason stays server-side; the client sees one
			// generic rejection either way.
			logrus.WithFields(logrus.Fields{
				"campaign_id": campaign.ID,
				"session_id":  in.SessionID,
				"source_ip":   in.SourceIP,
				"reason":      err.Error(),
			}).Warn("Play: challenge token rejected")
			return fmt.Errorf("%w: %w", ErrTokenRejected, err)
		default:
			return fmt.Errorf("consume token: %w", err)
		}
	}
	return nil
}

func (s *RewardService) checkPlayLimit(ctx context.Context, campaign *models.Campaign, sessionID string) error {
	limit := campaign.PlayLimitPerDay
	if limit <= 0 {
		limit = s.opts.PlayLimitPerDay
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	decision, err := s.limiter.CheckAndIncrement(sctx, "play:"+campaign.ID+":"+sessionID, limit, limitWindow)
	if err != nil {
		return fmt.Errorf("check play rate limit: %w", err)
	}
	if !decision.Allowed {
		return &RateLimitedError{ResetAt: decision.ResetAt}
	}
	return nil
}

// attachIdentity is the replay-path variant of email capture: best effort,
// falling back to the session as found if the attach fails.
func (s *RewardService) attachIdentity(ctx context.Context, campaign *models.Campaign, sessionID, email, visitorID string) *models.PlaySession {
	pctx, pcancel := s.platformCtx(ctx)
	customerRef, err := s.platform.UpsertCustomer(pctx, campaign.StoreID, email, visitorID)
	pcancel()
	if err != nil {
		logrus.WithError(err).Warn("Play: customer upsert failed on replay attach")
		customerRef = ""
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	updated, err := s.sessions.AttachEmail(sctx, campaign.ID, sessionID, email, customerRef)
	if err != nil {
		logrus.WithError(err).Warn("Play: email attach failed on replayed session")
		return nil
	}
	return updated
}

func (s *RewardService) upsertCustomer(ctx context.Context, campaign *models.Campaign, email, visitorID string) {
	pctx, cancel := s.platformCtx(ctx)
	defer cancel()
	if _, err := s.platform.UpsertCustomer(pctx, campaign.StoreID, email, visitorID); err != nil {
		logrus.WithFields(logrus.Fields{
			"campaign_id": campaign.ID,
		}).WithError(err).Warn("Play: customer upsert failed, lead recorded locally only")
	}
}

func (s *RewardService) buildPlayResponse(campaign *models.Campaign, session *models.PlaySession) *models.PlayResponse {
	resp := &models.PlayResponse{
		Success:      true,
		Prize:        models.PrizeResult{ID: session.AwardedPrizeID},
		DiscountCode: session.DiscountCode,
	}
	for _, p := range campaign.Prizes {
		if p.ID == session.AwardedPrizeID {
			resp.Prize.Label = p.Label
			if p.Discount != nil {
				resp.Behavior = p.Discount.Behavior
			}
			break
		}
	}
	return resp
}

func previewPlayResponse() *models.PlayResponse {
	return &models.PlayResponse{
		Success:      true,
		Prize:        models.PrizeResult{ID: "preview-prize", Label: "Preview Prize"},
		DiscountCode: "PREVIEW-CODE",
	}
}

func leadID(s *models.PlaySession) string {
	return "lead_" + strconv.FormatInt(s.ID, 10)
}
