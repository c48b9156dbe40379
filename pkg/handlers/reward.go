package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/adlumen/popup-reward-service/pkg/models"
	"github.com/adlumen/popup-reward-service/pkg/service"
)

type RewardHandler struct {
	rewards *service.RewardService
}

func NewRewardHandler(rewards *service.RewardService) *RewardHandler {
	return &RewardHandler{rewards: rewards}
}

func (h *RewardHandler) IssueToken(c *gin.Context) {
	var req models.IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithField("error", err).Warn("IssueToken: Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "detail": err.Error()})
		return
	}

	tok, err := h.rewards.IssueToken(c.Request.Context(), service.IssueTokenInput{
		CampaignID: req.CampaignID,
		SessionID:  req.SessionID,
		SourceIP:   c.ClientIP(),
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"campaign_id": req.CampaignID,
			"session_id":  req.SessionID,
		}).WithError(err).Error("IssueToken: Failed to issue challenge token")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "server_error"})
		return
	}

	c.JSON(http.StatusOK, models.IssueTokenResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt})
}

func (h *RewardHandler) Play(c *gin.Context) {
	var req models.PlayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithField("error", err).Warn("Play: Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "detail": err.Error()})
		return
	}

	resp, err := h.rewards.Play(c.Request.Context(), service.PlayInput{
		CampaignID:     req.CampaignID,
		SessionID:      req.SessionID,
		VisitorID:      req.VisitorID,
		Email:          req.Email,
		ChallengeToken: req.ChallengeToken,
		Honeypot:       req.Honeypot,
		SourceIP:       c.ClientIP(),
	})
	if err != nil {
		h.writeError(c, "Play", req.CampaignID, req.SessionID, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *RewardHandler) SaveEmail(c *gin.Context) {
	var req models.SaveEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithField("error", err).Warn("SaveEmail: Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "detail": err.Error()})
		return
	}

	resp, err := h.rewards.SaveEmail(c.Request.Context(), service.SaveEmailInput{
		CampaignID:   req.CampaignID,
		SessionID:    req.SessionID,
		Email:        req.Email,
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		h.writeError(c, "SaveEmail", req.CampaignID, req.SessionID, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// writeError maps service errors to the widget's three UX classes: retry
// later (429), refresh and retry (403), something went wrong (500). Token
// rejection details never reach the client.
func (h *RewardHandler) writeError(c *gin.Context, op, campaignID, sessionID string, err error) {
	log := logrus.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"session_id":  sessionID,
	})

	var rateLimited *service.RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		log.WithField("reset_at", rateLimited.ResetAt).Warn(op + ": Rate limit exceeded")
		c.Header("Retry-After", retryAfterSeconds(rateLimited.ResetAt))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success":  false,
			"error":    "rate_limited",
			"reset_at": rateLimited.ResetAt,
		})
	case errors.Is(err, service.ErrTokenRejected):
		// Reason already logged with detail at the service layer.
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "invalid_token"})
	case errors.Is(err, service.ErrCodeMismatch):
		log.Warn(op + ": Discount code does not belong to session")
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "invalid_code"})
	case errors.Is(err, service.ErrEmailRequired):
		log.Warn(op + ": Email required before play")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "email_required"})
	case errors.Is(err, service.ErrCampaignNotFound), errors.Is(err, service.ErrCampaignInactive):
		log.Warn(op + ": Campaign unavailable")
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "campaign_unavailable"})
	default:
		log.WithError(err).Error(op + ": Unexpected failure")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "server_error"})
	}
}

func retryAfterSeconds(resetAt time.Time) string {
	secs := int(time.Until(resetAt).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
