package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/adlumen/popup-reward-service/pkg/config"
	"github.com/adlumen/popup-reward-service/pkg/database"
	"github.com/adlumen/popup-reward-service/pkg/handlers"
	"github.com/adlumen/popup-reward-service/pkg/platform"
	"github.com/adlumen/popup-reward-service/pkg/repository"
	"github.com/adlumen/popup-reward-service/pkg/service"
)

const sweepInterval = time.Hour

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx := context.Background()

	if err := database.InitDB(ctx, cfg.DatabaseURL); err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.CloseDB()

	pool := database.GetPool()
	campaignRepo := repository.NewCampaignRepository(pool)
	tokenRepo := repository.NewTokenRepository(pool)
	rateLimitRepo := repository.NewRateLimitRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	platformClient := platform.NewClient(cfg.PlatformURL, cfg.PlatformToken)

	rewardService := service.NewRewardService(
		campaignRepo, tokenRepo, rateLimitRepo, sessionRepo, platformClient,
		nil, // crypto/rand draw source
		service.Options{
			TokenTTL:         cfg.TokenTTL,
			PlayLimitPerDay:  cfg.PlayLimitPerDay,
			EmailLimitPerDay: cfg.EmailLimitPerDay,
			StoreTimeout:     cfg.StoreTimeout,
			PlatformTimeout:  cfg.PlatformTimeout,
		},
	)
	rewardHandler := handlers.NewRewardHandler(rewardService)

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "reward-engine"})
	})
	api := router.Group("/api/reward")
	{
		api.POST("/token", rewardHandler.IssueToken)
		api.POST("/play", rewardHandler.Play)
		api.POST("/save-email", rewardHandler.SaveEmail)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	go runSweeper(sweepCtx, tokenRepo, rateLimitRepo)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logrus.WithField("port", cfg.Port).Info("Starting reward service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start service")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down service...")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Fatal("Service forced to shutdown")
	}

	logrus.Info("Service exited")
}

// runSweeper clears expired challenge tokens and idle rate-limit windows.
// Both stores behave correctly with stale rows present; this just keeps the
// tables from growing without bound.
func runSweeper(ctx context.Context, tokens *repository.TokenRepository, limits *repository.RateLimitRepository) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := tokens.SweepExpired(ctx, sweepInterval); err != nil {
				logrus.WithError(err).Warn("Sweeper: failed to sweep challenge tokens")
			} else if n > 0 {
				logrus.WithField("deleted", n).Debug("Sweeper: cleared expired challenge tokens")
			}
			if n, err := limits.Sweep(ctx, 48*time.Hour); err != nil {
				logrus.WithError(err).Warn("Sweeper: failed to sweep rate limit windows")
			} else if n > 0 {
				logrus.WithField("deleted", n).Debug("Sweeper: cleared idle rate limit windows")
			}
		}
	}
}
