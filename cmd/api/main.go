package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/echochat/server/internal/auth"
	"github.com/echochat/server/internal/config"
	"github.com/echochat/server/internal/db"
	httphandler "github.com/echochat/server/internal/http"
	"github.com/echochat/server/internal/http/handlers"
	"github.com/echochat/server/internal/kv"
	"github.com/echochat/server/internal/otp"
	"github.com/echochat/server/internal/ratelimit"
	"github.com/echochat/server/internal/repo"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("Failed to ping redis: %v", err)
	}
	cancel()

	store := kv.NewRedisStore(redisClient)

	failMode := ratelimit.FailOpen
	if cfg.RateLimitFailMode == config.FailModeClosed {
		failMode = ratelimit.FailClosed
	}
	limiter := ratelimit.New(store, failMode)

	var notifier otp.Notifier
	if cfg.DevMode {
		notifier = otp.LogNotifier{}
	} else {
		// TODO: wire an SMS gateway before exposing this outside dev environments.
		notifier = otp.NopNotifier{}
	}

	otpManager := otp.NewManager(store, limiter, notifier, otp.Config{
		CodeTTL:       cfg.OTPCodeTTL,
		Cooldown:      cfg.OTPCooldown,
		MaxAttempts:   cfg.OTPMaxAttempts,
		RequestWindow: cfg.OTPRequestWindow,
		RequestMax:    cfg.OTPRequestMax,
		Salt:          cfg.OTPSalt,
		RevealCodes:   cfg.DevMode,
	})

	userRepo := repo.NewUserRepo(database)
	tokenRepo := repo.NewRefreshTokenRepo(database)

	tokenManager := auth.NewTokenManager(cfg.AccessTokenSecret, cfg.RefreshTokenSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	authService := auth.NewService(userRepo, tokenRepo, tokenManager)

	authHandler := handlers.NewAuthHandler(otpManager, authService, limiter, cfg.DevMode)

	router := httphandler.NewRouter(authHandler, tokenManager, userRepo)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the repo root)")
	}

	absDir, _ := filepath.Abs(migrationDir)
	log.Printf("Running migrations from %s", absDir)

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
