package main // Entry point package

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/digiswitch/authapi/internal/config"
	"github.com/digiswitch/authapi/internal/database"
	"github.com/digiswitch/authapi/internal/handler"
	"github.com/digiswitch/authapi/internal/mailer"
	"github.com/digiswitch/authapi/internal/middleware"
	"github.com/digiswitch/authapi/internal/queue"
	"github.com/digiswitch/authapi/internal/repository"
	"github.com/digiswitch/authapi/internal/router"
	"github.com/digiswitch/authapi/internal/token"
	"github.com/digiswitch/authapi/internal/verification"
)

// blacklistPurgeInterval is how often expired revocation rows are
// swept. An expired token fails validation regardless, so sweeping is
// pure housekeeping.
const blacklistPurgeInterval = time.Hour

func main() {
	_ = godotenv.Load() // .env is optional; real env vars win

	log := newLogger()
	cfg := config.Load()

	db, err := database.Open(database.Params{
		User: cfg.DBUser, Pass: cfg.DBPass,
		Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	users := repository.NewUserRepo(db)
	blacklist := repository.NewBlacklistRepo(db)

	codes := verification.New(users)
	tokens := token.NewEngine(token.Config{
		Secret:          cfg.JWTSecret,
		AccessTTL:       cfg.AccessTTL,
		RefreshTTL:      cfg.RefreshTTL,
		RotateRefresh:   cfg.RotateRefresh,
		InactivityLimit: cfg.InactivityLimit,
	}, users, blacklist)

	// Redis backs the shared rate-limit counters; a missing server
	// degrades to unthrottled rather than refusing to start.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Warn().Msg("redis unavailable, rate limiting disabled")
	}
	var store middleware.CounterStore
	if rdb != nil {
		store = middleware.NewRedisCounter(rdb)
	}
	limiter := middleware.NewLimiter(store, config.LoadRateLimitConfig(), log)

	// Email rides the broker: handlers publish, the consumer delivers
	// over SMTP in the background.
	publisher := queue.NewPublisher(cfg.AMQPURL, log)
	smtp, err := mailer.New(log)
	if err != nil {
		log.Fatal().Err(err).Msg("mailer configuration failed")
	}
	go queue.StartEmailConsumer(cfg.AMQPURL, smtp, log)

	go purgeBlacklist(blacklist, log)

	e := echo.New()
	router.Setup(e, router.Deps{
		Cfg:     cfg,
		Auth:    handler.NewAuthHandler(users, codes, tokens, publisher, log),
		Profile: handler.NewProfileHandler(users, log),
		Tokens:  tokens,
		Limiter: limiter,
		Log:     log,
	})

	addr := ":" + cfg.Port
	log.Info().Str("addr", addr).Str("env", cfg.Env).Msg("listening")
	if err := e.Start(addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("APP_ENV") == "dev" || os.Getenv("APP_ENV") == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// purgeBlacklist periodically removes revocation rows whose tokens
// have expired on their own.
func purgeBlacklist(repo *repository.BlacklistRepo, log zerolog.Logger) {
	ticker := time.NewTicker(blacklistPurgeInterval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := repo.PurgeExpired(ctx, time.Now())
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("blacklist purge failed")
			continue
		}
		if n > 0 {
			log.Info().Int64("removed", n).Msg("blacklist purged")
		}
	}
}
