package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/internal/audit"
	"github.com/pesio-ai/be-clm-identity/internal/config"
	"github.com/pesio-ai/be-clm-identity/internal/handler"
	"github.com/pesio-ai/be-clm-identity/internal/mailer"
	"github.com/pesio-ai/be-clm-identity/internal/repository"
	"github.com/pesio-ai/be-clm-identity/internal/service"
	"github.com/pesio-ai/be-clm-identity/pkg/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		bootLog := logger.New(logger.Config{ServiceName: "clm-identity"})
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		ServiceName: "clm-identity",
	})

	// Database
	log.Info().Msg("Connecting to database")
	dbPool, err := repository.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()
	log.Info().Msg("Database connection established")

	if err := repository.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}
	log.Info().Msg("Migrations applied")

	// Mail bus; the service runs without one, dropping outbound mail.
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("clm-identity"))
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		log.Info().Msg("Mail bus connected")
	} else {
		log.Warn().Msg("NATS_URL not set, outbound mail disabled")
	}

	// Repositories
	db := repository.NewDB(dbPool)
	userRepo := repository.NewUserRepository(dbPool, log)
	sessionRepo := repository.NewSessionRepository(dbPool, log)
	invitationRepo := repository.NewInvitationRepository(dbPool, log)
	profileRepo := repository.NewProfileRepository(dbPool, log)
	roleRepo := repository.NewRoleRepository(dbPool, log)
	resetRepo := repository.NewResetTokenRepository(dbPool, log)

	recorder := audit.NewRecorder(dbPool, log)
	mail := mailer.New(nc, log)

	// Services
	authService := service.NewAuthService(db, userRepo, sessionRepo, recorder, cfg.SessionTTL, cfg.MaxFailedLogins, log)
	invitationService := service.NewInvitationService(db, userRepo, sessionRepo, invitationRepo, profileRepo, roleRepo,
		recorder, mail, cfg.InvitationTTL, cfg.SessionTTL, log)
	resetService := service.NewPasswordResetService(db, userRepo, resetRepo, recorder, mail, cfg.ResetTokenTTL, log)

	// HTTP
	httpHandler := handler.NewHTTPHandler(authService, invitationService, resetService, cfg.CookieDomain, cfg.CookieSecure, log)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepExpired(sweepCtx, cfg.SweepInterval, sessionRepo, resetRepo, log)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// sweepExpired periodically clears expired sessions and reset tokens. Expiry
// is enforced on read; the sweep is storage hygiene.
func sweepExpired(ctx context.Context, interval time.Duration, sessions *repository.SessionRepository, resets *repository.ResetTokenRepository, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sessions.DeleteExpired(ctx); err != nil {
				log.Error().Err(err).Msg("Session sweep failed")
			}
			if err := resets.DeleteExpired(ctx); err != nil {
				log.Error().Err(err).Msg("Reset token sweep failed")
			}
		}
	}
}
