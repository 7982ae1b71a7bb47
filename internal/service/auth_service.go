package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/internal/audit"
	"github.com/pesio-ai/be-clm-identity/internal/metrics"
	"github.com/pesio-ai/be-clm-identity/internal/repository"
	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
	"github.com/pesio-ai/be-clm-identity/pkg/password"
	"github.com/pesio-ai/be-clm-identity/pkg/token"
)

// Caller-facing messages. Failed credentials read identically whether the
// account exists or not.
const (
	msgInvalidCredentials = "invalid email or password"
	msgAccountLocked      = "account is locked"
	msgAccountInactive    = "account is inactive"
	msgInvalidSession     = "invalid or expired session"
)

// AuthService handles login, logout, and per-request authentication.
type AuthService struct {
	db              repository.TxRunner
	users           UserStore
	sessions        SessionStore
	audit           Auditor
	sessionTTL      time.Duration
	maxFailedLogins int
	log             zerolog.Logger
}

func NewAuthService(
	db repository.TxRunner,
	users UserStore,
	sessions SessionStore,
	auditor Auditor,
	sessionTTL time.Duration,
	maxFailedLogins int,
	log zerolog.Logger,
) *AuthService {
	return &AuthService{
		db:              db,
		users:           users,
		sessions:        sessions,
		audit:           auditor,
		sessionTTL:      sessionTTL,
		maxFailedLogins: maxFailedLogins,
		log:             log,
	}
}

type LoginRequest struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

type LoginResult struct {
	User    *repository.User
	Session *repository.Session
	// Token is the raw session token, surfaced exactly once.
	Token string
}

// Login authenticates a user and opens a session. Granting the session and
// resetting the failed-attempt counter happen in one transaction.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*LoginResult, error) {
	s.log.Info().Str("email", req.Email).Msg("Login attempt")

	user, err := s.users.GetByEmail(ctx, req.Email)
	if apperr.IsNotFound(err) {
		// Burn the same hashing work as the real-user path so response
		// timing does not disclose whether the account exists.
		if _, verr := password.VerifyWithFallback(req.Password, nil); verr != nil {
			return nil, apperr.Internal("password verification error", verr)
		}
		metrics.LoginAttempts.WithLabelValues(metrics.ResultFailure).Inc()
		s.audit.Log(ctx, audit.Entry{
			Action:     "login.failed",
			TargetType: "user",
			Metadata:   map[string]any{"reason": "unknown email"},
			IPAddress:  req.IPAddress,
			UserAgent:  req.UserAgent,
		})
		return nil, apperr.Unauthorized(msgInvalidCredentials)
	}
	if err != nil {
		return nil, err
	}

	if user.LockedAt != nil {
		s.log.Warn().Str("user_id", user.ID.String()).Msg("Login attempt on locked account")
		metrics.LoginAttempts.WithLabelValues(metrics.ResultLocked).Inc()
		return nil, apperr.Unauthorized(msgAccountLocked)
	}

	if !user.IsActive {
		s.log.Warn().Str("user_id", user.ID.String()).Msg("Login attempt on inactive account")
		return nil, apperr.Unauthorized(msgAccountInactive)
	}

	valid, err := password.VerifyWithFallback(req.Password, &user.PasswordHash)
	if err != nil {
		return nil, apperr.Internal("password verification error", err)
	}

	if !valid {
		count, lockedAt, err := s.users.IncrementFailedAttempts(ctx, user.ID, s.maxFailedLogins)
		if err != nil {
			return nil, err
		}

		if lockedAt != nil {
			s.log.Warn().Str("user_id", user.ID.String()).Int("attempts", count).Msg("Account locked after repeated failed logins")
			metrics.AccountLockouts.Inc()
			s.audit.Log(ctx, audit.Entry{
				Action:     "account.locked",
				TargetType: "user",
				TargetID:   user.ID.String(),
				Metadata:   map[string]any{"attempts": count},
				IPAddress:  req.IPAddress,
				UserAgent:  req.UserAgent,
			})
		}

		metrics.LoginAttempts.WithLabelValues(metrics.ResultFailure).Inc()
		s.audit.Log(ctx, audit.Entry{
			Action:     "login.failed",
			TargetType: "user",
			TargetID:   user.ID.String(),
			Metadata:   map[string]any{"reason": "wrong password", "attempts": count},
			IPAddress:  req.IPAddress,
			UserAgent:  req.UserAgent,
		})
		return nil, apperr.Unauthorized(msgInvalidCredentials)
	}

	raw, err := token.Generate()
	if err != nil {
		return nil, apperr.Internal("failed to generate session token", err)
	}

	session := &repository.Session{
		UserID:    user.ID,
		TokenHash: token.Hash(raw),
		ExpiresAt: time.Now().Add(s.sessionTTL),
		IPAddress: optional(req.IPAddress),
		UserAgent: optional(req.UserAgent),
	}

	if err := s.sessions.CreateAndResetAttempts(ctx, session); err != nil {
		return nil, err
	}

	metrics.LoginAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
	s.audit.Log(ctx, audit.Entry{
		ActorID:    &user.ID,
		Action:     "login.succeeded",
		TargetType: "session",
		TargetID:   session.ID.String(),
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
	})

	s.log.Info().Str("user_id", user.ID.String()).Str("session_id", session.ID.String()).Msg("Login successful")

	return &LoginResult{User: user, Session: session, Token: raw}, nil
}

// Identity is what the authentication gate attaches to the request context.
type Identity struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	RoleID    uuid.UUID
}

// Authenticate resolves a raw bearer token to a live user and session. Every
// rejection collapses to the same Unauthorized error. The gate is
// side-effect-free.
func (s *AuthService) Authenticate(ctx context.Context, rawToken string) (*Identity, error) {
	if rawToken == "" {
		return nil, apperr.Unauthorized(msgInvalidSession)
	}

	session, err := s.sessions.GetByTokenHash(ctx, token.Hash(rawToken))
	if apperr.IsNotFound(err) {
		return nil, apperr.Unauthorized(msgInvalidSession)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if session.RevokedAt != nil || !now.Before(session.ExpiresAt) {
		return nil, apperr.Unauthorized(msgInvalidSession)
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if apperr.IsNotFound(err) {
		return nil, apperr.Internal("session owner vanished", err)
	}
	if err != nil {
		return nil, err
	}

	if !user.IsActive || user.LockedAt != nil {
		return nil, apperr.Unauthorized(msgInvalidSession)
	}

	// Strict before: sessions stamped exactly at the watermark stay valid,
	// which is why revoke-all force-revokes the acting session itself.
	if user.SessionsInvalidatedAt != nil && session.CreatedAt.Before(*user.SessionsInvalidatedAt) {
		return nil, apperr.Unauthorized(msgInvalidSession)
	}

	return &Identity{UserID: user.ID, SessionID: session.ID, RoleID: user.RoleID}, nil
}

// Logout revokes the current session. Revoking twice is a no-op.
func (s *AuthService) Logout(ctx context.Context, ident *Identity) error {
	if err := s.sessions.Revoke(ctx, ident.SessionID); err != nil {
		return err
	}

	s.audit.Log(ctx, audit.Entry{
		ActorID:    &ident.UserID,
		Action:     "logout",
		TargetType: "session",
		TargetID:   ident.SessionID.String(),
	})
	s.log.Info().Str("session_id", ident.SessionID.String()).Msg("Logout successful")
	return nil
}

// LogoutAll invalidates every session the user holds, including the acting
// one.
func (s *AuthService) LogoutAll(ctx context.Context, ident *Identity) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.sessions.RevokeAllForUserTx(ctx, tx, ident.UserID, ident.SessionID)
	})
	if err != nil {
		return err
	}

	s.audit.Log(ctx, audit.Entry{
		ActorID:    &ident.UserID,
		Action:     "logout.all",
		TargetType: "user",
		TargetID:   ident.UserID.String(),
	})
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
