package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/internal/audit"
	"github.com/pesio-ai/be-clm-identity/internal/mailer"
	"github.com/pesio-ai/be-clm-identity/internal/metrics"
	"github.com/pesio-ai/be-clm-identity/internal/repository"
	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
	"github.com/pesio-ai/be-clm-identity/pkg/password"
	"github.com/pesio-ai/be-clm-identity/pkg/token"
)

// msgInvalidResetToken covers absent, consumed, and expired tokens alike.
const msgInvalidResetToken = "invalid or expired reset token"

// PasswordResetService drives the request/validate/consume token flow.
type PasswordResetService struct {
	db     repository.TxRunner
	users  UserStore
	tokens ResetTokenStore
	audit  Auditor
	mail   Deliverer
	ttl    time.Duration
	log    zerolog.Logger
}

func NewPasswordResetService(
	db repository.TxRunner,
	users UserStore,
	tokens ResetTokenStore,
	auditor Auditor,
	mail Deliverer,
	ttl time.Duration,
	log zerolog.Logger,
) *PasswordResetService {
	return &PasswordResetService{
		db:     db,
		users:  users,
		tokens: tokens,
		audit:  auditor,
		mail:   mail,
		ttl:    ttl,
		log:    log,
	}
}

// Request issues a reset token for the account, replacing any prior
// unconsumed one. Unknown or inactive emails are silently ignored so the
// response is uniform for every input.
func (s *PasswordResetService) Request(ctx context.Context, email, ipAddress, userAgent string) error {
	user, err := s.users.GetByEmail(ctx, email)
	if apperr.IsNotFound(err) {
		s.log.Debug().Msg("Password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return err
	}
	if !user.IsActive {
		s.log.Debug().Str("user_id", user.ID.String()).Msg("Password reset requested for inactive account")
		return nil
	}

	raw, err := token.Generate()
	if err != nil {
		return apperr.Internal("failed to generate reset token", err)
	}

	reset := &repository.PasswordResetToken{
		UserID:    user.ID,
		TokenHash: token.Hash(raw),
		ExpiresAt: time.Now().Add(s.ttl),
	}
	if err := s.tokens.Replace(ctx, reset); err != nil {
		return err
	}

	s.mail.Enqueue(ctx, mailer.Message{
		Kind:      mailer.KindPasswordReset,
		To:        user.Email,
		Token:     raw,
		ExpiresAt: reset.ExpiresAt,
	})

	s.audit.Log(ctx, audit.Entry{
		Action:     "password_reset.requested",
		TargetType: "user",
		TargetID:   user.ID.String(),
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	})

	s.log.Info().Str("user_id", user.ID.String()).Msg("Password reset token issued")
	return nil
}

// ResetTokenInfo is what the validate endpoint exposes: expiry only.
type ResetTokenInfo struct {
	ExpiresAt time.Time
}

// Validate checks a raw reset token without consuming it.
func (s *PasswordResetService) Validate(ctx context.Context, rawToken string) (*ResetTokenInfo, error) {
	reset, err := s.liveToken(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	return &ResetTokenInfo{ExpiresAt: reset.ExpiresAt}, nil
}

// Consume redeems the token exactly once: marks it consumed, rewrites the
// password hash, and moves the invalidation watermark, all in one
// transaction. Losing the consumption race reads the same as an unknown
// token.
func (s *PasswordResetService) Consume(ctx context.Context, rawToken, newPassword, ipAddress, userAgent string) error {
	if len(newPassword) < minPasswordLength {
		return apperr.BadRequest("password must be at least 8 characters")
	}

	reset, err := s.liveToken(ctx, rawToken)
	if err != nil {
		return err
	}

	newHash, err := password.Hash(newPassword, nil)
	if err != nil {
		return apperr.Internal("failed to hash password", err)
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		consumed, err := s.tokens.ConsumeTx(ctx, tx, reset.ID)
		if err != nil {
			return err
		}
		if !consumed {
			return apperr.NotFoundMsg(msgInvalidResetToken)
		}

		if err := s.users.SetPasswordAndInvalidateTx(ctx, tx, reset.UserID, newHash); err != nil {
			return err
		}

		return s.audit.LogTx(ctx, tx, audit.Entry{
			ActorID:    &reset.UserID,
			Action:     "password_reset.consumed",
			TargetType: "user",
			TargetID:   reset.UserID.String(),
			IPAddress:  ipAddress,
			UserAgent:  userAgent,
		})
	})
	if err != nil {
		return err
	}

	metrics.PasswordResetsConsumed.Inc()
	s.log.Info().Str("user_id", reset.UserID.String()).Msg("Password reset consumed")
	return nil
}

// liveToken resolves a raw token to an unconsumed, unexpired row. Absent,
// consumed, and expired all return the identical error.
func (s *PasswordResetService) liveToken(ctx context.Context, rawToken string) (*repository.PasswordResetToken, error) {
	if rawToken == "" {
		return nil, apperr.NotFoundMsg(msgInvalidResetToken)
	}

	reset, err := s.tokens.GetByTokenHash(ctx, token.Hash(rawToken))
	if apperr.IsNotFound(err) {
		return nil, apperr.NotFoundMsg(msgInvalidResetToken)
	}
	if err != nil {
		return nil, err
	}

	if reset.ConsumedAt != nil || !time.Now().Before(reset.ExpiresAt) {
		return nil, apperr.NotFoundMsg(msgInvalidResetToken)
	}
	return reset, nil
}
