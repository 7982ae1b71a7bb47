package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
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

// msgInvalidInvitation covers absent, accepted, and expired invitations
// alike; distinguishing them would be an enumeration side-channel.
const msgInvalidInvitation = "invalid or expired invitation"

// InvitationService drives the create/validate/resend/accept lifecycle.
type InvitationService struct {
	db            repository.TxRunner
	users         UserStore
	sessions      SessionStore
	invitations   InvitationStore
	profiles      ProfileStore
	roles         RoleStore
	audit         Auditor
	mail          Deliverer
	invitationTTL time.Duration
	sessionTTL    time.Duration
	log           zerolog.Logger
}

func NewInvitationService(
	db repository.TxRunner,
	users UserStore,
	sessions SessionStore,
	invitations InvitationStore,
	profiles ProfileStore,
	roles RoleStore,
	auditor Auditor,
	mail Deliverer,
	invitationTTL time.Duration,
	sessionTTL time.Duration,
	log zerolog.Logger,
) *InvitationService {
	return &InvitationService{
		db:            db,
		users:         users,
		sessions:      sessions,
		invitations:   invitations,
		profiles:      profiles,
		roles:         roles,
		audit:         auditor,
		mail:          mail,
		invitationTTL: invitationTTL,
		sessionTTL:    sessionTTL,
		log:           log,
	}
}

// CreateInvitationRequest targets exactly one of the profile id fields.
// Email may only override the profile email for affiliates.
type CreateInvitationRequest struct {
	RoleID        uuid.UUID
	EmployeeID    *uuid.UUID
	AgentID       *uuid.UUID
	ClientAdminID *uuid.UUID
	AffiliateID   *uuid.UUID
	Email         string
	ActorID       *uuid.UUID
	IPAddress     string
	UserAgent     string
}

// InvitationResult carries the raw token, surfaced exactly once.
type InvitationResult struct {
	Invitation *repository.Invitation
	Token      string
}

// Create provisions the single invitation for a profile, rotating any stale
// one for the same profile.
func (s *InvitationService) Create(ctx context.Context, req *CreateInvitationRequest) (*InvitationResult, error) {
	ref, err := repository.OneProfileRef(req.EmployeeID, req.AgentID, req.ClientAdminID, req.AffiliateID)
	if err != nil {
		return nil, err
	}

	if _, err := s.roles.GetByID(ctx, req.RoleID); err != nil {
		return nil, err
	}

	profile, err := s.profiles.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := checkProfileInvitable(profile); err != nil {
		return nil, err
	}

	email := resolveInvitationEmail(profile, req.Email)
	if email == "" {
		return nil, apperr.BadRequest("invitation email required")
	}

	inUse, err := s.users.EmailInUse(ctx, email)
	if err != nil {
		return nil, err
	}
	if inUse {
		return nil, apperr.Conflict("email already in use")
	}

	raw, err := token.Generate()
	if err != nil {
		return nil, apperr.Internal("failed to generate invitation token", err)
	}

	inv := &repository.Invitation{
		TokenHash: token.Hash(raw),
		Email:     email,
		RoleID:    req.RoleID,
		Profile:   ref,
		ExpiresAt: time.Now().Add(s.invitationTTL),
		CreatedBy: req.ActorID,
	}
	if err := s.invitations.UpsertForProfile(ctx, inv); err != nil {
		return nil, err
	}

	s.mail.Enqueue(ctx, mailer.Message{
		Kind:      mailer.KindInvitation,
		To:        email,
		Token:     raw,
		ExpiresAt: inv.ExpiresAt,
	})

	s.audit.Log(ctx, audit.Entry{
		ActorID:    req.ActorID,
		Action:     "invitation.created",
		TargetType: "invitation",
		TargetID:   inv.ID.String(),
		Metadata:   map[string]any{"profile_kind": string(ref.Kind), "profile_id": ref.ID.String()},
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
	})

	s.log.Info().
		Str("invitation_id", inv.ID.String()).
		Str("profile_kind", string(ref.Kind)).
		Msg("Invitation created")

	return &InvitationResult{Invitation: inv, Token: raw}, nil
}

// InvitationInfo is what the pre-accept validate endpoint exposes.
type InvitationInfo struct {
	Email     string
	ExpiresAt time.Time
}

// Validate checks a raw invitation token for the accept form.
func (s *InvitationService) Validate(ctx context.Context, rawToken string) (*InvitationInfo, error) {
	inv, err := s.liveInvitation(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	return &InvitationInfo{Email: inv.Email, ExpiresAt: inv.ExpiresAt}, nil
}

// Resend rotates the token and expiry of a pending invitation. The rotation
// is guarded on the invitation being unaccepted, so a resend racing an
// in-flight accept cannot resurrect it.
func (s *InvitationService) Resend(ctx context.Context, id uuid.UUID, actorID *uuid.UUID, ipAddress, userAgent string) (*InvitationResult, error) {
	inv, err := s.invitations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.AcceptedAt != nil {
		return nil, apperr.Conflict("invitation already accepted")
	}

	raw, err := token.Generate()
	if err != nil {
		return nil, apperr.Internal("failed to generate invitation token", err)
	}

	expiresAt := time.Now().Add(s.invitationTTL)
	rotated, err := s.invitations.RotateToken(ctx, id, token.Hash(raw), expiresAt)
	if err != nil {
		return nil, err
	}
	if !rotated {
		// an accept landed between the read and the rotation
		return nil, apperr.Conflict("invitation already accepted")
	}

	inv.TokenHash = token.Hash(raw)
	inv.ExpiresAt = expiresAt

	s.mail.Enqueue(ctx, mailer.Message{
		Kind:      mailer.KindInvitation,
		To:        inv.Email,
		Token:     raw,
		ExpiresAt: expiresAt,
	})

	s.audit.Log(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     "invitation.resent",
		TargetType: "invitation",
		TargetID:   inv.ID.String(),
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	})

	return &InvitationResult{Invitation: inv, Token: raw}, nil
}

type AcceptInvitationRequest struct {
	Token     string
	Password  string
	IPAddress string
	UserAgent string
}

type AcceptResult struct {
	User    *repository.User
	Session *repository.Session
	// SessionToken is the raw session token, surfaced exactly once, after
	// commit.
	SessionToken string
}

// Accept redeems an invitation: marks it accepted, provisions the user, links
// the profile, opens a session, and audits, all in one transaction. Losing
// the acceptance race reads the same as an unknown token; losing the
// profile-link race is a Conflict and nothing is kept.
func (s *InvitationService) Accept(ctx context.Context, req *AcceptInvitationRequest) (*AcceptResult, error) {
	if len(req.Password) < minPasswordLength {
		return nil, apperr.BadRequest("password must be at least 8 characters")
	}

	inv, err := s.liveInvitation(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	// Re-checks: time has passed since the invitation was created.
	inUse, err := s.users.EmailInUse(ctx, inv.Email)
	if err != nil {
		return nil, err
	}
	if inUse {
		return nil, apperr.Conflict("email already in use")
	}

	profile, err := s.profiles.Get(ctx, inv.Profile)
	if apperr.IsNotFound(err) {
		return nil, apperr.Internal("invitation references a missing profile", err)
	}
	if err != nil {
		return nil, err
	}
	if err := checkProfileInvitable(profile); err != nil {
		return nil, err
	}

	passwordHash, err := password.Hash(req.Password, nil)
	if err != nil {
		return nil, apperr.Internal("failed to hash password", err)
	}

	rawSession, err := token.Generate()
	if err != nil {
		return nil, apperr.Internal("failed to generate session token", err)
	}

	now := time.Now()
	user := &repository.User{
		Email:        inv.Email,
		PasswordHash: passwordHash,
		IsActive:     true,
		// invitation delivery already proved ownership of the mailbox
		EmailVerifiedAt: &now,
		RoleID:          inv.RoleID,
	}
	session := &repository.Session{
		TokenHash: token.Hash(rawSession),
		ExpiresAt: now.Add(s.sessionTTL),
		IPAddress: optional(req.IPAddress),
		UserAgent: optional(req.UserAgent),
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		accepted, err := s.invitations.MarkAcceptedTx(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if !accepted {
			// a concurrent acceptance won
			return apperr.NotFoundMsg(msgInvalidInvitation)
		}

		if err := s.users.CreateTx(ctx, tx, user); err != nil {
			return err
		}

		linked, err := s.profiles.LinkUserTx(ctx, tx, inv.Profile, user.ID)
		if err != nil {
			return err
		}
		if !linked {
			return apperr.Conflict("profile already linked to a user")
		}

		session.UserID = user.ID
		if err := s.sessions.CreateTx(ctx, tx, session); err != nil {
			return err
		}

		return s.audit.LogTx(ctx, tx, audit.Entry{
			ActorID:    &user.ID,
			Action:     "invitation.accepted",
			TargetType: "invitation",
			TargetID:   inv.ID.String(),
			Metadata:   map[string]any{"profile_kind": string(inv.Profile.Kind), "profile_id": inv.Profile.ID.String()},
			IPAddress:  req.IPAddress,
			UserAgent:  req.UserAgent,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.InvitationsAccepted.Inc()
	s.log.Info().
		Str("invitation_id", inv.ID.String()).
		Str("user_id", user.ID.String()).
		Msg("Invitation accepted")

	return &AcceptResult{User: user, Session: session, SessionToken: rawSession}, nil
}

// liveInvitation resolves a raw token to an unaccepted, unexpired invitation.
// Absent, accepted, and expired all return the identical error.
func (s *InvitationService) liveInvitation(ctx context.Context, rawToken string) (*repository.Invitation, error) {
	if rawToken == "" {
		return nil, apperr.NotFoundMsg(msgInvalidInvitation)
	}

	inv, err := s.invitations.GetByTokenHash(ctx, token.Hash(rawToken))
	if apperr.IsNotFound(err) {
		return nil, apperr.NotFoundMsg(msgInvalidInvitation)
	}
	if err != nil {
		return nil, err
	}

	if inv.AcceptedAt != nil || !time.Now().Before(inv.ExpiresAt) {
		return nil, apperr.NotFoundMsg(msgInvalidInvitation)
	}
	return inv, nil
}

func checkProfileInvitable(profile *repository.Profile) error {
	if !profile.IsActive {
		return apperr.BadRequest("profile is not active")
	}
	if profile.UserID != nil {
		return apperr.Conflict("profile already linked to a user")
	}
	return nil
}

// resolveInvitationEmail folds the resolved address. The profile email is
// authoritative except for affiliates, which may supply an override.
func resolveInvitationEmail(profile *repository.Profile, override string) string {
	email := profile.Email
	if profile.Ref.Kind == repository.KindAffiliate && strings.TrimSpace(override) != "" {
		email = override
	}
	return strings.ToLower(strings.TrimSpace(email))
}
