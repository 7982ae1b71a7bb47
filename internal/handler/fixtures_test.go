package handler

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/internal/audit"
	"github.com/pesio-ai/be-clm-identity/internal/mailer"
	"github.com/pesio-ai/be-clm-identity/internal/repository"
	"github.com/pesio-ai/be-clm-identity/internal/service"
	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
	"github.com/pesio-ai/be-clm-identity/pkg/password"
)

// memState backs the store fakes the handlers are wired against. Guarded
// writes hold the mutex across the whole check-and-set, like the conditional
// updates in the pgx repositories.
type memState struct {
	mu          sync.Mutex
	users       map[uuid.UUID]*repository.User
	sessions    map[uuid.UUID]*repository.Session
	invitations map[uuid.UUID]*repository.Invitation
	profiles    map[repository.ProfileRef]*repository.Profile
	roles       map[uuid.UUID]*repository.Role
	resets      map[uuid.UUID]*repository.PasswordResetToken

	// userLookupErr, when set, makes user-by-id lookups fail, standing in
	// for a store outage.
	userLookupErr error
}

func (m *memState) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type memUsers struct{ st *memState }

func (f *memUsers) GetByID(_ context.Context, id uuid.UUID) (*repository.User, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if f.st.userLookupErr != nil {
		return nil, f.st.userLookupErr
	}
	user, ok := f.st.users[id]
	if !ok {
		return nil, apperr.NotFound("user")
	}
	copied := *user
	return &copied, nil
}

func (f *memUsers) GetByEmail(_ context.Context, email string) (*repository.User, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, user := range f.st.users {
		if strings.EqualFold(user.Email, email) {
			copied := *user
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("user")
}

func (f *memUsers) EmailInUse(_ context.Context, email string) (bool, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, user := range f.st.users {
		if strings.EqualFold(user.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (f *memUsers) CreateTx(_ context.Context, _ pgx.Tx, user *repository.User) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, existing := range f.st.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return apperr.Conflict("email already in use")
		}
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	copied := *user
	f.st.users[user.ID] = &copied
	return nil
}

func (f *memUsers) IncrementFailedAttempts(_ context.Context, id uuid.UUID, maxAttempts int) (int, *time.Time, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	user, ok := f.st.users[id]
	if !ok {
		return 0, nil, apperr.Internal("user vanished during lockout update", nil)
	}
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= maxAttempts && user.LockedAt == nil {
		now := time.Now()
		user.LockedAt = &now
		user.SessionsInvalidatedAt = &now
	}
	return user.FailedLoginAttempts, user.LockedAt, nil
}

func (f *memUsers) SetPasswordAndInvalidateTx(_ context.Context, _ pgx.Tx, id uuid.UUID, passwordHash string) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	user, ok := f.st.users[id]
	if !ok {
		return apperr.Internal("user vanished during password update", nil)
	}
	now := time.Now()
	user.PasswordHash = passwordHash
	user.SessionsInvalidatedAt = &now
	return nil
}

type memSessions struct{ st *memState }

func (f *memSessions) insertLocked(session *repository.Session) {
	session.ID = uuid.New()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	copied := *session
	f.st.sessions[session.ID] = &copied
}

func (f *memSessions) CreateAndResetAttempts(_ context.Context, session *repository.Session) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if user, ok := f.st.users[session.UserID]; ok {
		user.FailedLoginAttempts = 0
	}
	f.insertLocked(session)
	return nil
}

func (f *memSessions) CreateTx(_ context.Context, _ pgx.Tx, session *repository.Session) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	f.insertLocked(session)
	return nil
}

func (f *memSessions) GetByTokenHash(_ context.Context, tokenHash string) (*repository.Session, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, session := range f.st.sessions {
		if session.TokenHash == tokenHash {
			copied := *session
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("session")
}

func (f *memSessions) Revoke(_ context.Context, id uuid.UUID) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if session, ok := f.st.sessions[id]; ok && session.RevokedAt == nil {
		now := time.Now()
		session.RevokedAt = &now
	}
	return nil
}

func (f *memSessions) RevokeAllForUserTx(_ context.Context, _ pgx.Tx, userID, currentSessionID uuid.UUID) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	user, ok := f.st.users[userID]
	if !ok {
		return apperr.Internal("user vanished during session invalidation", nil)
	}
	now := time.Now()
	user.SessionsInvalidatedAt = &now
	if session, ok := f.st.sessions[currentSessionID]; ok && session.RevokedAt == nil {
		session.RevokedAt = &now
	}
	return nil
}

type memInvitations struct{ st *memState }

func (f *memInvitations) UpsertForProfile(_ context.Context, inv *repository.Invitation) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, existing := range f.st.invitations {
		if existing.Profile == inv.Profile {
			existing.TokenHash = inv.TokenHash
			existing.Email = inv.Email
			existing.RoleID = inv.RoleID
			existing.ExpiresAt = inv.ExpiresAt
			existing.CreatedBy = inv.CreatedBy
			existing.AcceptedAt = nil
			*inv = *existing
			return nil
		}
	}
	inv.ID = uuid.New()
	inv.CreatedAt = time.Now()
	copied := *inv
	f.st.invitations[inv.ID] = &copied
	return nil
}

func (f *memInvitations) GetByTokenHash(_ context.Context, tokenHash string) (*repository.Invitation, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, inv := range f.st.invitations {
		if inv.TokenHash == tokenHash {
			copied := *inv
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("invitation")
}

func (f *memInvitations) GetByID(_ context.Context, id uuid.UUID) (*repository.Invitation, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	inv, ok := f.st.invitations[id]
	if !ok {
		return nil, apperr.NotFound("invitation")
	}
	copied := *inv
	return &copied, nil
}

func (f *memInvitations) RotateToken(_ context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) (bool, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	inv, ok := f.st.invitations[id]
	if !ok || inv.AcceptedAt != nil {
		return false, nil
	}
	inv.TokenHash = tokenHash
	inv.ExpiresAt = expiresAt
	return true, nil
}

func (f *memInvitations) MarkAcceptedTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	inv, ok := f.st.invitations[id]
	if !ok || inv.AcceptedAt != nil {
		return false, nil
	}
	now := time.Now()
	inv.AcceptedAt = &now
	return true, nil
}

type memProfiles struct{ st *memState }

func (f *memProfiles) Get(_ context.Context, ref repository.ProfileRef) (*repository.Profile, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	profile, ok := f.st.profiles[ref]
	if !ok {
		return nil, apperr.NotFound("profile")
	}
	copied := *profile
	return &copied, nil
}

func (f *memProfiles) LinkUserTx(_ context.Context, _ pgx.Tx, ref repository.ProfileRef, userID uuid.UUID) (bool, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	profile, ok := f.st.profiles[ref]
	if !ok || profile.UserID != nil {
		return false, nil
	}
	profile.UserID = &userID
	return true, nil
}

type memRoles struct{ st *memState }

func (f *memRoles) GetByID(_ context.Context, id uuid.UUID) (*repository.Role, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	role, ok := f.st.roles[id]
	if !ok {
		return nil, apperr.NotFound("role")
	}
	copied := *role
	return &copied, nil
}

type memResets struct{ st *memState }

func (f *memResets) Replace(_ context.Context, token *repository.PasswordResetToken) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for id, existing := range f.st.resets {
		if existing.UserID == token.UserID && existing.ConsumedAt == nil {
			delete(f.st.resets, id)
		}
	}
	token.ID = uuid.New()
	copied := *token
	f.st.resets[token.ID] = &copied
	return nil
}

func (f *memResets) GetByTokenHash(_ context.Context, tokenHash string) (*repository.PasswordResetToken, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, reset := range f.st.resets {
		if reset.TokenHash == tokenHash {
			copied := *reset
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("reset token")
}

func (f *memResets) ConsumeTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	reset, ok := f.st.resets[id]
	if !ok || reset.ConsumedAt != nil {
		return false, nil
	}
	now := time.Now()
	reset.ConsumedAt = &now
	return true, nil
}

type memAuditor struct{}

func (memAuditor) Log(context.Context, audit.Entry) {}

func (memAuditor) LogTx(context.Context, pgx.Tx, audit.Entry) error { return nil }

type memMailer struct {
	mu       sync.Mutex
	messages []mailer.Message
}

func (f *memMailer) Enqueue(_ context.Context, msg mailer.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

// testServer is a full handler stack over the in-memory stores.
type testServer struct {
	*httptest.Server
	st   *memState
	mail *memMailer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := &memState{
		users:       map[uuid.UUID]*repository.User{},
		sessions:    map[uuid.UUID]*repository.Session{},
		invitations: map[uuid.UUID]*repository.Invitation{},
		profiles:    map[repository.ProfileRef]*repository.Profile{},
		roles:       map[uuid.UUID]*repository.Role{},
		resets:      map[uuid.UUID]*repository.PasswordResetToken{},
	}
	mail := &memMailer{}
	log := zerolog.Nop()

	const (
		sessionTTL    = 30 * 24 * time.Hour
		invitationTTL = 7 * 24 * time.Hour
		resetTTL      = time.Hour
		maxFailed     = 5
	)

	users := &memUsers{st: st}
	sessions := &memSessions{st: st}
	auditor := memAuditor{}

	auth := service.NewAuthService(st, users, sessions, auditor, sessionTTL, maxFailed, log)
	resets := service.NewPasswordResetService(st, users, &memResets{st: st}, auditor, mail, resetTTL, log)
	invites := service.NewInvitationService(
		st, users, sessions, &memInvitations{st: st}, &memProfiles{st: st}, &memRoles{st: st},
		auditor, mail, invitationTTL, sessionTTL, log,
	)

	h := NewHTTPHandler(auth, invites, resets, "", false, log)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, st: st, mail: mail}
}

func (s *testServer) seedRole(name string) uuid.UUID {
	role := &repository.Role{ID: uuid.New(), Name: name, CreatedAt: time.Now()}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.roles[role.ID] = role
	return role.ID
}

func (s *testServer) seedUser(email, plaintext string, roleID uuid.UUID) *repository.User {
	hash, err := password.Hash(plaintext, nil)
	if err != nil {
		panic(err)
	}
	user := &repository.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		RoleID:       roleID,
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.users[user.ID] = user
	return user
}

func (s *testServer) seedProfile(kind repository.ProfileKind, email string) repository.ProfileRef {
	ref := repository.ProfileRef{Kind: kind, ID: uuid.New()}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.profiles[ref] = &repository.Profile{Ref: ref, Email: email, FullName: "Test Person", IsActive: true}
	return ref
}
