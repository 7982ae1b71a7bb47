package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/internal/audit"
	"github.com/pesio-ai/be-clm-identity/internal/mailer"
	"github.com/pesio-ai/be-clm-identity/internal/repository"
	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
	"github.com/pesio-ai/be-clm-identity/pkg/password"
)

// fakeState is the shared in-memory backing for the per-interface store
// fakes. Every guarded write holds the mutex for the whole check-and-set,
// mirroring the single-statement conditional updates the pgx repositories
// perform, so race behaviour is observable in tests.
type fakeState struct {
	mu          sync.Mutex
	users       map[uuid.UUID]*repository.User
	sessions    map[uuid.UUID]*repository.Session
	invitations map[uuid.UUID]*repository.Invitation
	profiles    map[repository.ProfileRef]*repository.Profile
	roles       map[uuid.UUID]*repository.Role
	resets      map[uuid.UUID]*repository.PasswordResetToken
}

func newFakeState() *fakeState {
	return &fakeState{
		users:       map[uuid.UUID]*repository.User{},
		sessions:    map[uuid.UUID]*repository.Session{},
		invitations: map[uuid.UUID]*repository.Invitation{},
		profiles:    map[repository.ProfileRef]*repository.Profile{},
		roles:       map[uuid.UUID]*repository.Role{},
		resets:      map[uuid.UUID]*repository.PasswordResetToken{},
	}
}

// WithTx satisfies repository.TxRunner. The fakes have no real transactions;
// each guarded write is individually atomic, which is what the race tests
// exercise.
func (f *fakeState) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakeUsers struct{ st *fakeState }

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*repository.User, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	user, ok := f.st.users[id]
	if !ok {
		return nil, apperr.NotFound("user")
	}
	copied := *user
	return &copied, nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*repository.User, error) {
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

func (f *fakeUsers) EmailInUse(_ context.Context, email string) (bool, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, user := range f.st.users {
		if strings.EqualFold(user.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUsers) CreateTx(_ context.Context, _ pgx.Tx, user *repository.User) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, existing := range f.st.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return apperr.Conflict("email already in use")
		}
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	f.st.users[user.ID] = &copied
	return nil
}

func (f *fakeUsers) IncrementFailedAttempts(_ context.Context, id uuid.UUID, maxAttempts int) (int, *time.Time, error) {
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

func (f *fakeUsers) SetPasswordAndInvalidateTx(_ context.Context, _ pgx.Tx, id uuid.UUID, passwordHash string) error {
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

type fakeSessions struct{ st *fakeState }

func (f *fakeSessions) CreateAndResetAttempts(_ context.Context, session *repository.Session) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if user, ok := f.st.users[session.UserID]; ok {
		user.FailedLoginAttempts = 0
	}
	f.insertLocked(session)
	return nil
}

func (f *fakeSessions) CreateTx(_ context.Context, _ pgx.Tx, session *repository.Session) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	f.insertLocked(session)
	return nil
}

func (f *fakeSessions) insertLocked(session *repository.Session) {
	session.ID = uuid.New()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	copied := *session
	f.st.sessions[session.ID] = &copied
}

func (f *fakeSessions) GetByTokenHash(_ context.Context, tokenHash string) (*repository.Session, error) {
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

func (f *fakeSessions) Revoke(_ context.Context, id uuid.UUID) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if session, ok := f.st.sessions[id]; ok && session.RevokedAt == nil {
		now := time.Now()
		session.RevokedAt = &now
	}
	return nil
}

func (f *fakeSessions) RevokeAllForUserTx(_ context.Context, _ pgx.Tx, userID, currentSessionID uuid.UUID) error {
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

type fakeInvitations struct{ st *fakeState }

func (f *fakeInvitations) UpsertForProfile(_ context.Context, inv *repository.Invitation) error {
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
			existing.UpdatedAt = time.Now()
			*inv = *existing
			return nil
		}
	}
	inv.ID = uuid.New()
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	copied := *inv
	f.st.invitations[inv.ID] = &copied
	return nil
}

func (f *fakeInvitations) GetByTokenHash(_ context.Context, tokenHash string) (*repository.Invitation, error) {
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

func (f *fakeInvitations) GetByID(_ context.Context, id uuid.UUID) (*repository.Invitation, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	inv, ok := f.st.invitations[id]
	if !ok {
		return nil, apperr.NotFound("invitation")
	}
	copied := *inv
	return &copied, nil
}

func (f *fakeInvitations) RotateToken(_ context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) (bool, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	inv, ok := f.st.invitations[id]
	if !ok || inv.AcceptedAt != nil {
		return false, nil
	}
	inv.TokenHash = tokenHash
	inv.ExpiresAt = expiresAt
	inv.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeInvitations) MarkAcceptedTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	inv, ok := f.st.invitations[id]
	if !ok || inv.AcceptedAt != nil {
		return false, nil
	}
	now := time.Now()
	inv.AcceptedAt = &now
	inv.UpdatedAt = now
	return true, nil
}

type fakeProfiles struct{ st *fakeState }

func (f *fakeProfiles) Get(_ context.Context, ref repository.ProfileRef) (*repository.Profile, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	profile, ok := f.st.profiles[ref]
	if !ok {
		return nil, apperr.NotFound("profile")
	}
	copied := *profile
	return &copied, nil
}

func (f *fakeProfiles) LinkUserTx(_ context.Context, _ pgx.Tx, ref repository.ProfileRef, userID uuid.UUID) (bool, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	profile, ok := f.st.profiles[ref]
	if !ok || profile.UserID != nil {
		return false, nil
	}
	profile.UserID = &userID
	return true, nil
}

type fakeRoles struct{ st *fakeState }

func (f *fakeRoles) GetByID(_ context.Context, id uuid.UUID) (*repository.Role, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	role, ok := f.st.roles[id]
	if !ok {
		return nil, apperr.NotFound("role")
	}
	copied := *role
	return &copied, nil
}

type fakeResets struct{ st *fakeState }

func (f *fakeResets) Replace(_ context.Context, token *repository.PasswordResetToken) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for id, existing := range f.st.resets {
		if existing.UserID == token.UserID && existing.ConsumedAt == nil {
			delete(f.st.resets, id)
		}
	}
	token.ID = uuid.New()
	token.CreatedAt = time.Now()
	copied := *token
	f.st.resets[token.ID] = &copied
	return nil
}

func (f *fakeResets) GetByTokenHash(_ context.Context, tokenHash string) (*repository.PasswordResetToken, error) {
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

func (f *fakeResets) ConsumeTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
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

type fakeAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAuditor) Log(_ context.Context, e audit.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

func (f *fakeAuditor) LogTx(ctx context.Context, _ pgx.Tx, e audit.Entry) error {
	f.Log(ctx, e)
	return nil
}

func (f *fakeAuditor) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeMailer struct {
	mu       sync.Mutex
	messages []mailer.Message
}

func (f *fakeMailer) Enqueue(_ context.Context, msg mailer.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeMailer) last() (mailer.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return mailer.Message{}, false
	}
	return f.messages[len(f.messages)-1], true
}

// testEnv wires the three services against a shared fake state.
type testEnv struct {
	st      *fakeState
	auditor *fakeAuditor
	mail    *fakeMailer

	auth    *AuthService
	resets  *PasswordResetService
	invites *InvitationService
}

const (
	testSessionTTL    = 30 * 24 * time.Hour
	testInvitationTTL = 7 * 24 * time.Hour
	testResetTTL      = time.Hour
	testMaxFailed     = 5
)

func newTestEnv() *testEnv {
	st := newFakeState()
	auditor := &fakeAuditor{}
	mail := &fakeMailer{}
	log := zerolog.Nop()

	users := &fakeUsers{st: st}
	sessions := &fakeSessions{st: st}
	invitations := &fakeInvitations{st: st}
	profiles := &fakeProfiles{st: st}
	roles := &fakeRoles{st: st}
	resets := &fakeResets{st: st}

	return &testEnv{
		st:      st,
		auditor: auditor,
		mail:    mail,
		auth:    NewAuthService(st, users, sessions, auditor, testSessionTTL, testMaxFailed, log),
		resets:  NewPasswordResetService(st, users, resets, auditor, mail, testResetTTL, log),
		invites: NewInvitationService(st, users, sessions, invitations, profiles, roles, auditor, mail, testInvitationTTL, testSessionTTL, log),
	}
}

func (e *testEnv) seedRole(name string) uuid.UUID {
	role := &repository.Role{ID: uuid.New(), Name: name, CreatedAt: time.Now()}
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	e.st.roles[role.ID] = role
	return role.ID
}

func (e *testEnv) seedUser(email, plaintext string, roleID uuid.UUID) *repository.User {
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
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	e.st.users[user.ID] = user
	return user
}

func (e *testEnv) seedProfile(kind repository.ProfileKind, email string) repository.ProfileRef {
	ref := repository.ProfileRef{Kind: kind, ID: uuid.New()}
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	e.st.profiles[ref] = &repository.Profile{
		Ref:      ref,
		Email:    email,
		FullName: "Test Person",
		IsActive: true,
	}
	return ref
}

func (e *testEnv) user(id uuid.UUID) *repository.User {
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	copied := *e.st.users[id]
	return &copied
}

func (e *testEnv) profile(ref repository.ProfileRef) *repository.Profile {
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	copied := *e.st.profiles[ref]
	return &copied
}

func (e *testEnv) session(id uuid.UUID) *repository.Session {
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	copied := *e.st.sessions[id]
	return &copied
}
