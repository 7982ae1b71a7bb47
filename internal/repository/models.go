package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
)

// User is the identity record. Email is unique under case-folding; the
// sessions-invalidated watermark and lock stamp drive the authentication gate.
type User struct {
	ID                    uuid.UUID
	Email                 string
	PasswordHash          string
	IsActive              bool
	EmailVerifiedAt       *time.Time
	FailedLoginAttempts   int
	LockedAt              *time.Time
	SessionsInvalidatedAt *time.Time
	RoleID                uuid.UUID
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Session is a login. Valid iff not revoked, not expired, and created at or
// after the owning user's invalidation watermark.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// Invitation is a pending credential-provisioning request bound to exactly
// one profile. The profile reference is immutable after creation; token and
// expiry rotate via resend.
type Invitation struct {
	ID         uuid.UUID
	TokenHash  string
	Email      string
	RoleID     uuid.UUID
	Profile    ProfileRef
	ExpiresAt  time.Time
	AcceptedAt *time.Time
	CreatedBy  *uuid.UUID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PasswordResetToken is single-use; at most one unconsumed token per user
// exists at creation time.
type PasswordResetToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// Role describes a permission grouping assignable to users.
type Role struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// ProfileKind discriminates the profile tables an invitation can target.
type ProfileKind string

const (
	KindEmployee    ProfileKind = "employee"
	KindAgent       ProfileKind = "agent"
	KindClientAdmin ProfileKind = "client_admin"
	KindAffiliate   ProfileKind = "affiliate"
)

// profileTables maps each kind to its table. Lookup also serves as kind
// validation, so a kind never reaches SQL unchecked.
var profileTables = map[ProfileKind]string{
	KindEmployee:    "employees",
	KindAgent:       "agents",
	KindClientAdmin: "client_admins",
	KindAffiliate:   "affiliates",
}

// ProfileRef identifies exactly one profile row.
type ProfileRef struct {
	Kind ProfileKind
	ID   uuid.UUID
}

// OneProfileRef resolves the mutually-exclusive profile id fields of an
// invitation request into a single reference. Zero or multiple non-nil ids
// are rejected.
func OneProfileRef(employeeID, agentID, clientAdminID, affiliateID *uuid.UUID) (ProfileRef, error) {
	var refs []ProfileRef
	if employeeID != nil {
		refs = append(refs, ProfileRef{Kind: KindEmployee, ID: *employeeID})
	}
	if agentID != nil {
		refs = append(refs, ProfileRef{Kind: KindAgent, ID: *agentID})
	}
	if clientAdminID != nil {
		refs = append(refs, ProfileRef{Kind: KindClientAdmin, ID: *clientAdminID})
	}
	if affiliateID != nil {
		refs = append(refs, ProfileRef{Kind: KindAffiliate, ID: *affiliateID})
	}

	if len(refs) != 1 {
		return ProfileRef{}, apperr.BadRequest("exactly one profile reference must be supplied")
	}
	return refs[0], nil
}

// Profile is the slice of an external profile entity this subsystem reads:
// active flag, authoritative email, and the once-writable linked user id.
type Profile struct {
	Ref      ProfileRef
	Email    string
	FullName string
	IsActive bool
	UserID   *uuid.UUID
}
