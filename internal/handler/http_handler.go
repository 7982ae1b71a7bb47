package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/internal/service"
	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
)

// sessionCookie carries the raw bearer token for browser clients; API clients
// use the Authorization header instead.
const sessionCookie = "clm_session"

// HTTPHandler exposes the identity flows over HTTP.
type HTTPHandler struct {
	auth    *service.AuthService
	invites *service.InvitationService
	resets  *service.PasswordResetService

	cookieDomain string
	cookieSecure bool
	log          zerolog.Logger
}

func NewHTTPHandler(
	auth *service.AuthService,
	invites *service.InvitationService,
	resets *service.PasswordResetService,
	cookieDomain string,
	cookieSecure bool,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		auth:         auth,
		invites:      invites,
		resets:       resets,
		cookieDomain: cookieDomain,
		cookieSecure: cookieSecure,
		log:          log,
	}
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	respondJSON(w, status, map[string]string{"error": apperr.MessageOf(err)})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *HTTPHandler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Domain:   h.cookieDomain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *HTTPHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Domain:   h.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    uuid.UUID `json:"user_id"`
}

// Login handles POST /v1/auth/login.
func (h *HTTPHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, apperr.BadRequest("invalid request body"))
		return
	}

	result, err := h.auth.Login(r.Context(), &service.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.setSessionCookie(w, result.Token, result.Session.ExpiresAt)
	respondJSON(w, http.StatusOK, sessionResponse{
		Token:     result.Token,
		ExpiresAt: result.Session.ExpiresAt,
		UserID:    result.User.ID,
	})
}

// Logout handles POST /v1/auth/logout.
func (h *HTTPHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		h.respondError(w, apperr.Unauthorized("authentication required"))
		return
	}

	if err := h.auth.Logout(r.Context(), ident); err != nil {
		h.respondError(w, err)
		return
	}

	h.clearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// LogoutAll handles POST /v1/auth/logout-all.
func (h *HTTPHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		h.respondError(w, apperr.Unauthorized("authentication required"))
		return
	}

	if err := h.auth.LogoutAll(r.Context(), ident); err != nil {
		h.respondError(w, err)
		return
	}

	h.clearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out everywhere"})
}

// Me handles GET /v1/auth/me.
func (h *HTTPHandler) Me(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		h.respondError(w, apperr.Unauthorized("authentication required"))
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":    ident.UserID,
		"session_id": ident.SessionID,
		"role_id":    ident.RoleID,
	})
}

// RequestPasswordReset handles POST /v1/password-resets. The response is
// identical whether or not the email maps to an account.
func (h *HTTPHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, apperr.BadRequest("invalid request body"))
		return
	}

	if err := h.resets.Request(r.Context(), req.Email, clientIP(r), r.UserAgent()); err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"message": "if the account exists, a reset email is on its way"})
}

// ValidatePasswordReset handles GET /v1/password-resets/validate?token=...
func (h *HTTPHandler) ValidatePasswordReset(w http.ResponseWriter, r *http.Request) {
	info, err := h.resets.Validate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"expires_at": info.ExpiresAt})
}

// ConsumePasswordReset handles POST /v1/password-resets/consume.
func (h *HTTPHandler) ConsumePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, apperr.BadRequest("invalid request body"))
		return
	}

	if err := h.resets.Consume(r.Context(), req.Token, req.Password, clientIP(r), r.UserAgent()); err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

type invitationResponse struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	// Token is returned to the admin caller once; delivery also goes out by
	// email.
	Token string `json:"token"`
}

// CreateInvitation handles POST /v1/invitations.
func (h *HTTPHandler) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		h.respondError(w, apperr.Unauthorized("authentication required"))
		return
	}

	var req struct {
		RoleID        uuid.UUID  `json:"role_id"`
		EmployeeID    *uuid.UUID `json:"employee_id"`
		AgentID       *uuid.UUID `json:"agent_id"`
		ClientAdminID *uuid.UUID `json:"client_admin_id"`
		AffiliateID   *uuid.UUID `json:"affiliate_id"`
		Email         string     `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, apperr.BadRequest("invalid request body"))
		return
	}

	result, err := h.invites.Create(r.Context(), &service.CreateInvitationRequest{
		RoleID:        req.RoleID,
		EmployeeID:    req.EmployeeID,
		AgentID:       req.AgentID,
		ClientAdminID: req.ClientAdminID,
		AffiliateID:   req.AffiliateID,
		Email:         req.Email,
		ActorID:       &ident.UserID,
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, invitationResponse{
		ID:        result.Invitation.ID,
		Email:     result.Invitation.Email,
		ExpiresAt: result.Invitation.ExpiresAt,
		Token:     result.Token,
	})
}

// ResendInvitation handles POST /v1/invitations/{id}/resend.
func (h *HTTPHandler) ResendInvitation(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		h.respondError(w, apperr.Unauthorized("authentication required"))
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, apperr.BadRequest("invalid invitation id"))
		return
	}

	result, err := h.invites.Resend(r.Context(), id, &ident.UserID, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, invitationResponse{
		ID:        result.Invitation.ID,
		Email:     result.Invitation.Email,
		ExpiresAt: result.Invitation.ExpiresAt,
		Token:     result.Token,
	})
}

// ValidateInvitation handles GET /v1/invitations/validate?token=...
func (h *HTTPHandler) ValidateInvitation(w http.ResponseWriter, r *http.Request) {
	info, err := h.invites.Validate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"email":      info.Email,
		"expires_at": info.ExpiresAt,
	})
}

// AcceptInvitation handles POST /v1/invitations/accept.
func (h *HTTPHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, apperr.BadRequest("invalid request body"))
		return
	}

	result, err := h.invites.Accept(r.Context(), &service.AcceptInvitationRequest{
		Token:     req.Token,
		Password:  req.Password,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.setSessionCookie(w, result.SessionToken, result.Session.ExpiresAt)
	respondJSON(w, http.StatusCreated, sessionResponse{
		Token:     result.SessionToken,
		ExpiresAt: result.Session.ExpiresAt,
		UserID:    result.User.ID,
	})
}
