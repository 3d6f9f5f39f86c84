package identity

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/themegpt/themegpt/internal/entitlement"
	apierrors "github.com/themegpt/themegpt/internal/errors"
	"github.com/themegpt/themegpt/internal/logging"
	"github.com/themegpt/themegpt/internal/token"
	"github.com/themegpt/themegpt/internal/utils"
)

const (
	StateCookie    = "oauth_state"
	NonceCookie    = "oauth_nonce"
	ReturnToCookie = "oauth_return"
	SessionCookie  = "session_token"

	// SessionTTL is the lifetime of a session token and its cookie.
	SessionTTL = 30 * 24 * time.Hour

	flowCookieTTL   = 10 * time.Minute
	exchangeTimeout = 15 * time.Second
	defaultReturnTo = "/account"
)

// Handler serves the /auth routes. A nil Exchanger means no identity
// provider is configured; sign-in routes then answer 503.
type Handler struct {
	provider Exchanger
	signer   *token.Signer
}

// NewHandler returns a Handler. provider may be nil.
func NewHandler(provider Exchanger, signer *token.Signer) *Handler {
	return &Handler{provider: provider, signer: signer}
}

// Enabled reports whether an identity provider is configured.
func (h *Handler) Enabled() bool {
	return h.provider != nil
}

// Login starts the authorization-code flow.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.Enabled() {
		utils.WriteErrorResponse(w, http.StatusServiceUnavailable, "identity_unavailable", "Sign-in is not configured")
		return
	}

	state := uuid.NewString()
	nonce := uuid.NewString()
	setFlowCookie(w, StateCookie, state)
	setFlowCookie(w, NonceCookie, nonce)
	if returnTo := sanitizeReturnTo(r.URL.Query().Get("callbackUrl")); returnTo != "" {
		setFlowCookie(w, ReturnToCookie, returnTo)
	}

	http.Redirect(w, r, h.provider.AuthCodeURL(state, nonce), http.StatusFound)
}

// Callback completes the flow and issues the session cookie.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if !h.Enabled() {
		utils.WriteErrorResponse(w, http.StatusServiceUnavailable, "identity_unavailable", "Sign-in is not configured")
		return
	}
	logger := logging.FromContext(r.Context())

	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		logger.Warn().Str("error", errParam).Msg("Identity provider returned error")
		h.redirectError(w, r, "provider_error")
		return
	}

	stateCookie, err := r.Cookie(StateCookie)
	state := query.Get("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(stateCookie.Value)) != 1 {
		logger.Warn().Msg("OIDC callback state mismatch")
		h.redirectError(w, r, "invalid_state")
		return
	}

	code := query.Get("code")
	if code == "" {
		h.redirectError(w, r, "missing_code")
		return
	}

	var nonce string
	if c, err := r.Cookie(NonceCookie); err == nil {
		nonce = c.Value
	}

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	id, err := h.provider.Exchange(ctx, code, nonce)
	if err != nil {
		logger.Error().Err(err).Msg("OIDC code exchange failed")
		h.redirectError(w, r, "exchange_failed")
		return
	}
	if id.UserID == "" {
		h.redirectError(w, r, "missing_subject")
		return
	}

	raw, expiresAt, err := h.signer.Sign(token.PurposeSession, id.UserID, id.Email, SessionTTL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to sign session token")
		h.redirectError(w, r, "session_failed")
		return
	}

	target := defaultReturnTo
	if c, err := r.Cookie(ReturnToCookie); err == nil {
		if returnTo := sanitizeReturnTo(c.Value); returnTo != "" {
			target = returnTo
		}
	}

	clearCookie(w, StateCookie)
	clearCookie(w, NonceCookie)
	clearCookie(w, ReturnToCookie)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    raw,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	logger.Info().Str("user_id", id.UserID).Msg("User signed in")
	http.Redirect(w, r, target, http.StatusFound)
}

// Logout clears the session cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, SessionCookie)
	if r.Method == http.MethodGet {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	_ = utils.WriteJSONResponse(w, map[string]bool{"success": true})
}

// SessionResponse is the body of GET /auth/session.
type SessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
	Email         string `json:"email,omitempty"`
}

// Session reports who the caller is. It never fails for an anonymous caller.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	id, err := h.Authenticate(r)
	if err != nil {
		_ = utils.WriteJSONResponse(w, SessionResponse{})
		return
	}
	_ = utils.WriteJSONResponse(w, SessionResponse{Authenticated: true, UserID: id.UserID, Email: id.Email})
}

// Authenticate resolves the caller from a Bearer session token or the
// session cookie, in that order.
func (h *Handler) Authenticate(r *http.Request) (entitlement.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		if c, err := r.Cookie(SessionCookie); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return entitlement.Identity{}, apierrors.Auth("identity.authenticate", "unauthenticated", "Authentication required")
	}

	claims, err := h.signer.Verify(raw, token.PurposeSession)
	if err != nil {
		return entitlement.Identity{}, err
	}
	return entitlement.Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	clearCookie(w, StateCookie)
	clearCookie(w, NonceCookie)
	http.Redirect(w, r, "/login?error="+code, http.StatusFound)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(flowCookieTTL / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// sanitizeReturnTo accepts only same-origin absolute paths.
func sanitizeReturnTo(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "//") || strings.Contains(trimmed, "\\") {
		return ""
	}
	return trimmed
}
