package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/themegpt/themegpt/internal/credits"
	"github.com/themegpt/themegpt/internal/entitlement"
	apierrors "github.com/themegpt/themegpt/internal/errors"
	"github.com/themegpt/themegpt/internal/utils"
)

type downloadRequest struct {
	ThemeID string `json:"themeId"`
}

type downloadResponse struct {
	Success bool          `json:"success"`
	Theme   credits.Theme `json:"theme"`
	*credits.Result
}

type historyResponse struct {
	Downloads []entitlement.Download `json:"downloads"`
}

// SubscriptionView is the account page's summary of a user's billing state.
type SubscriptionView struct {
	Status           entitlement.Status   `json:"status"`
	PlanType         entitlement.PlanType `json:"planType"`
	IsLifetime       bool                 `json:"isLifetime"`
	HasFullAccess    bool                 `json:"hasFullAccess"`
	CurrentPeriodEnd *time.Time           `json:"currentPeriodEnd,omitempty"`
	GracePeriodEnds  *time.Time           `json:"gracePeriodEnds"`
	TrialEndsAt      *time.Time           `json:"trialEndsAt"`
	CommitmentEndsAt *time.Time           `json:"commitmentEndsAt"`
	Source           entitlement.Source   `json:"source"`
}

type extensionStatusResponse struct {
	HasFullAccess    bool                 `json:"hasFullAccess"`
	IsLifetime       bool                 `json:"isLifetime"`
	Source           entitlement.Source   `json:"source"`
	Status           entitlement.Status   `json:"status,omitempty"`
	PlanType         entitlement.PlanType `json:"planType,omitempty"`
	AccessibleThemes []string             `json:"accessibleThemes"`
}

func (r *Router) decodeThemeID(w http.ResponseWriter, req *http.Request, op string) (string, bool) {
	var body downloadRequest
	if err := utils.DecodeJSONBody(w, req, &body); err != nil {
		utils.WriteError(w, req, err)
		return "", false
	}
	themeID := strings.TrimSpace(body.ThemeID)
	if themeID == "" {
		utils.WriteError(w, req, apierrors.Validation(op, "missing_theme_id", "Theme ID required"))
		return "", false
	}
	return themeID, true
}

// handleDownload unlocks a theme for the signed-in user. Free themes never
// touch the slot manager.
func (r *Router) handleDownload(w http.ResponseWriter, req *http.Request) {
	const op = "download"
	themeID, ok := r.decodeThemeID(w, req, op)
	if !ok {
		return
	}

	theme, found := credits.LookupTheme(themeID)
	if !found {
		utils.WriteError(w, req, apierrors.NotFound(op, credits.ReasonThemeNotFound, "Theme not found"))
		return
	}
	if !theme.Premium {
		utils.WriteJSONResponse(w, downloadResponse{Success: true, Theme: theme, Result: &credits.Result{ThemeID: theme.ID}})
		return
	}

	id := identityFrom(req.Context())
	access, err := r.access(req.Context(), id)
	if err != nil {
		utils.WriteError(w, req, apierrors.Internal(op, err))
		return
	}
	result, err := r.deps.Credits.ConsumeCredit(req.Context(), id.UserID, themeID, access)
	if err != nil {
		utils.WriteError(w, req, err)
		return
	}
	utils.WriteJSONResponse(w, downloadResponse{Success: true, Theme: theme, Result: result})
}

func (r *Router) handleRedownload(w http.ResponseWriter, req *http.Request) {
	const op = "download.redownload"
	themeID, ok := r.decodeThemeID(w, req, op)
	if !ok {
		return
	}

	id := identityFrom(req.Context())
	access, err := r.access(req.Context(), id)
	if err != nil {
		utils.WriteError(w, req, apierrors.Internal(op, err))
		return
	}
	theme, err := r.deps.Credits.Redownload(req.Context(), id.UserID, themeID, access)
	if err != nil {
		utils.WriteError(w, req, err)
		return
	}
	utils.WriteJSONResponse(w, downloadResponse{
		Success: true,
		Theme:   theme,
		Result:  &credits.Result{ThemeID: theme.ID, AlreadyUnlocked: true},
	})
}

func (r *Router) handleDownloadHistory(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			utils.WriteError(w, req, apierrors.Validation("download.history", "invalid_limit", "limit must be an integer"))
			return
		}
		limit = n
	}

	id := identityFrom(req.Context())
	downloads, err := r.deps.Credits.History(req.Context(), id.UserID, limit)
	if err != nil {
		utils.WriteError(w, req, err)
		return
	}
	if downloads == nil {
		downloads = []entitlement.Download{}
	}
	utils.WriteJSONResponse(w, historyResponse{Downloads: downloads})
}

// handleSubscription summarises the user's subscription. Operator accounts
// without a stored record get a synthesised lifetime view that is never saved.
func (r *Router) handleSubscription(w http.ResponseWriter, req *http.Request) {
	id := identityFrom(req.Context())
	access, err := r.access(req.Context(), id)
	if err != nil {
		utils.WriteError(w, req, apierrors.Internal("subscription.get", err))
		return
	}

	sub := access.Subscription
	if sub == nil {
		if access.Source != entitlement.SourceOperatorOverride {
			utils.WriteError(w, req, apierrors.NotFound("subscription.get", "no_subscription", "No subscription found"))
			return
		}
		utils.WriteJSONResponse(w, SubscriptionView{
			Status:        entitlement.StatusActive,
			PlanType:      entitlement.PlanLifetime,
			IsLifetime:    true,
			HasFullAccess: true,
			Source:        access.Source,
		})
		return
	}

	view := SubscriptionView{
		Status:           sub.Status,
		PlanType:         sub.PlanType,
		IsLifetime:       access.IsLifetime,
		HasFullAccess:    access.FullAccess,
		TrialEndsAt:      sub.TrialEndsAt,
		CommitmentEndsAt: sub.CommitmentEndsAt,
		Source:           access.Source,
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		view.CurrentPeriodEnd = &end
		if !sub.IsLifetime && (sub.Status == entitlement.StatusCanceled || sub.Status == entitlement.StatusPastDue) {
			view.GracePeriodEnds = &end
		}
	}
	utils.WriteJSONResponse(w, view)
}

func (r *Router) handleExtensionStatus(w http.ResponseWriter, req *http.Request) {
	id := identityFrom(req.Context())
	access, err := r.access(req.Context(), id)
	if err != nil {
		utils.WriteError(w, req, apierrors.Internal("extension.status", err))
		return
	}

	resp := extensionStatusResponse{
		HasFullAccess:    access.FullAccess,
		IsLifetime:       access.IsLifetime,
		Source:           access.Source,
		AccessibleThemes: credits.AccessibleThemes(access),
	}
	if sub := access.Subscription; sub != nil {
		resp.Status = sub.Status
		resp.PlanType = sub.PlanType
	}
	utils.WriteJSONResponse(w, resp)
}
