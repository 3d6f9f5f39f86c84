package api

import (
	"net/http"
	"strings"

	"github.com/themegpt/themegpt/internal/entitlement"
	apierrors "github.com/themegpt/themegpt/internal/errors"
	"github.com/themegpt/themegpt/internal/linking"
	"github.com/themegpt/themegpt/internal/logging"
	"github.com/themegpt/themegpt/internal/utils"
)

type syncRequest struct {
	LicenseKey       string   `json:"licenseKey"`
	ActiveSlotThemes []string `json:"activeSlotThemes"`
}

type syncResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type verifyRequest struct {
	LicenseKey string `json:"licenseKey"`
}

type verifyResponse struct {
	Valid       bool                 `json:"valid"`
	Entitlement *entitlement.License `json:"entitlement,omitempty"`
	Message     string               `json:"message,omitempty"`
}

// handleSync replaces a license's active slot themes.
// Unknown and inactive licenses are reported in-band so the extension can
// show the message without treating the call as a transport failure.
func (r *Router) handleSync(w http.ResponseWriter, req *http.Request) {
	var body syncRequest
	if err := utils.DecodeJSONBody(w, req, &body); err != nil {
		utils.WriteError(w, req, err)
		return
	}

	err := r.deps.Credits.SyncSlots(req.Context(), strings.TrimSpace(body.LicenseKey), body.ActiveSlotThemes)
	switch apierrors.KindOf(err) {
	case apierrors.KindNotFound, apierrors.KindForbidden:
		_, message := apierrors.Public(err)
		utils.WriteJSONResponse(w, syncResponse{Success: false, Message: message})
		return
	}
	if err != nil {
		utils.WriteError(w, req, err)
		return
	}
	utils.WriteJSONResponse(w, syncResponse{Success: true})
}

// handleVerify reports whether a license key is valid and what it unlocks.
func (r *Router) handleVerify(w http.ResponseWriter, req *http.Request) {
	const op = "license.verify"

	var body verifyRequest
	if err := utils.DecodeJSONBody(w, req, &body); err != nil {
		utils.WriteError(w, req, err)
		return
	}
	key := strings.TrimSpace(body.LicenseKey)
	if key == "" {
		utils.WriteError(w, req, apierrors.Validation(op, "missing_license_key", "License key required"))
		return
	}
	if len(key) > linking.MaxLicenseKeyLength {
		utils.WriteError(w, req, apierrors.Validation(op, "invalid_request", "License key too long"))
		return
	}

	ctx, cancel := r.bounded(req.Context())
	license, err := r.deps.Store.GetLicense(ctx, key)
	cancel()
	if err != nil {
		utils.WriteError(w, req, apierrors.Internal(op, err))
		return
	}

	logger := logging.FromContext(req.Context())
	switch {
	case license == nil:
		logger.Debug().Str("license", logging.RedactKey(key)).Msg("Verify for unknown license")
		utils.WriteJSONResponse(w, verifyResponse{Valid: false, Message: "Invalid license key"})
	case !license.Active:
		utils.WriteJSONResponse(w, verifyResponse{Valid: false, Message: "License expired or inactive"})
	default:
		utils.WriteJSONResponse(w, verifyResponse{Valid: true, Entitlement: license})
	}
}
