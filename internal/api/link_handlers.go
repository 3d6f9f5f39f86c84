package api

import (
	"net/http"
	"strings"

	"github.com/themegpt/themegpt/internal/utils"
)

type linkConfirmRequest struct {
	Token      string `json:"token"`
	LicenseKey string `json:"licenseKey"`
}

type linkConfirmResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
	Email   string `json:"email"`
}

// handleLinkGenerate issues a link token for the signed-in user.
func (r *Router) handleLinkGenerate(w http.ResponseWriter, req *http.Request) {
	id := identityFrom(req.Context())
	grant, err := r.deps.Linking.Generate(id.UserID, id.Email)
	if err != nil {
		utils.WriteError(w, req, err)
		return
	}
	utils.WriteJSONResponse(w, grant)
}

// handleLinkConfirm binds a license to the identity carried by the token.
func (r *Router) handleLinkConfirm(w http.ResponseWriter, req *http.Request) {
	var body linkConfirmRequest
	if err := utils.DecodeJSONBody(w, req, &body); err != nil {
		utils.WriteError(w, req, err)
		return
	}

	conf, err := r.deps.Linking.Confirm(req.Context(), body.Token, strings.TrimSpace(body.LicenseKey))
	if err != nil {
		utils.WriteError(w, req, err)
		return
	}
	utils.WriteJSONResponse(w, linkConfirmResponse{Success: true, UserID: conf.UserID, Email: conf.Email})
}

func (r *Router) handleLinkStatus(w http.ResponseWriter, req *http.Request) {
	status, err := r.deps.Linking.Status(req.Context(), strings.TrimSpace(req.URL.Query().Get("licenseKey")))
	if err != nil {
		utils.WriteError(w, req, err)
		return
	}
	utils.WriteJSONResponse(w, status)
}
