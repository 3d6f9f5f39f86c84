package api

import (
	"net/http"

	"github.com/themegpt/themegpt/internal/logging"
	"github.com/themegpt/themegpt/internal/utils"
)

type healthResponse struct {
	Status string `json:"status"`
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.WriteJSONResponse(w, healthResponse{Status: "ok"})
}

// handleReady reports whether the store answers within the store timeout.
func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := r.bounded(req.Context())
	defer cancel()
	if err := r.deps.Store.Ping(ctx); err != nil {
		logger := logging.FromContext(req.Context())
		logger.Warn().Err(err).Msg("Readiness check failed")
		utils.WriteJSONStatus(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	utils.WriteJSONResponse(w, healthResponse{Status: "ok"})
}
