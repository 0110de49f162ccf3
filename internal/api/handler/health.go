package handler

import (
	"net/http"

	"github.com/remiblancher/qpiv/internal/api/dto"
)

// HealthHandler handles the health endpoint.
type HealthHandler struct {
	version string
	token   string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(version, token string) *HealthHandler {
	return &HealthHandler{version: version, token: token}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, dto.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Token:   h.token,
	})
}
