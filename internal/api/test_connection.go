package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/driftworks/migration-service/internal/models"
)

type testConnectionRequest struct {
	Type        string               `json:"type"`
	AdapterType string               `json:"adapter_type"`
	Config      models.AdapterConfig `json:"config"`
}

type testConnectionResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// testConnection probes one adapter with the supplied configuration.
// A reachable-but-failing target is reported as 200 with valid=false;
// only malformed requests yield 400.
func (h *handler) testConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "Request body is required")
		return
	}

	if req.Type == "" || req.AdapterType == "" || req.Config == nil {
		jsonError(w, http.StatusBadRequest, "type, adapter_type, and config are required")
		return
	}

	var probeErr error
	switch req.Type {
	case "source":
		src, err := h.reg.NewSource(req.AdapterType)
		if err != nil {
			jsonError(w, http.StatusBadRequest, fmt.Sprintf("Unknown adapter type: %s", req.AdapterType))
			return
		}
		probeErr = src.TestConnection(r.Context(), req.Config)
	case "destination":
		snk, err := h.reg.NewSink(req.AdapterType)
		if err != nil {
			jsonError(w, http.StatusBadRequest, fmt.Sprintf("Unknown adapter type: %s", req.AdapterType))
			return
		}
		probeErr = snk.TestConnection(r.Context(), req.Config)
	default:
		jsonError(w, http.StatusBadRequest, "type must be 'source' or 'destination'")
		return
	}

	resp := testConnectionResponse{Valid: probeErr == nil}
	if probeErr != nil {
		resp.Error = probeErr.Error()
	}
	jsonResponse(w, http.StatusOK, resp)
}
