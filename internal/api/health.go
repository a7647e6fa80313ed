package api

import (
	"net/http"
)

type healthResponse struct {
	Status                string   `json:"status"`
	Service               string   `json:"service"`
	AvailableSources      []string `json:"available_sources"`
	AvailableDestinations []string `json:"available_destinations"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, healthResponse{
		Status:                "healthy",
		Service:               "migration-service",
		AvailableSources:      h.reg.Sources(),
		AvailableDestinations: h.reg.Sinks(),
	})
}
