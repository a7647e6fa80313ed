package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/driftworks/migration-service/internal/engine"
	"github.com/driftworks/migration-service/internal/registry"
)

type handler struct {
	log *slog.Logger
	reg *registry.Registry
	eng *engine.Engine
}

func NewRouter(log *slog.Logger, reg *registry.Registry, eng *engine.Engine) http.Handler {
	h := handler{
		log: log,
		reg: reg,
		eng: eng,
	}

	r := mux.NewRouter()

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/migrate", h.migrate).Methods(http.MethodPost)
	r.HandleFunc("/test-connection", h.testConnection).Methods(http.MethodPost)

	r.Use(
		Recovery(log),
		RequestLogging(log),
	)

	return r
}
