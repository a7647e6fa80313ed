package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/driftworks/migration-service/internal/models"
)

type migrateRequest struct {
	SourceType    string               `json:"source_type"`
	DestType      string               `json:"dest_type"`
	Source        models.AdapterConfig `json:"source"`
	Destination   models.AdapterConfig `json:"destination"`
	OperationType string               `json:"operation_type"`
	LastSyncTime  string               `json:"last_sync_time"`
}

// Watermarks may arrive without an explicit offset.
var lastSyncLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseLastSync(s string) (time.Time, error) {
	for _, layout := range lastSyncLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid last_sync_time format: %q", s)
}

func (h *handler) migrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "Request body is required")
		return
	}

	switch {
	case req.SourceType == "":
		jsonError(w, http.StatusBadRequest, "source_type is required")
		return
	case req.DestType == "":
		jsonError(w, http.StatusBadRequest, "dest_type is required")
		return
	case req.Source == nil:
		jsonError(w, http.StatusBadRequest, "source is required")
		return
	case req.Destination == nil:
		jsonError(w, http.StatusBadRequest, "destination is required")
		return
	}

	op := models.Operation(req.OperationType)
	if req.OperationType == "" {
		op = models.OperationFull
	}
	if !op.Valid() {
		jsonError(w, http.StatusBadRequest, "operation_type must be 'full' or 'incremental'")
		return
	}

	var lastSync *time.Time
	if op == models.OperationIncremental {
		if req.LastSyncTime == "" {
			jsonError(w, http.StatusBadRequest, "last_sync_time is required for incremental migration")
			return
		}
		ts, err := parseLastSync(req.LastSyncTime)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		lastSync = &ts
	}

	h.log.Info("starting migration",
		slog.String("source", req.SourceType),
		slog.String("destination", req.DestType),
		slog.String("operation", string(op)),
	)

	// A dispatched run must outlive the client: a dropped connection
	// must not cancel table retries mid-flight.
	res, err := h.eng.Migrate(context.WithoutCancel(r.Context()), models.MigrationRequest{
		SourceKind:   req.SourceType,
		DestKind:     req.DestType,
		SourceConfig: req.Source,
		DestConfig:   req.Destination,
		Operation:    op,
		LastSyncTime: lastSync,
	})
	if err != nil {
		if models.IsValidationErr(err) {
			jsonErrorWithSuccess(w, http.StatusBadRequest, err.Error())
			return
		}
		jsonErrorWithSuccess(w, http.StatusInternalServerError, err.Error())
		return
	}

	code := http.StatusOK
	if !res.Success {
		code = http.StatusInternalServerError
	}
	jsonResponse(w, code, res)
}
