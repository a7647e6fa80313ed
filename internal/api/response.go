package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

func jsonResponse(w http.ResponseWriter, code int, v any) {
	encoded, err := json.Marshal(v)
	if err != nil {
		// Let the recovery middleware handle the error.
		panic(fmt.Errorf("failed to marshal json response: %w", err))
	}

	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_, err = w.Write(encoded)
	if err != nil {
		// Let the recovery middleware handle the error.
		panic(fmt.Errorf("failed to write json response: %w", err))
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Success *bool  `json:"success,omitempty"`
}

func jsonError(w http.ResponseWriter, code int, message string) {
	jsonResponse(w, code, &errorResponse{Error: message})
}

func jsonErrorWithSuccess(w http.ResponseWriter, code int, message string) {
	success := false
	jsonResponse(w, code, &errorResponse{Error: message, Success: &success})
}
