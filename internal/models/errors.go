package models

import (
	"context"
	"errors"
)

// ErrEndOfData is returned by row iterators once the source is exhausted.
var ErrEndOfData = errors.New("end of data")

func IsEndOfDataErr(err error) bool { return errors.Is(err, ErrEndOfData) }

var (
	ErrSameSourceAndDestination = errors.New("source and destination cannot be the same")
	ErrUnknownSource            = errors.New("unknown source kind")
	ErrUnknownDestination       = errors.New("unknown destination kind")
	ErrInvalidOperation         = errors.New("operation must be 'full' or 'incremental'")
	ErrMissingLastSync          = errors.New("last_sync_time is required for incremental migration")
	ErrConnectionFailed         = errors.New("connection failed")
	ErrNotConnected             = errors.New("adapter is not connected")
)

// IsValidationErr reports whether the error belongs to the request
// validation class and surfaces as HTTP 400 rather than 500.
func IsValidationErr(err error) bool {
	return errors.Is(err, ErrSameSourceAndDestination) ||
		errors.Is(err, ErrUnknownSource) ||
		errors.Is(err, ErrUnknownDestination) ||
		errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrMissingLastSync)
}

// ErrorType maps an error to the coarse class reported in per-table
// failure entries of a RunResult.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectionFailed):
		return "ConnectionError"
	case IsValidationErr(err):
		return "ConfigurationError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CanceledError"
	default:
		return "MigrationError"
	}
}
