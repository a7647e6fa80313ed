package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdapterConfig(t *testing.T) {
	cfg := AdapterConfig{
		"host":     "db.internal",
		"port":     "5432",
		"zero":     0,
		"verbose":  "true",
		"attempts": 3.0,
	}

	assert.Equal(t, "db.internal", cfg.String("host"))
	assert.Equal(t, "", cfg.String("missing"))
	assert.Equal(t, "fallback", cfg.StringOr("missing", "fallback"))
	assert.Equal(t, "db.internal", cfg.StringOr("host", "fallback"))

	assert.Equal(t, 5432, cfg.Int("port"))
	assert.Equal(t, 3, cfg.Int("attempts"))
	// IntOr only falls back when the key is absent; an explicit zero
	// stays zero.
	assert.Equal(t, 9000, cfg.IntOr("missing", 9000))
	assert.Equal(t, 0, cfg.IntOr("zero", 9000))

	assert.True(t, cfg.Bool("verbose"))
	assert.False(t, cfg.Bool("missing"))
}

func TestOperationValid(t *testing.T) {
	assert.True(t, OperationFull.Valid())
	assert.True(t, OperationIncremental.Valid())
	assert.False(t, Operation("bulk").Valid())
	assert.False(t, Operation("").Valid())
}

func TestRunResultFinalize(t *testing.T) {
	res := NewRunResult()
	res.TablesMigrated = append(res.TablesMigrated, TableResult{Table: "users", Records: 10})
	res.Finalize()
	assert.True(t, res.Success)

	res.TablesFailed = append(res.TablesFailed, TableFailure{Table: "orders", Error: "boom"})
	res.Finalize()
	assert.False(t, res.Success)
}

func TestIsValidationErr(t *testing.T) {
	for _, err := range []error{
		ErrSameSourceAndDestination,
		ErrUnknownSource,
		ErrUnknownDestination,
		ErrInvalidOperation,
		ErrMissingLastSync,
		fmt.Errorf("wrapped: %w", ErrUnknownSource),
	} {
		assert.True(t, IsValidationErr(err), err)
	}
	assert.False(t, IsValidationErr(ErrConnectionFailed))
	assert.False(t, IsValidationErr(errors.New("boom")))
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "", ErrorType(nil))
	assert.Equal(t, "ConnectionError", ErrorType(fmt.Errorf("%w: refused", ErrConnectionFailed)))
	assert.Equal(t, "ConfigurationError", ErrorType(ErrInvalidOperation))
	assert.Equal(t, "TimeoutError", ErrorType(context.DeadlineExceeded))
	assert.Equal(t, "CanceledError", ErrorType(context.Canceled))
	assert.Equal(t, "MigrationError", ErrorType(errors.New("boom")))
}
