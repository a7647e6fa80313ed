package registry

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/sink"
	"github.com/driftworks/migration-service/internal/sink/clickhouse"
	"github.com/driftworks/migration-service/internal/source"
	"github.com/driftworks/migration-service/internal/source/postgres"
)

func newTestRegistry() *Registry {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(log)
	r.RegisterSource("postgresql", func(log *slog.Logger) source.Source {
		return postgres.New(log)
	})
	r.RegisterSource("zoho", func(log *slog.Logger) source.Source {
		return postgres.New(log)
	})
	r.RegisterSink("clickhouse", func(log *slog.Logger) sink.Sink {
		return clickhouse.New(log)
	})
	return r
}

func TestNewSource(t *testing.T) {
	r := newTestRegistry()

	s, err := r.NewSource("postgresql")
	require.NoError(t, err)
	assert.Equal(t, "postgresql", s.Kind())

	_, err = r.NewSource("oracle")
	require.ErrorIs(t, err, models.ErrUnknownSource)
	assert.Contains(t, err.Error(), `"oracle"`)
	assert.Contains(t, err.Error(), "available")
}

func TestNewSink(t *testing.T) {
	r := newTestRegistry()

	s, err := r.NewSink("clickhouse")
	require.NoError(t, err)
	assert.Equal(t, "clickhouse", s.Kind())

	_, err = r.NewSink("bigquery")
	require.ErrorIs(t, err, models.ErrUnknownDestination)
}

func TestKindsSorted(t *testing.T) {
	r := newTestRegistry()
	assert.Equal(t, []string{"postgresql", "zoho"}, r.Sources())
	assert.Equal(t, []string{"clickhouse"}, r.Sinks())
}
