package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/migration-service/internal/engine"
	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/registry"
	"github.com/driftworks/migration-service/internal/sink"
	"github.com/driftworks/migration-service/internal/source"
)

type fakeSource struct {
	connectErr error
	pingErr    error
	tables     []string
	batches    map[string][]models.Batch
}

func (f *fakeSource) Kind() string { return "fake" }

func (f *fakeSource) Connect(_ context.Context, _ models.AdapterConfig) error { return f.connectErr }
func (f *fakeSource) Disconnect() error                                       { return nil }

func (f *fakeSource) TestConnection(_ context.Context, _ models.AdapterConfig) error {
	return f.pingErr
}

func (f *fakeSource) ListTables(_ context.Context) ([]string, error) { return f.tables, nil }

func (f *fakeSource) GetSchema(_ context.Context, _ string) ([]models.Column, error) {
	return []models.Column{{Name: "id", Type: "integer"}}, nil
}

func (f *fakeSource) ReadData(_ context.Context, table string, _ int) (source.RowIterator, error) {
	return &stubIterator{batches: f.batches[table]}, nil
}

func (f *fakeSource) ReadIncremental(ctx context.Context, table string, _ time.Time, batchSize int) (source.RowIterator, error) {
	return f.ReadData(ctx, table, batchSize)
}

type stubIterator struct {
	batches []models.Batch
	pos     int
}

func (it *stubIterator) Next(ctx context.Context) (models.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.batches) {
		return nil, models.ErrEndOfData
	}
	b := it.batches[it.pos]
	it.pos++
	return b, nil
}

func (it *stubIterator) Close() error { return nil }

type fakeSink struct {
	pingErr error
}

func (f *fakeSink) Kind() string                                            { return "fake" }
func (f *fakeSink) Connect(_ context.Context, _ models.AdapterConfig) error { return nil }
func (f *fakeSink) Disconnect() error                                       { return nil }

func (f *fakeSink) TestConnection(_ context.Context, _ models.AdapterConfig) error {
	return f.pingErr
}

func (f *fakeSink) MapTypes(schema []models.Column, _ string) []models.Column { return schema }

func (f *fakeSink) TableExists(_ context.Context, _, _ string) (bool, error) { return false, nil }

func (f *fakeSink) CreateTable(_ context.Context, _ string, _ []models.Column, _ string, _ *models.Constraints) error {
	return nil
}

func (f *fakeSink) WriteData(_ context.Context, _ string, batch models.Batch, _ string, _ []string) (int, error) {
	return len(batch), nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New(log)
	reg.RegisterSource("postgresql", func(*slog.Logger) source.Source {
		return &fakeSource{
			tables:  []string{"users"},
			batches: map[string][]models.Batch{"users": {{{"id": 1}}}},
		}
	})
	reg.RegisterSource("unreachable", func(*slog.Logger) source.Source {
		return &fakeSource{connectErr: errors.New("dial tcp: refused")}
	})
	reg.RegisterSink("clickhouse", func(*slog.Logger) sink.Sink {
		return &fakeSink{pingErr: errors.New("dial tcp 10.0.0.9:9000: connection refused")}
	})

	eng := engine.New(reg, engine.Config{TableMaxAttempts: 1, TableRetryDelay: 0}, log)
	return NewRouter(log, reg, eng)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newTestRouter(t))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "migration-service", body.Service)
	assert.Equal(t, []string{"postgresql", "unreachable"}, body.AvailableSources)
	assert.Equal(t, []string{"clickhouse"}, body.AvailableDestinations)
}

func TestMigrateRequestValidation(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "empty body",
			body:    "",
			wantErr: "Request body is required",
		},
		{
			name:    "missing source_type",
			body:    `{"dest_type":"clickhouse","source":{},"destination":{}}`,
			wantErr: "source_type is required",
		},
		{
			name:    "missing dest_type",
			body:    `{"source_type":"postgresql","source":{},"destination":{}}`,
			wantErr: "dest_type is required",
		},
		{
			name:    "missing source config",
			body:    `{"source_type":"postgresql","dest_type":"clickhouse","destination":{}}`,
			wantErr: "source is required",
		},
		{
			name:    "missing destination config",
			body:    `{"source_type":"postgresql","dest_type":"clickhouse","source":{}}`,
			wantErr: "destination is required",
		},
		{
			name:    "invalid operation",
			body:    `{"source_type":"postgresql","dest_type":"clickhouse","source":{},"destination":{},"operation_type":"bulk"}`,
			wantErr: "operation_type must be 'full' or 'incremental'",
		},
		{
			name:    "incremental without last sync",
			body:    `{"source_type":"postgresql","dest_type":"clickhouse","source":{},"destination":{},"operation_type":"incremental"}`,
			wantErr: "last_sync_time is required",
		},
		{
			name:    "bad last sync format",
			body:    `{"source_type":"postgresql","dest_type":"clickhouse","source":{},"destination":{},"operation_type":"incremental","last_sync_time":"yesterday"}`,
			wantErr: "invalid last_sync_time format",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := postJSON(t, srv.URL+"/migrate", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, body["error"], tc.wantErr)
		})
	}
}

func TestMigrateSameSourceAndDestination(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/migrate",
		`{"source_type":"postgresql","dest_type":"postgresql","source":{},"destination":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "cannot migrate")
}

func TestMigrateSuccess(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/migrate",
		`{"source_type":"postgresql","dest_type":"clickhouse","source":{"host":"db"},"destination":{"host":"ch"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 1, body["total_tables"])
}

// A migration keeps running after the client goes away; a dropped
// connection must not surface as context.Canceled table failures.
func TestMigrateSurvivesClientDisconnect(t *testing.T) {
	router := newTestRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/migrate",
		strings.NewReader(`{"source_type":"postgresql","dest_type":"clickhouse","source":{},"destination":{}}`))
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Empty(t, body["tables_failed"])
}

func TestMigrateRunFailure(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/migrate",
		`{"source_type":"unreachable","dest_type":"clickhouse","source":{},"destination":{}}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestMigrateIncrementalAcceptsCommonTimestampFormats(t *testing.T) {
	srv := newTestServer(t)

	for _, ts := range []string{
		"2026-08-01T12:00:00Z",
		"2026-08-01T12:00:00",
		"2026-08-01 12:00:00",
	} {
		t.Run(ts, func(t *testing.T) {
			resp, _ := postJSON(t, srv.URL+"/migrate",
				`{"source_type":"postgresql","dest_type":"clickhouse","source":{},"destination":{},"operation_type":"incremental","last_sync_time":"`+ts+`"}`)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}

func TestTestConnection(t *testing.T) {
	srv := newTestServer(t)

	t.Run("reachable source", func(t *testing.T) {
		resp, body := postJSON(t, srv.URL+"/test-connection",
			`{"type":"source","adapter_type":"postgresql","config":{"host":"db"}}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["valid"])
		assert.NotContains(t, body, "error")
	})

	t.Run("unreachable destination reports the reason", func(t *testing.T) {
		resp, body := postJSON(t, srv.URL+"/test-connection",
			`{"type":"destination","adapter_type":"clickhouse","config":{"host":"ch"}}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["valid"])
		assert.Contains(t, body["error"], "connection refused")
	})

	t.Run("unknown adapter", func(t *testing.T) {
		resp, body := postJSON(t, srv.URL+"/test-connection",
			`{"type":"source","adapter_type":"oracle","config":{}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body["error"], "Unknown adapter type: oracle")
	})

	t.Run("invalid type", func(t *testing.T) {
		resp, body := postJSON(t, srv.URL+"/test-connection",
			`{"type":"broker","adapter_type":"postgresql","config":{}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body["error"], "type must be 'source' or 'destination'")
	})

	t.Run("missing fields", func(t *testing.T) {
		resp, _ := postJSON(t, srv.URL+"/test-connection", `{"type":"source"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/migrate")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
