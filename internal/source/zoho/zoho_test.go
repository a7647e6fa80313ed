package zoho

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/migration-service/internal/models"
)

func testAdapter(serverURL string) *Adapter {
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.token = "test-token"
	a.apiDomain = serverURL
	return a
}

func TestAccountsDomain(t *testing.T) {
	tests := []struct {
		apiDomain string
		want      string
	}{
		{"https://www.zohoapis.in", "https://accounts.zoho.in"},
		{"https://www.zohoapis.com", "https://accounts.zoho.com"},
		{"https://www.zohoapis.eu", "https://accounts.zoho.eu"},
		{"https://www.zohoapis.com.au", "https://accounts.zoho.com.au"},
		{"https://www.zohoapis.jp", "https://accounts.zoho.jp"},
		{"https://unknown.example.com", "https://accounts.zoho.in"},
		{"", "https://accounts.zoho.in"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, accountsDomain(tc.apiDomain), tc.apiDomain)
	}
}

func TestNormalizeRecord(t *testing.T) {
	raw := `{
		"id": "123",
		"Account_Name": "Acme",
		"Annual_Revenue": 1500000.5,
		"Verified": true,
		"Description": null,
		"Owner": {"name": "Jo", "id": "9"},
		"Tag": ["a", "b"]
	}`

	rec := normalizeBatchHelper(t, raw)

	assert.Equal(t, "123", rec["id"])
	assert.Equal(t, "Acme", rec["Account_Name"])
	assert.Equal(t, "1500000.5", rec["Annual_Revenue"])
	assert.Equal(t, "true", rec["Verified"])
	assert.Nil(t, rec["Description"])
	assert.JSONEq(t, `{"name": "Jo", "id": "9"}`, rec["Owner"].(string))
	assert.JSONEq(t, `["a", "b"]`, rec["Tag"].(string))
}

func normalizeBatchHelper(t *testing.T, raw string) models.Record {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data": [%s], "info": {"more_records": false}}`, raw)
	}))
	defer srv.Close()

	a := testAdapter(srv.URL)
	iter, err := a.ReadData(context.Background(), "Accounts", 200)
	require.NoError(t, err)
	defer iter.Close()

	batch, err := iter.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	return batch[0]
}

func TestListTables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crm/v8/settings/modules", r.URL.Path)
		assert.Equal(t, "Zoho-oauthtoken test-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"modules": [
			{"api_name": "Leads"},
			{"api_name": "Accounts"},
			{"api_name": ""},
			{"api_name": "Contacts"}
		]}`)
	}))
	defer srv.Close()

	a := testAdapter(srv.URL)
	tables, err := a.ListTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Accounts", "Contacts", "Leads"}, tables)
}

func TestListTablesNotConnected(t *testing.T) {
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := a.ListTables(context.Background())
	require.ErrorIs(t, err, models.ErrNotConnected)
}

func TestGetSchema(t *testing.T) {
	t.Run("from field metadata", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/crm/v2/settings/modules/Accounts", r.URL.Path)
			fmt.Fprint(w, `{"fields": [
				{"api_name": "Account_Name"},
				{"api_name": "Owner"}
			]}`)
		}))
		defer srv.Close()

		a := testAdapter(srv.URL)
		schema, err := a.GetSchema(context.Background(), "Accounts")
		require.NoError(t, err)

		names := make([]string, len(schema))
		for i, col := range schema {
			names[i] = col.Name
			assert.Equal(t, "string", col.Type)
		}
		assert.Equal(t, []string{"Account_Name", "Owner", "id"}, names)
	})

	t.Run("falls back to first record keys", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/crm/v2/settings/modules/Deals" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			fmt.Fprint(w, `{"data": [{"id": "1", "Deal_Name": "Big"}]}`)
		}))
		defer srv.Close()

		a := testAdapter(srv.URL)
		schema, err := a.GetSchema(context.Background(), "Deals")
		require.NoError(t, err)

		names := make([]string, len(schema))
		for i, col := range schema {
			names[i] = col.Name
		}
		assert.Equal(t, []string{"Deal_Name", "id"}, names)
	})

	t.Run("id only when nothing is available", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		a := testAdapter(srv.URL)
		schema, err := a.GetSchema(context.Background(), "Quotes")
		require.NoError(t, err)
		require.Len(t, schema, 1)
		assert.Equal(t, "id", schema[0].Name)
		assert.False(t, schema[0].Nullable)
	})
}

func TestPageIterator(t *testing.T) {
	t.Run("walks pages until more_records is false", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Query().Get("page") {
			case "1":
				fmt.Fprint(w, `{"data": [{"id": "1"}, {"id": "2"}], "info": {"more_records": true}}`)
			case "2":
				fmt.Fprint(w, `{"data": [{"id": "3"}], "info": {"more_records": false}}`)
			default:
				t.Errorf("unexpected page request: %s", r.URL.RawQuery)
			}
		}))
		defer srv.Close()

		a := testAdapter(srv.URL)
		iter, err := a.ReadData(context.Background(), "Leads", 2)
		require.NoError(t, err)
		defer iter.Close()

		first, err := iter.Next(context.Background())
		require.NoError(t, err)
		assert.Len(t, first, 2)

		second, err := iter.Next(context.Background())
		require.NoError(t, err)
		assert.Len(t, second, 1)

		_, err = iter.Next(context.Background())
		require.ErrorIs(t, err, models.ErrEndOfData)
	})

	t.Run("no content means empty module", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		a := testAdapter(srv.URL)
		iter, err := a.ReadData(context.Background(), "Leads", 200)
		require.NoError(t, err)
		defer iter.Close()

		_, err = iter.Next(context.Background())
		require.ErrorIs(t, err, models.ErrEndOfData)
	})

	t.Run("refreshes an expired token and retries in place", func(t *testing.T) {
		var tokenCalls int
		var authHeaders []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/oauth/v2/token" {
				tokenCalls++
				fmt.Fprint(w, `{"access_token": "fresh-token", "expires_in": 3600}`)
				return
			}
			authHeaders = append(authHeaders, r.Header.Get("Authorization"))
			if r.Header.Get("Authorization") != "Zoho-oauthtoken fresh-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"data": [{"id": "1"}], "info": {"more_records": false}}`)
		}))
		defer srv.Close()

		accountsDomains[srv.URL] = srv.URL
		defer delete(accountsDomains, srv.URL)

		a := testAdapter(srv.URL)
		a.cfg = models.AdapterConfig{
			"refresh_token": "r",
			"client_id":     "c",
			"client_secret": "s",
		}

		iter, err := a.ReadData(context.Background(), "Leads", 200)
		require.NoError(t, err)
		defer iter.Close()

		batch, err := iter.Next(context.Background())
		require.NoError(t, err)
		assert.Len(t, batch, 1)

		assert.Equal(t, 1, tokenCalls)
		assert.Equal(t, []string{
			"Zoho-oauthtoken test-token",
			"Zoho-oauthtoken fresh-token",
		}, authHeaders)
		assert.Equal(t, "fresh-token", a.token)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var requests int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		a := testAdapter(srv.URL)
		iter, err := a.ReadData(context.Background(), "Leads", 200)
		require.NoError(t, err)
		defer iter.Close()

		_, err = iter.Next(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "403")
		assert.Equal(t, 1, requests)
	})

	t.Run("incremental sends the watermark header", func(t *testing.T) {
		var gotHeader string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHeader = r.Header.Get("If-Modified-Since")
			w.WriteHeader(http.StatusNotModified)
		}))
		defer srv.Close()

		a := testAdapter(srv.URL)
		since := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
		iter, err := a.ReadIncremental(context.Background(), "Leads", since, 200)
		require.NoError(t, err)
		defer iter.Close()

		_, err = iter.Next(context.Background())
		require.ErrorIs(t, err, models.ErrEndOfData)
		assert.Equal(t, "2026-08-01T10:30:00+00:00", gotHeader)
	})
}
