// Package zoho implements the Zoho CRM source adapter over the v2/v8
// REST APIs with refresh-token OAuth.
package zoho

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/tidwall/gjson"

	"github.com/driftworks/migration-service/internal"
	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/source"
)

const defaultAPIDomain = "https://www.zohoapis.in"

// accountsDomains maps each data-center API domain to its OAuth
// accounts host. Unknown domains fall back to the India DC.
var accountsDomains = map[string]string{
	"https://www.zohoapis.in":     "https://accounts.zoho.in",
	"https://www.zohoapis.com":    "https://accounts.zoho.com",
	"https://www.zohoapis.eu":     "https://accounts.zoho.eu",
	"https://www.zohoapis.com.au": "https://accounts.zoho.com.au",
	"https://www.zohoapis.jp":     "https://accounts.zoho.jp",
}

func accountsDomain(apiDomain string) string {
	if d, ok := accountsDomains[apiDomain]; ok {
		return d
	}
	return "https://accounts.zoho.in"
}

type Adapter struct {
	log    *slog.Logger
	client *http.Client

	cfg       models.AdapterConfig
	token     string
	apiDomain string
}

func New(log *slog.Logger) *Adapter {
	return &Adapter{
		log: log,
		client: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

func (a *Adapter) Kind() string { return internal.SourceZoho }

// fetchToken exchanges the refresh token for a short-lived access
// token. The response may redirect us to a different API domain.
func (a *Adapter) fetchToken(ctx context.Context, cfg models.AdapterConfig, apiDomain string) (token, domain string, err error) {
	form := url.Values{
		"refresh_token": {cfg.String("refresh_token")},
		"client_id":     {cfg.String("client_id")},
		"client_secret": {cfg.String("client_secret")},
		"grant_type":    {"refresh_token"},
	}

	tokenURL := accountsDomain(apiDomain) + "/oauth/v2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("token request failed: %d - %s", resp.StatusCode, truncate(body, 200))
	}

	token = gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", "", fmt.Errorf("no access token in response")
	}

	domain = apiDomain
	if d := gjson.GetBytes(body, "api_domain").String(); d != "" {
		domain = d
	}
	a.log.Debug("zoho access token obtained",
		slog.Int64("expires_in", gjson.GetBytes(body, "expires_in").Int()))
	return token, domain, nil
}

func (a *Adapter) Connect(ctx context.Context, cfg models.AdapterConfig) error {
	apiDomain := cfg.StringOr("api_domain", defaultAPIDomain)
	token, domain, err := a.fetchToken(ctx, cfg, apiDomain)
	if err != nil {
		return fmt.Errorf("%w: zoho: %v", models.ErrConnectionFailed, err)
	}
	a.cfg = cfg
	a.token = token
	a.apiDomain = domain
	a.log.Info("connected to zoho crm", slog.String("api_domain", domain))
	return nil
}

func (a *Adapter) Disconnect() error {
	a.token = ""
	a.apiDomain = ""
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context, cfg models.AdapterConfig) error {
	apiDomain := cfg.StringOr("api_domain", defaultAPIDomain)
	_, _, err := a.fetchToken(ctx, cfg, apiDomain)
	return err
}

// refreshToken replaces an expired access token mid-run.
func (a *Adapter) refreshToken(ctx context.Context) error {
	token, domain, err := a.fetchToken(ctx, a.cfg, a.apiDomain)
	if err != nil {
		return fmt.Errorf("%w: failed to refresh zoho access token: %v", models.ErrConnectionFailed, err)
	}
	a.token = token
	a.apiDomain = domain
	return nil
}

func (a *Adapter) get(ctx context.Context, rawURL string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+a.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// ListTables lists the CRM modules accessible to the connected org.
func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	if a.token == "" {
		return nil, models.ErrNotConnected
	}

	status, body, err := a.get(ctx, a.apiDomain+"/crm/v8/settings/modules", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch modules: %d - %s", status, truncate(body, 200))
	}

	var modules []string
	gjson.GetBytes(body, "modules.#.api_name").ForEach(func(_, name gjson.Result) bool {
		if name.String() != "" {
			modules = append(modules, name.String())
		}
		return true
	})
	sort.Strings(modules)
	a.log.Info("zoho modules discovered", slog.Int("count", len(modules)))
	return modules, nil
}

// GetSchema derives a schema from field metadata. Every CRM field is
// exposed as a nullable string; the sink stores values verbatim.
func (a *Adapter) GetSchema(ctx context.Context, module string) ([]models.Column, error) {
	if a.token == "" {
		return nil, models.ErrNotConnected
	}

	names, err := a.moduleFieldNames(ctx, module)
	if err != nil {
		a.log.Warn("could not fetch field metadata, falling back to first record",
			slog.String("module", module), slog.Any("error", err))
		names = a.firstRecordFieldNames(ctx, module)
	}
	if len(names) == 0 {
		return []models.Column{{Name: "id", Type: "string", Nullable: false}}, nil
	}

	schema := make([]models.Column, 0, len(names))
	for _, name := range names {
		schema = append(schema, models.Column{Name: name, Type: "string", Nullable: true})
	}
	return schema, nil
}

func (a *Adapter) moduleFieldNames(ctx context.Context, module string) ([]string, error) {
	status, body, err := a.get(ctx, a.apiDomain+"/crm/v2/settings/modules/"+url.PathEscape(module), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch field metadata for %s: %d - %s", module, status, truncate(body, 200))
	}

	fields := gjson.GetBytes(body, "modules.0.fields")
	if !fields.Exists() || len(fields.Array()) == 0 {
		fields = gjson.GetBytes(body, "fields")
	}
	if !fields.Exists() || len(fields.Array()) == 0 {
		return nil, fmt.Errorf("no fields returned for module %s", module)
	}

	seen := map[string]bool{"id": true}
	for _, f := range fields.Array() {
		if name := f.Get("api_name").String(); name != "" {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *Adapter) firstRecordFieldNames(ctx context.Context, module string) []string {
	status, body, err := a.get(ctx, a.apiDomain+"/crm/v2/"+url.PathEscape(module)+"?page=1&per_page=1", nil)
	if err != nil || status != http.StatusOK {
		return nil
	}
	first := gjson.GetBytes(body, "data.0")
	if !first.Exists() {
		return nil
	}
	var names []string
	first.ForEach(func(key, _ gjson.Result) bool {
		names = append(names, key.String())
		return true
	})
	sort.Strings(names)
	return names
}

func (a *Adapter) ReadData(ctx context.Context, module string, batchSize int) (source.RowIterator, error) {
	if a.token == "" {
		return nil, models.ErrNotConnected
	}
	return &pageIterator{adapter: a, module: module, perPage: batchSize, page: 1}, nil
}

// ReadIncremental filters server side via If-Modified-Since so only
// records changed after the watermark come back.
func (a *Adapter) ReadIncremental(_ context.Context, module string, since time.Time, batchSize int) (source.RowIterator, error) {
	if a.token == "" {
		return nil, models.ErrNotConnected
	}
	return &pageIterator{
		adapter:       a,
		module:        module,
		perPage:       batchSize,
		page:          1,
		modifiedSince: since.Format("2006-01-02T15:04:05-07:00"),
	}, nil
}

// pageIterator walks the module's record pages. Each Next call fetches
// one page with bounded retries and a token refresh on 401.
type pageIterator struct {
	adapter       *Adapter
	module        string
	perPage       int
	page          int
	modifiedSince string
	done          bool
}

func (it *pageIterator) Next(ctx context.Context) (models.Batch, error) {
	if it.done {
		return nil, models.ErrEndOfData
	}

	a := it.adapter
	pageURL := fmt.Sprintf("%s/crm/v2/%s?page=%d&per_page=%d",
		a.apiDomain, url.PathEscape(it.module), it.page, it.perPage)

	var headers map[string]string
	if it.modifiedSince != "" {
		headers = map[string]string{"If-Modified-Since": it.modifiedSince}
	}

	var batch models.Batch
	err := retry.Do(
		func() error {
			status, body, err := a.get(ctx, pageURL, headers)
			if err != nil {
				return err
			}
			if status == http.StatusUnauthorized {
				a.log.Warn("zoho token expired, refreshing", slog.String("module", it.module))
				if err := a.refreshToken(ctx); err != nil {
					return retry.Unrecoverable(err)
				}
				status, body, err = a.get(ctx, pageURL, headers)
				if err != nil {
					return err
				}
			}
			switch {
			case status == http.StatusNoContent, status == http.StatusNotModified:
				it.done = true
				return nil
			case status == http.StatusOK:
			case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
				// Client errors do not heal on retry.
				return retry.Unrecoverable(fmt.Errorf("%s fetch failed: %d - %s", it.module, status, truncate(body, 200)))
			default:
				return fmt.Errorf("%s fetch failed: %d - %s", it.module, status, truncate(body, 200))
			}

			data := gjson.GetBytes(body, "data")
			if !data.Exists() || len(data.Array()) == 0 {
				it.done = true
				return nil
			}

			batch = make(models.Batch, 0, len(data.Array()))
			for _, rec := range data.Array() {
				batch = append(batch, normalizeRecord(rec))
			}

			if !gjson.GetBytes(body, "info.more_records").Bool() {
				it.done = true
			}
			return nil
		},
		retry.Attempts(internal.SourceFetchRetries),
		// n is 1-based here, so waits grow 2s, 4s, 6s.
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n) * internal.SourceFetchRetryDelay
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		it.done = true
		return nil, fmt.Errorf("read %s page %d: %w", it.module, it.page, err)
	}

	if len(batch) == 0 {
		return nil, models.ErrEndOfData
	}
	it.page++
	return batch, nil
}

func (it *pageIterator) Close() error { return nil }

// normalizeRecord flattens a CRM record: scalars become strings,
// lookups and multi-selects become their JSON text, nulls stay null.
func normalizeRecord(rec gjson.Result) models.Record {
	out := models.Record{}
	rec.ForEach(func(key, value gjson.Result) bool {
		switch {
		case value.Type == gjson.Null:
			out[key.String()] = nil
		case value.IsObject() || value.IsArray():
			out[key.String()] = value.Raw
		default:
			out[key.String()] = value.String()
		}
		return true
	})
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
