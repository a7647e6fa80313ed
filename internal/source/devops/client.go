package devops

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

const (
	apiVersionDefault = "7.1"

	// The projects and teams endpoints are still preview-versioned.
	projectsTeamsAPIVersion = "7.1-preview.3"

	listPageSize = 100
)

// client wraps the Azure DevOps REST API with PAT basic auth.
type client struct {
	http      *http.Client
	log       *slog.Logger
	baseURL   string
	authToken string
	version   string
}

func newClient(httpClient *http.Client, log *slog.Logger, organization, pat, version string) *client {
	return &client{
		http:      httpClient,
		log:       log,
		baseURL:   "https://dev.azure.com/" + organization,
		authToken: base64.StdEncoding.EncodeToString([]byte(":" + pat)),
		version:   version,
	}
}

func (c *client) do(ctx context.Context, method, rawURL string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+c.authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *client) get(ctx context.Context, rawURL string) (int, []byte, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil)
}

// listPaged walks an $skip/$top paged collection endpoint and returns
// the concatenated "value" entries.
func (c *client) listPaged(ctx context.Context, baseURL string) ([]gjson.Result, error) {
	var all []gjson.Result
	skip := 0
	for {
		pageURL := fmt.Sprintf("%s&$skip=%d&$top=%d", baseURL, skip, listPageSize)
		status, body, err := c.get(ctx, pageURL)
		if err != nil {
			return all, err
		}
		if status != http.StatusOK {
			return all, fmt.Errorf("fetch failed (skip=%d): %d", skip, status)
		}

		page := gjson.GetBytes(body, "value").Array()
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
		if len(page) < listPageSize {
			return all, nil
		}
		skip += listPageSize
	}
}

// projects returns every project in the organization with full detail.
func (c *client) projects(ctx context.Context) ([]gjson.Result, error) {
	return c.listPaged(ctx, c.baseURL+"/_apis/projects?api-version="+projectsTeamsAPIVersion)
}

// teams returns every team in the organization.
func (c *client) teams(ctx context.Context) ([]gjson.Result, error) {
	return c.listPaged(ctx, c.baseURL+"/_apis/teams?api-version="+projectsTeamsAPIVersion)
}

// projectNames returns the names of wellFormed projects, the set work
// items are fetched from.
func (c *client) projectNames(ctx context.Context) ([]string, error) {
	all, err := c.projects(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range all {
		if p.Get("state").String() == "wellFormed" && p.Get("name").String() != "" {
			names = append(names, p.Get("name").String())
		}
	}
	return names, nil
}

// workItemIDs runs a WIQL query listing every work item id of one
// project, ordered by id.
func (c *client) workItemIDs(ctx context.Context, project string) ([]string, error) {
	query, err := json.Marshal(map[string]string{
		"query": fmt.Sprintf("SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s' ORDER BY [System.Id]", project),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal wiql query: %w", err)
	}

	wiqlURL := fmt.Sprintf("%s/%s/_apis/wit/wiql?api-version=%s", c.baseURL, url.PathEscape(project), c.version)
	status, body, err := c.do(ctx, http.MethodPost, wiqlURL, query)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("wiql query for %s failed: %d", project, status)
	}

	var ids []string
	for _, ref := range gjson.GetBytes(body, "workItems").Array() {
		if id := ref.Get("id"); id.Exists() {
			ids = append(ids, id.String())
		}
	}
	return ids, nil
}

// workItemsBatch fetches a batch of work items with every expansion so
// relations and links ride along.
func (c *client) workItemsBatch(ctx context.Context, project string, ids []string) ([]gjson.Result, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idsParam := ids[0]
	for _, id := range ids[1:] {
		idsParam += "," + id
	}
	batchURL := fmt.Sprintf("%s/%s/_apis/wit/workitems?ids=%s&$expand=all&api-version=%s",
		c.baseURL, url.PathEscape(project), idsParam, c.version)
	status, body, err := c.get(ctx, batchURL)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch work items batch failed: %d", status)
	}
	return gjson.GetBytes(body, "value").Array(), nil
}

// workItemUpdates follows the update link of a work item. A missing
// link or failed fetch yields nil; callers emit a sentinel row.
func (c *client) workItemUpdates(ctx context.Context, workItem gjson.Result) []gjson.Result {
	href := workItem.Get("_links.workItemUpdates.href").String()
	if href == "" {
		return nil
	}
	status, body, err := c.get(ctx, href)
	if err != nil || status != http.StatusOK {
		return nil
	}
	return gjson.GetBytes(body, "value").Array()
}

// workItemComments follows the comments link of a work item.
func (c *client) workItemComments(ctx context.Context, workItem gjson.Result) []gjson.Result {
	href := workItem.Get("_links.workItemComments.href").String()
	if href == "" {
		return nil
	}
	status, body, err := c.get(ctx, href)
	if err != nil || status != http.StatusOK {
		return nil
	}
	comments := gjson.GetBytes(body, "comments").Array()
	if len(comments) == 0 {
		comments = gjson.GetBytes(body, "value").Array()
	}
	return comments
}

// workItemRevisions fetches the project-scoped revision chain.
func (c *client) workItemRevisions(ctx context.Context, project string, workItem gjson.Result) []gjson.Result {
	revURL := fmt.Sprintf("%s/%s/_apis/wit/workitems/%s/revisions?api-version=%s",
		c.baseURL, url.PathEscape(project), workItem.Get("id").String(), c.version)
	status, body, err := c.get(ctx, revURL)
	if err != nil || status != http.StatusOK {
		return nil
	}
	return gjson.GetBytes(body, "value").Array()
}
