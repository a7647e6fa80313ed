// Package devops implements the Azure DevOps source adapter. Work
// items, their history and their links are exposed as a fixed set of
// flat tables.
package devops

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/driftworks/migration-service/internal"
	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/source"
)

const (
	TableProjects  = "DEVOPS_PROJECTS"
	TableTeams     = "DEVOPS_TEAMS"
	TableMain      = "DEVOPS_WORKITEMS_MAIN"
	TableUpdates   = "DEVOPS_WORKITEMS_UPDATES"
	TableComments  = "DEVOPS_WORKITEMS_COMMENTS"
	TableRelations = "DEVOPS_WORKITEMS_RELATIONS"
	TableRevisions = "DEVOPS_WORKITEMS_REVISIONS"

	// The work items batch endpoint accepts at most 200 ids per call.
	workItemIDChunk = 200
)

type Adapter struct {
	log    *slog.Logger
	client *client

	projectsCache []gjson.Result
	teamsCache    []gjson.Result
}

func New(log *slog.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Kind() string { return internal.SourceDevOps }

func (a *Adapter) Connect(ctx context.Context, cfg models.AdapterConfig) error {
	organization := cfg.String("organization")
	token := cfg.StringOr("access_token", cfg.String("pat"))
	if organization == "" || token == "" {
		return fmt.Errorf("%w: devops requires organization and access_token", models.ErrConnectionFailed)
	}

	httpClient := &http.Client{Timeout: internal.DefaultSaaSRequestTimeout}
	c := newClient(httpClient, a.log, organization, token, apiVersionDefault)

	status, _, err := c.get(ctx, c.baseURL+"/_apis/projects?api-version="+projectsTeamsAPIVersion+"&$top=1")
	if err != nil {
		return fmt.Errorf("%w: devops: %v", models.ErrConnectionFailed, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: devops auth probe returned %d", models.ErrConnectionFailed, status)
	}

	a.client = c
	a.projectsCache = nil
	a.teamsCache = nil
	a.log.Info("connected to azure devops", slog.String("organization", organization))
	return nil
}

func (a *Adapter) Disconnect() error {
	a.client = nil
	a.projectsCache = nil
	a.teamsCache = nil
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context, cfg models.AdapterConfig) error {
	scratch := New(a.log)
	if err := scratch.Connect(ctx, cfg); err != nil {
		return err
	}
	_ = scratch.Disconnect()
	return nil
}

// ListTables returns the fixed table set in dependency order: projects
// and teams land before the work item tables that reference them.
func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	if a.client == nil {
		return nil, models.ErrNotConnected
	}
	return []string{
		TableProjects,
		TableTeams,
		TableMain,
		TableUpdates,
		TableComments,
		TableRelations,
		TableRevisions,
	}, nil
}

func stringCols(names ...string) []models.Column {
	cols := make([]models.Column, 0, len(names))
	for _, n := range names {
		cols = append(cols, models.Column{Name: n, Type: "string", Nullable: true})
	}
	return cols
}

// GetSchema returns the declared key columns per table. Work item
// payload columns surface at write time through schema evolution.
func (a *Adapter) GetSchema(ctx context.Context, table string) ([]models.Column, error) {
	if a.client == nil {
		return nil, models.ErrNotConnected
	}
	switch table {
	case TableProjects:
		cols := stringCols("id", "name", "description", "state")
		cols = append(cols, models.Column{Name: "revision", Type: "integer", Nullable: true})
		cols = append(cols, models.Column{Name: "lastUpdateTime", Type: "string", Nullable: true})
		return cols, nil
	case TableTeams:
		return stringCols("id", "name", "description", "projectName", "projectId"), nil
	case TableMain:
		return stringCols("id"), nil
	case TableUpdates, TableRevisions:
		return []models.Column{
			{Name: "work_item_id", Type: "string", Nullable: true},
			{Name: "rev", Type: "integer", Nullable: true},
		}, nil
	case TableComments:
		cols := stringCols("work_item_id", "comment_id", "text", "created_date", "created_by", "modified_date", "modified_by")
		cols = append(cols, models.Column{Name: "is_deleted", Type: "integer", Nullable: true})
		return cols, nil
	case TableRelations:
		return stringCols("work_item_id", "relation_type", "related_work_item_id", "related_work_item_url", "attributes_name"), nil
	default:
		return nil, fmt.Errorf("unknown devops table: %q", table)
	}
}

func (a *Adapter) projects(ctx context.Context) ([]gjson.Result, error) {
	if a.projectsCache == nil {
		all, err := a.client.projects(ctx)
		if err != nil {
			return nil, err
		}
		a.projectsCache = all
	}
	return a.projectsCache, nil
}

func (a *Adapter) teams(ctx context.Context) ([]gjson.Result, error) {
	if a.teamsCache == nil {
		all, err := a.client.teams(ctx)
		if err != nil {
			return nil, err
		}
		a.teamsCache = all
	}
	return a.teamsCache, nil
}

func (a *Adapter) ReadData(ctx context.Context, table string, batchSize int) (source.RowIterator, error) {
	if a.client == nil {
		return nil, models.ErrNotConnected
	}
	switch table {
	case TableProjects:
		all, err := a.projects(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch projects: %w", err)
		}
		records := make([]models.Record, 0, len(all))
		for _, p := range all {
			records = append(records, extractProject(p))
		}
		return newSliceIterator(records, batchSize), nil
	case TableTeams:
		all, err := a.teams(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch teams: %w", err)
		}
		records := make([]models.Record, 0, len(all))
		for _, t := range all {
			records = append(records, extractTeam(t))
		}
		return newSliceIterator(records, batchSize), nil
	case TableMain, TableUpdates, TableComments, TableRelations, TableRevisions:
		names, err := a.client.projectNames(ctx)
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		return newWorkItemIterator(a.client, a.log, table, names, batchSize), nil
	default:
		return nil, fmt.Errorf("unknown devops table: %q", table)
	}
}

// ReadIncremental is not supported by the flat work item extraction;
// every run rebuilds the tables from scratch.
func (a *Adapter) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (source.RowIterator, error) {
	a.log.Warn("incremental sync not supported for devops, performing full read",
		slog.String("table", table))
	return a.ReadData(ctx, table, batchSize)
}

type sliceIterator struct {
	records   []models.Record
	batchSize int
	pos       int
}

func newSliceIterator(records []models.Record, batchSize int) *sliceIterator {
	if batchSize <= 0 {
		batchSize = internal.BatchSizeDevOps
	}
	return &sliceIterator{records: records, batchSize: batchSize}
}

func (it *sliceIterator) Next(ctx context.Context) (models.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.records) {
		return nil, models.ErrEndOfData
	}
	end := it.pos + it.batchSize
	if end > len(it.records) {
		end = len(it.records)
	}
	batch := models.Batch(it.records[it.pos:end])
	it.pos = end
	return batch, nil
}

func (it *sliceIterator) Close() error {
	it.records = nil
	return nil
}

// workItemIterator streams one work item table. It walks projects in
// order, pulls the id list per project, and expands ids chunk by chunk
// into rows for the requested table.
type workItemIterator struct {
	client    *client
	log       *slog.Logger
	table     string
	projects  []string
	batchSize int

	projectIdx int
	ids        []string
	idIdx      int
	buffer     []models.Record
	done       bool
}

func newWorkItemIterator(c *client, log *slog.Logger, table string, projects []string, batchSize int) *workItemIterator {
	if batchSize <= 0 {
		batchSize = internal.BatchSizeDevOps
	}
	return &workItemIterator{
		client:    c,
		log:       log,
		table:     table,
		projects:  projects,
		batchSize: batchSize,
	}
}

func (it *workItemIterator) Next(ctx context.Context) (models.Batch, error) {
	for len(it.buffer) < it.batchSize && !it.done {
		if err := it.fill(ctx); err != nil {
			return nil, err
		}
	}
	if len(it.buffer) == 0 {
		return nil, models.ErrEndOfData
	}

	n := it.batchSize
	if n > len(it.buffer) {
		n = len(it.buffer)
	}
	batch := models.Batch(it.buffer[:n])
	it.buffer = it.buffer[n:]
	return batch, nil
}

// fill expands the next chunk of work item ids into buffered rows,
// advancing to the next project when the current one runs dry.
func (it *workItemIterator) fill(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for it.ids == nil || it.idIdx >= len(it.ids) {
		if it.projectIdx >= len(it.projects) {
			it.done = true
			return nil
		}
		project := it.projects[it.projectIdx]
		ids, err := it.client.workItemIDs(ctx, project)
		if err != nil {
			return fmt.Errorf("list work items for %s: %w", project, err)
		}
		it.log.Debug("fetched work item ids",
			slog.String("project", project),
			slog.Int("count", len(ids)))
		it.ids = ids
		it.idIdx = 0
		if len(ids) == 0 {
			it.projectIdx++
			it.ids = nil
			continue
		}
	}

	project := it.projects[it.projectIdx]
	end := it.idIdx + workItemIDChunk
	if end > len(it.ids) {
		end = len(it.ids)
	}
	chunk := it.ids[it.idIdx:end]
	it.idIdx = end
	if it.idIdx >= len(it.ids) {
		it.projectIdx++
		it.ids = nil
	}

	workItems, err := it.client.workItemsBatch(ctx, project, chunk)
	if err != nil {
		return fmt.Errorf("fetch work items for %s: %w", project, err)
	}

	for _, wi := range workItems {
		id := wi.Get("id").String()
		switch it.table {
		case TableMain:
			it.buffer = append(it.buffer, extractMain(wi))
		case TableUpdates:
			it.buffer = append(it.buffer, extractUpdates(id, it.client.workItemUpdates(ctx, wi))...)
		case TableComments:
			it.buffer = append(it.buffer, extractComments(id, it.client.workItemComments(ctx, wi))...)
		case TableRelations:
			it.buffer = append(it.buffer, extractRelations(wi)...)
		case TableRevisions:
			it.buffer = append(it.buffer, extractRevisions(id, it.client.workItemRevisions(ctx, project, wi))...)
		}
	}
	return nil
}

func (it *workItemIterator) Close() error {
	it.buffer = nil
	it.done = true
	return nil
}
