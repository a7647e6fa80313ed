package devops

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/driftworks/migration-service/internal/models"
)

// fieldValue mirrors the loose truthiness the downstream tables
// expect: null becomes empty string, zero stays zero.
func fieldValue(r gjson.Result) any {
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.Number:
		return r.Value()
	case gjson.True, gjson.False:
		return r.Bool()
	default:
		if r.IsObject() || r.IsArray() {
			return r.Raw
		}
		return r.String()
	}
}

// firstField returns the value of the first present field name. Work
// item templates scatter the same logical field across the System.,
// Microsoft.VSTS. and Custom. prefixes.
func firstField(fields map[string]gjson.Result, names ...string) any {
	for _, name := range names {
		if v, ok := fields[name]; ok {
			return fieldValue(v)
		}
	}
	return ""
}

func userDisplayName(v gjson.Result) string { return v.Get("displayName").String() }
func userUniqueName(v gjson.Result) string  { return v.Get("uniqueName").String() }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func extractProject(p gjson.Result) models.Record {
	return models.Record{
		"id":             p.Get("id").String(),
		"name":           p.Get("name").String(),
		"description":    p.Get("description").String(),
		"state":          p.Get("state").String(),
		"revision":       p.Get("revision").Int(),
		"lastUpdateTime": p.Get("lastUpdateTime").String(),
	}
}

func extractTeam(t gjson.Result) models.Record {
	return models.Record{
		"id":          t.Get("id").String(),
		"name":        t.Get("name").String(),
		"description": t.Get("description").String(),
		"projectName": t.Get("projectName").String(),
		"projectId":   t.Get("projectId").String(),
	}
}

// extractMain flattens one work item into the curated main-table row.
func extractMain(workItem gjson.Result) models.Record {
	fields := workItem.Get("fields").Map()

	return models.Record{
		"id":                     workItem.Get("id").String(),
		"AreaPath":               fields["System.AreaPath"].String(),
		"TeamProject":            fields["System.TeamProject"].String(),
		"IterationPath":          fields["System.IterationPath"].String(),
		"WorkItemType":           fields["System.WorkItemType"].String(),
		"State":                  fields["System.State"].String(),
		"Reason":                 fields["System.Reason"].String(),
		"AssignedTo":             userDisplayName(fields["System.AssignedTo"]),
		"CreatedDate":            fields["System.CreatedDate"].String(),
		"CreatedBy_uniqueName":   userUniqueName(fields["System.CreatedBy"]),
		"ChangedDate":            fields["System.ChangedDate"].String(),
		"ChangedBy_uniqueName":   userUniqueName(fields["System.ChangedBy"]),
		"CommentCount":           fields["System.CommentCount"].Int(),
		"Title":                  fields["System.Title"].String(),
		"StateChangeDate":        firstField(fields, "Microsoft.VSTS.Common.StateChangeDate", "System.StateChangeDate", "Custom.StateChangeDate"),
		"ActivatedDate":          firstField(fields, "Microsoft.VSTS.Common.ActivatedDate", "System.ActivatedDate", "Custom.ActivatedDate"),
		"ActivatedBy_displayName": userDisplayName(fields["Microsoft.VSTS.Common.ActivatedBy"]),
		"ResolvedDate":           firstField(fields, "Microsoft.VSTS.Common.ResolvedDate", "System.ResolvedDate", "Custom.ResolvedDate"),
		"ResolvedBy_displayName": userDisplayName(fields["Microsoft.VSTS.Common.ResolvedBy"]),
		"ClosedDate":             firstField(fields, "Microsoft.VSTS.Common.ClosedDate", "System.ClosedDate", "Custom.ClosedDate"),
		"ClosedBy_displayName":   userDisplayName(fields["Microsoft.VSTS.Common.ClosedBy"]),
		"Priority":               fieldValue(fields["Microsoft.VSTS.Common.Priority"]),
		"ValueArea":              fields["Microsoft.VSTS.Common.ValueArea"].String(),
		"TargetDate":             firstField(fields, "Microsoft.VSTS.Scheduling.TargetDate", "Custom.TargetDate", "TargetDate"),
		"Effort":                 fieldValue(fields["Microsoft.VSTS.Scheduling.Effort"]),
		"StartDate":              firstField(fields, "Microsoft.VSTS.Scheduling.StartDate", "Custom.StartDate", "StartDate"),
		"Product":                firstField(fields, "Custom.Product", "Custom.product", "Product", "product"),
		"ScrumTeam":              firstField(fields, "Custom.scrumTeam", "Custom.ScrumTeam", "Custom.scrum_team", "scrumTeam"),
		"Device":                 firstField(fields, "Custom.device", "Custom.Device", "device"),
		"Category":               firstField(fields, "System.Category", "Custom.category", "Custom.Category", "category"),
		"Urgent":                 firstField(fields, "Custom.urgent", "Custom.Urgent", "urgent"),
		"TotalEfforts":           firstField(fields, "Custom.totalEfforts", "Custom.TotalEfforts", "Custom.total_efforts", "Microsoft.VSTS.Scheduling.OriginalEstimate", "totalEfforts"),
		"ActualEfforts":          firstField(fields, "Custom.ActualEfforts", "Custom.actualEfforts", "Custom.actual_efforts", "Microsoft.VSTS.Scheduling.CompletedWork", "ActualEfforts"),
		"SprintEfforts":          firstField(fields, "Custom.SprintEfforts", "Custom.sprintEfforts", "Custom.sprint_efforts", "SprintEfforts"),
		"StoppageReworkCount":    firstField(fields, "Custom.StoppageReworkCount", "Custom.stoppageReworkCount", "StoppageReworkCount"),
		"RemainingEfforts":       firstField(fields, "Custom.RemainingEfforts", "Custom.remainingEfforts", "Custom.remaining_efforts", "Microsoft.VSTS.Scheduling.RemainingWork", "RemainingEfforts"),
		"WeekEfforts":            firstField(fields, "Custom.WeekEfforts", "Custom.weekEfforts", "WeekEfforts"),
		"CustomerName":           firstField(fields, "Custom.customer", "Custom.Customer", "customer", "CustomerName"),
		"description":            truncateRunes(fields["System.Description"].String(), 1000),
	}
}

// updateStateColumns is the forward-filled column set of the updates
// table. Updates carry deltas only; untouched fields keep the value
// from the previous revision.
var updateStateColumns = []string{
	"revisedBy_displayName",
	"revisedBy_uniqueName",
	"revisedDate",
	"AuthorizedDate",
	"WorkItemType",
	"State",
	"Reason",
	"CreatedDate",
	"CreatedBy_displayName",
	"CreatedBy_uniqueName",
	"ChangedDate",
	"ChangedBy_displayName",
	"ChangedBy_uniqueName",
	"AuthorizedAs_displayName",
	"AuthorizedAs_uniqueName",
	"CommentCount",
	"TeamProject",
	"AreaPath",
	"IterationPath",
	"Priority",
	"StartDate",
	"Product",
	"ScrumTeam",
	"Device",
	"Category",
	"Effort",
	"TargetDate",
	"StateChangeDate",
	"Title",
}

var updateSimpleFields = []struct{ column, field string }{
	{"AuthorizedDate", "System.AuthorizedDate"},
	{"WorkItemType", "System.WorkItemType"},
	{"State", "System.State"},
	{"Reason", "System.Reason"},
	{"CreatedDate", "System.CreatedDate"},
	{"ChangedDate", "System.ChangedDate"},
	{"CommentCount", "System.CommentCount"},
	{"TeamProject", "System.TeamProject"},
	{"AreaPath", "System.AreaPath"},
	{"IterationPath", "System.IterationPath"},
	{"Priority", "Microsoft.VSTS.Common.Priority"},
	{"StartDate", "Microsoft.VSTS.Scheduling.StartDate"},
	{"Product", "Custom.Product"},
	{"ScrumTeam", "Custom.ScrumTeam"},
	{"Device", "Custom.Device"},
	{"Category", "Custom.Category"},
	{"Effort", "Microsoft.VSTS.Scheduling.Effort"},
	{"TargetDate", "Microsoft.VSTS.Scheduling.TargetDate"},
	{"StateChangeDate", "Microsoft.VSTS.Common.StateChangeDate"},
	{"Title", "System.Title"},
}

var updateUserFields = []struct{ displayCol, uniqueCol, topKey, field string }{
	{"CreatedBy_displayName", "CreatedBy_uniqueName", "createdBy", "System.CreatedBy"},
	{"ChangedBy_displayName", "ChangedBy_uniqueName", "changedBy", "System.ChangedBy"},
	{"AuthorizedAs_displayName", "AuthorizedAs_uniqueName", "authorizedAs", "System.AuthorizedAs"},
}

// extractUpdates flattens the revision chain of one work item into
// per-revision rows with state carried forward. A work item without
// updates still yields a sentinel row so joins keep it visible.
func extractUpdates(workItemID string, updates []gjson.Result) []models.Record {
	if len(updates) == 0 {
		return []models.Record{emptyRow(workItemID, updateStateColumns, true)}
	}

	state := make(map[string]any, len(updateStateColumns))
	for _, col := range updateStateColumns {
		state[col] = nil
	}

	records := make([]models.Record, 0, len(updates))
	for _, update := range updates {
		fields := update.Get("fields").Map()

		if d := userDisplayName(update.Get("revisedBy")); d != "" {
			state["revisedBy_displayName"] = d
		}
		if u := userUniqueName(update.Get("revisedBy")); u != "" {
			state["revisedBy_uniqueName"] = u
		}
		if rd := update.Get("revisedDate").String(); rd != "" {
			state["revisedDate"] = rd
		}

		for _, spec := range updateSimpleFields {
			if fo, ok := fields[spec.field]; ok {
				if nv := fo.Get("newValue"); nv.Exists() {
					if nv.Type == gjson.Null {
						state[spec.column] = nil
					} else {
						state[spec.column] = fieldValue(nv)
					}
				}
			}
		}

		for _, spec := range updateUserFields {
			display := userDisplayName(update.Get(spec.topKey))
			unique := userUniqueName(update.Get(spec.topKey))
			if display == "" && unique == "" {
				if fo, ok := fields[spec.field]; ok {
					nv := fo.Get("newValue")
					display = userDisplayName(nv)
					unique = userUniqueName(nv)
				}
			}
			if display != "" {
				state[spec.displayCol] = display
			}
			if unique != "" {
				state[spec.uniqueCol] = unique
			}
		}

		rec := models.Record{
			"work_item_id": workItemID,
			"rev":          update.Get("rev").Int(),
		}
		for _, col := range updateStateColumns {
			rec[col] = state[col]
		}
		records = append(records, rec)
	}
	return records
}

func extractComments(workItemID string, comments []gjson.Result) []models.Record {
	if len(comments) == 0 {
		return []models.Record{{
			"work_item_id":  workItemID,
			"comment_id":    nil,
			"text":          nil,
			"created_date":  nil,
			"created_by":    nil,
			"modified_date": nil,
			"modified_by":   nil,
			"is_deleted":    nil,
		}}
	}

	records := make([]models.Record, 0, len(comments))
	for _, c := range comments {
		isDeleted := int64(0)
		if c.Get("isDeleted").Bool() {
			isDeleted = 1
		}
		records = append(records, models.Record{
			"work_item_id":  workItemID,
			"comment_id":    c.Get("id").String(),
			"text":          truncateRunes(c.Get("text").String(), 2000),
			"created_date":  c.Get("createdDate").String(),
			"created_by":    userDisplayName(c.Get("createdBy")),
			"modified_date": c.Get("modifiedDate").String(),
			"modified_by":   userDisplayName(c.Get("modifiedBy")),
			"is_deleted":    isDeleted,
		})
	}
	return records
}

func extractRelations(workItem gjson.Result) []models.Record {
	workItemID := workItem.Get("id").String()
	relations := workItem.Get("relations").Array()
	if len(relations) == 0 {
		return []models.Record{{
			"work_item_id":          workItemID,
			"relation_type":         nil,
			"related_work_item_id":  nil,
			"related_work_item_url": nil,
			"attributes_name":       nil,
		}}
	}

	records := make([]models.Record, 0, len(relations))
	for _, rel := range relations {
		relURL := rel.Get("url").String()
		relatedID := ""
		if relURL != "" {
			parts := strings.Split(relURL, "/")
			relatedID = parts[len(parts)-1]
		}
		records = append(records, models.Record{
			"work_item_id":          workItemID,
			"relation_type":         rel.Get("rel").String(),
			"related_work_item_id":  relatedID,
			"related_work_item_url": relURL,
			"attributes_name":       rel.Get("attributes.name").String(),
		})
	}
	return records
}

var revisionColumns = []string{
	"WorkItemType",
	"State",
	"Reason",
	"CreatedDate",
	"CreatedBy_displayName",
	"CreatedBy_uniqueName",
	"ChangedDate",
	"ChangedBy_displayName",
	"ChangedBy_uniqueName",
	"CommentCount",
	"TeamProject",
	"AreaPath",
	"IterationPath",
	"Priority",
	"ValueArea",
	"StartDate",
	"Product",
	"ScrumTeam",
	"Device",
	"Category",
	"Effort",
	"TargetDate",
	"StateChangeDate",
	"Title",
}

func extractRevisions(workItemID string, revisions []gjson.Result) []models.Record {
	if len(revisions) == 0 {
		return []models.Record{emptyRow(workItemID, revisionColumns, true)}
	}

	records := make([]models.Record, 0, len(revisions))
	for _, rev := range revisions {
		fields := rev.Get("fields").Map()
		rec := models.Record{
			"work_item_id":          workItemID,
			"rev":                   rev.Get("rev").Int(),
			"WorkItemType":          fieldValue(fields["System.WorkItemType"]),
			"State":                 fieldValue(fields["System.State"]),
			"Reason":                fieldValue(fields["System.Reason"]),
			"CreatedDate":           fieldValue(fields["System.CreatedDate"]),
			"CreatedBy_displayName": userDisplayName(fields["System.CreatedBy"]),
			"CreatedBy_uniqueName":  userUniqueName(fields["System.CreatedBy"]),
			"ChangedDate":           fieldValue(fields["System.ChangedDate"]),
			"ChangedBy_displayName": userDisplayName(fields["System.ChangedBy"]),
			"ChangedBy_uniqueName":  userUniqueName(fields["System.ChangedBy"]),
			"CommentCount":          fieldValue(fields["System.CommentCount"]),
			"TeamProject":           fieldValue(fields["System.TeamProject"]),
			"AreaPath":              fieldValue(fields["System.AreaPath"]),
			"IterationPath":         fieldValue(fields["System.IterationPath"]),
			"Priority":              fieldValue(fields["Microsoft.VSTS.Common.Priority"]),
			"ValueArea":             fieldValue(fields["Microsoft.VSTS.Common.ValueArea"]),
			"StartDate":             fieldValue(fields["Microsoft.VSTS.Scheduling.StartDate"]),
			"Product":               fieldValue(fields["Custom.Product"]),
			"ScrumTeam":             fieldValue(fields["Custom.ScrumTeam"]),
			"Device":                fieldValue(fields["Custom.Device"]),
			"Category":              fieldValue(fields["Custom.Category"]),
			"Effort":                fieldValue(fields["Microsoft.VSTS.Scheduling.Effort"]),
			"TargetDate":            fieldValue(fields["Microsoft.VSTS.Scheduling.TargetDate"]),
			"StateChangeDate":       fieldValue(fields["Microsoft.VSTS.Common.StateChangeDate"]),
			"Title":                 fieldValue(fields["System.Title"]),
		}
		records = append(records, rec)
	}
	return records
}

// emptyRow builds an all-null sentinel row keyed by work item id so
// items without history still appear downstream.
func emptyRow(workItemID string, columns []string, withRev bool) models.Record {
	rec := models.Record{"work_item_id": workItemID}
	if withRev {
		rec["rev"] = nil
	}
	for _, col := range columns {
		rec[col] = nil
	}
	return rec
}
