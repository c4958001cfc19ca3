package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rokfor/writersync/internal/couch"
)

// ChangeKind tags a change event once at the ingestion boundary; consumers
// dispatch on the tag instead of re-deriving it from the document id.
type ChangeKind string

const (
	KindContribution ChangeKind = "contribution"
	KindIssueOptions ChangeKind = "issue-options"
	KindExportRecord ChangeKind = "export-record"
)

// ChangeEvent is one document mutation pulled from a change feed, immutable
// once enqueued.
type ChangeEvent struct {
	SourceDB   string
	DocumentID string
	Revision   string
	Deleted    bool
	Kind       ChangeKind
	Payload    ChangePayload
}

// ChangePayload carries the fields the sync worker needs, coerced from the
// loosely-typed document body.
type ChangePayload struct {
	// ContributionID is the remote id recorded on the document, zero or
	// negative while the contribution only exists locally.
	ContributionID int64
	// IssueID is the remote issue id for issue-options documents.
	IssueID int64
	Title   string
	Body    string
	Name    string
	Sort    int
	// IssueRef is the issue a contribution belongs to.
	IssueRef int64
	Status   string
	Options  map[string]any
	// Fields keeps the untyped document body so a negotiated remote id can
	// be written back without dropping fields this service does not model.
	Fields map[string]any
}

// Classify converts a raw change row into a tagged event.
func Classify(sourceDB string, row couch.ChangeRow) ChangeEvent {
	ev := ChangeEvent{
		SourceDB:   sourceDB,
		DocumentID: row.ID,
		Revision:   row.Doc.Rev,
		Deleted:    row.Deleted,
	}
	switch {
	case strings.Contains(row.ID, "options"):
		ev.Kind = KindIssueOptions
	case strings.HasPrefix(row.ID, "export"):
		ev.Kind = KindExportRecord
	default:
		ev.Kind = KindContribution
	}
	ev.Payload = parsePayload(row.Doc.Data, ev.Kind)
	return ev
}

func parsePayload(raw json.RawMessage, kind ChangeKind) ChangePayload {
	var p ChangePayload
	if len(raw) == 0 {
		return p
	}
	// Deleted documents may carry the bare remote id as their data.
	var scalar any
	if err := json.Unmarshal(raw, &scalar); err != nil {
		return p
	}
	fields, ok := scalar.(map[string]any)
	if !ok {
		p.ContributionID = coerceInt64(scalar)
		return p
	}
	p.Fields = fields
	switch kind {
	case KindIssueOptions:
		p.IssueID = coerceInt64(fields["Id"])
		p.Name = coerceString(fields["Name"])
		if options, ok := fields["Options"].(map[string]any); ok {
			p.Options = options
		}
	default:
		p.ContributionID = coerceInt64(fields["id"])
		p.Title = coerceString(fields["title"])
		p.Body = coerceString(fields["body"])
		p.Name = coerceString(fields["name"])
		p.Sort = int(coerceInt64(fields["sort"]))
		p.IssueRef = coerceInt64(fields["issue"])
		p.Status = coerceString(fields["status"])
	}
	return p
}

func coerceInt64(v any) int64 {
	switch typed := v.(type) {
	case float64:
		return int64(typed)
	case int64:
		return typed
	case json.Number:
		n, _ := typed.Int64()
		return n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func coerceString(v any) string {
	s, _ := v.(string)
	return s
}

// revisionVersion extracts the numeric prefix of a revision such as "3-a1b2".
func revisionVersion(rev string) string {
	if idx := strings.Index(rev, "-"); idx > 0 {
		return rev[:idx]
	}
	return rev
}
