package engine

import (
	"encoding/json"
	"testing"

	"github.com/rokfor/writersync/internal/couch"
)

func row(id, rev string, data string) couch.ChangeRow {
	return couch.ChangeRow{
		ID: id,
		Doc: couch.Document{
			ID:   id,
			Rev:  rev,
			Data: json.RawMessage(data),
		},
	}
}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		docID string
		want  ChangeKind
	}{
		{"abc123", KindContribution},
		{"options", KindIssueOptions},
		{"issue-options", KindIssueOptions},
		{"export-55ab", KindExportRecord},
		{"exported", KindExportRecord},
	}
	for _, tc := range cases {
		ev := Classify("issue-7", row(tc.docID, "1-a", `{}`))
		if ev.Kind != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.docID, ev.Kind, tc.want)
		}
	}
}

func TestClassifyContributionPayload(t *testing.T) {
	ev := Classify("issue-7", row("doc-1", "3-ff",
		`{"id": 42, "title": "T", "body": "B", "name": "N", "sort": 2, "issue": 7, "status": "Draft"}`))
	p := ev.Payload
	if p.ContributionID != 42 || p.Title != "T" || p.Body != "B" || p.Name != "N" {
		t.Fatalf("payload = %+v", p)
	}
	if p.Sort != 2 || p.IssueRef != 7 || p.Status != "Draft" {
		t.Fatalf("payload = %+v", p)
	}
	if p.Fields["title"] != "T" {
		t.Fatalf("untyped fields not retained: %v", p.Fields)
	}
}

func TestClassifyIssueOptionsPayload(t *testing.T) {
	ev := Classify("issue-7", row("options", "2-aa",
		`{"Id": 7, "Name": "Book", "Options": {"theme": "dark"}}`))
	p := ev.Payload
	if p.IssueID != 7 || p.Name != "Book" {
		t.Fatalf("payload = %+v", p)
	}
	if p.Options["theme"] != "dark" {
		t.Fatalf("options = %v", p.Options)
	}
}

func TestClassifyScalarDataCarriesRemoteID(t *testing.T) {
	// Deleted documents can carry the bare remote id as their data.
	ev := Classify("issue-7", row("doc-1", "4-aa", `42`))
	if ev.Payload.ContributionID != 42 {
		t.Fatalf("contribution id = %d, want 42", ev.Payload.ContributionID)
	}
}

func TestClassifyStringNumbersAreCoerced(t *testing.T) {
	ev := Classify("issue-7", row("doc-1", "1-aa", `{"id": "42", "issue": "7"}`))
	if ev.Payload.ContributionID != 42 || ev.Payload.IssueRef != 7 {
		t.Fatalf("payload = %+v", ev.Payload)
	}
}

func TestRevisionVersion(t *testing.T) {
	cases := map[string]string{
		"3-a1b2c3": "3",
		"12-ff":    "12",
		"7":        "7",
		"":         "",
	}
	for rev, want := range cases {
		if got := revisionVersion(rev); got != want {
			t.Errorf("revisionVersion(%q) = %q, want %q", rev, got, want)
		}
	}
}
