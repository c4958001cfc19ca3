package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rokfor/writersync/internal/rokfor"
)

// GetExporters lists the exporters the backend offers for a group.
func (e *Engine) GetExporters(ctx context.Context, tenantID, password string, group int64) ([]rokfor.Exporter, error) {
	if err := e.authenticate(ctx, tenantID, password); err != nil {
		return nil, err
	}
	if group == 0 {
		group = e.book
	}
	return e.remote.Exporters(ctx, group)
}

// RequestExport submits an export job and returns the one-time token
// embedded in the callback URL the backend will call.
func (e *Engine) RequestExport(ctx context.Context, tenantID, password string, exporterID, issueID int64) (string, error) {
	if err := e.authenticate(ctx, tenantID, password); err != nil {
		return "", err
	}
	token := e.callbacks.Issue()
	req := rokfor.ExportRequest{
		Callback:  strings.TrimRight(e.callbackBaseURL, "/") + "/callback/" + token,
		Mode:      e.exportMode,
		Selection: issueID,
	}
	if err := e.remote.SubmitExport(ctx, exporterID, req); err != nil {
		return "", fmt.Errorf("submit export: %w", err)
	}
	e.logf("export: job submitted on exporter %d for issue %d", exporterID, issueID)
	return token, nil
}

// HandleCallback accepts one export-status delivery per token. The record is
// persisted into the issue database; completed jobs optionally pull the
// produced file in as an attachment.
func (e *Engine) HandleCallback(ctx context.Context, token, status string, issueID int64, data map[string]any) error {
	if !e.callbacks.Consume(token) {
		return ErrUnknownCallbackToken
	}

	db := IssueDatabase(issueID)
	docID := "export-" + token
	record := map[string]any{
		"status": status,
		"data":   data,
	}
	if err := e.store.Save(ctx, db, docID, record); err != nil {
		return fmt.Errorf("persist export record: %w", err)
	}

	if e.retainFiles && strings.EqualFold(status, "complete") {
		if err := e.retainFile(ctx, db, docID, data); err != nil {
			// The record is already persisted; a lost attachment is logged
			// rather than failing the delivery.
			e.logf("export: retain file for %s failed: %v", docID, err)
		}
	}
	e.publishActivity(Activity{
		Kind:       "export-callback",
		Database:   db,
		DocumentID: docID,
		Outcome:    status,
	})
	return nil
}

func (e *Engine) retainFile(ctx context.Context, db, docID string, data map[string]any) error {
	fileURL, _ := data["File"].(string)
	if fileURL == "" {
		return nil
	}
	body, contentType, err := e.remote.FetchFile(ctx, fileURL)
	if err != nil {
		return err
	}
	defer body.Close()

	doc, err := e.store.Get(ctx, db, docID)
	if err != nil {
		return err
	}
	name := fileURL[strings.LastIndex(fileURL, "/")+1:]
	if name == "" {
		name = "export"
	}
	return e.store.SaveAttachment(ctx, db, docID, doc.Rev, name, contentType, body)
}

func (e *Engine) publishActivity(a Activity) {
	if e.activity != nil {
		e.activity.Publish(a)
	}
}
