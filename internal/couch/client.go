package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrMissing = errors.New("document missing")

// Error is a document-store failure with the backend's error/reason pair,
// e.g. {"error":"not_found","reason":"missing"}.
type Error struct {
	StatusCode int
	Name       string `json:"error"`
	Reason     string `json:"reason"`
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("couch %d %s: %s", e.StatusCode, e.Name, e.Reason)
	}
	return fmt.Sprintf("couch %d: %s", e.StatusCode, e.Reason)
}

func (e *Error) Is(target error) bool {
	return target == ErrMissing && e.Reason == "missing"
}

func IsNotFound(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound
}

// Document is the wire shape shared by every document this service touches:
// an id/revision pair around an opaque data payload.
type Document struct {
	ID   string          `json:"_id,omitempty"`
	Rev  string          `json:"_rev,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Security mirrors a database _security object.
type Security struct {
	Admins  NameList `json:"admins"`
	Members NameList `json:"members"`
}

type NameList struct {
	Names []string `json:"names"`
	Roles []string `json:"roles"`
}

type ClientOptions struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5984"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		username:   strings.TrimSpace(opts.Username),
		password:   opts.Password,
		httpClient: httpClient,
	}
}

func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/"+url.PathEscape(name), nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth(c.username, c.password)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	_ = resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &Error{StatusCode: resp.StatusCode, Reason: "database check failed"}
	}
}

// CreateWithUser creates the database, registers the given user in the
// _users database (existing registrations are left untouched) and installs
// the user as sole admin and member.
func (c *Client) CreateWithUser(ctx context.Context, name, user, pass string, roles []string) error {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(user) == "" {
		return &Error{StatusCode: http.StatusBadRequest, Name: "bad_request", Reason: "database and user are required"}
	}
	if err := c.doJSON(ctx, http.MethodPut, "/"+url.PathEscape(name), nil, nil); err != nil {
		var ce *Error
		// file_exists: the database is already there, which is fine here.
		if !errors.As(err, &ce) || ce.Name != "file_exists" {
			return err
		}
	}
	userDoc := map[string]any{
		"_id":      "org.couchdb.user:" + user,
		"name":     user,
		"password": pass,
		"roles":    roles,
		"type":     "user",
	}
	if err := c.doJSON(ctx, http.MethodPut, "/_users/"+url.PathEscape("org.couchdb.user:"+user), userDoc, nil); err != nil {
		var ce *Error
		if !errors.As(err, &ce) || ce.StatusCode != http.StatusConflict {
			return err
		}
	}
	return c.AddNames(ctx, name, []string{user}, []string{user})
}

func (c *Client) AddNames(ctx context.Context, name string, admins, members []string) error {
	security := Security{
		Admins:  NameList{Names: admins, Roles: []string{}},
		Members: NameList{Names: members, Roles: []string{}},
	}
	return c.doJSON(ctx, http.MethodPut, "/"+url.PathEscape(name)+"/_security", security, nil)
}

func (c *Client) Security(ctx context.Context, name string) (Security, error) {
	var out Security
	err := c.doJSON(ctx, http.MethodGet, "/"+url.PathEscape(name)+"/_security", nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, name, docID string) (Document, error) {
	var out Document
	err := c.doJSON(ctx, http.MethodGet, "/"+url.PathEscape(name)+"/"+url.PathEscape(docID), nil, &out)
	return out, err
}

// Save writes the payload under the document id, overwriting any existing
// revision.
func (c *Client) Save(ctx context.Context, name, docID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	doc := map[string]any{"data": json.RawMessage(payload)}
	if current, getErr := c.Get(ctx, name, docID); getErr == nil && current.Rev != "" {
		doc["_rev"] = current.Rev
	}
	return c.doJSON(ctx, http.MethodPut, "/"+url.PathEscape(name)+"/"+url.PathEscape(docID), doc, nil)
}

// Merge overlays patch keys onto the stored document. A missing document is
// reported with reason "missing" so callers can fall back to Save.
func (c *Client) Merge(ctx context.Context, name, docID string, patch map[string]any) error {
	var current map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/"+url.PathEscape(name)+"/"+url.PathEscape(docID), nil, &current)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound {
			return &Error{StatusCode: http.StatusNotFound, Name: "not_found", Reason: "missing"}
		}
		return err
	}
	for key, value := range patch {
		current[key] = value
	}
	return c.doJSON(ctx, http.MethodPut, "/"+url.PathEscape(name)+"/"+url.PathEscape(docID), current, nil)
}

func (c *Client) Destroy(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/"+url.PathEscape(name), nil, nil)
}

func (c *Client) AllDatabases(ctx context.Context) ([]string, error) {
	var out []string
	err := c.doJSON(ctx, http.MethodGet, "/_all_dbs", nil, &out)
	return out, err
}

// SaveAttachment streams a binary body onto an existing document.
func (c *Client) SaveAttachment(ctx context.Context, name, docID, rev, attachment, contentType string, body io.Reader) error {
	target := fmt.Sprintf("%s/%s/%s/%s?rev=%s",
		c.baseURL, url.PathEscape(name), url.PathEscape(docID), url.PathEscape(attachment), url.QueryEscape(rev))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return decodeError(resp)
}

// CheckCredentials opens the database's issues document with the tenant's own
// credential instead of the admin credential.
func (c *Client) CheckCredentials(ctx context.Context, name, user, pass string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(name)+"/issues", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(user, pass)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return decodeError(resp)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return decodeError(resp)
}

func decodeError(resp *http.Response) error {
	payload, _ := io.ReadAll(resp.Body)
	ce := &Error{StatusCode: resp.StatusCode}
	if json.Unmarshal(payload, ce) != nil || ce.Name == "" {
		ce.Reason = strings.TrimSpace(string(payload))
	}
	return ce
}
