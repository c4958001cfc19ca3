package rokfor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenProvider supplies the bearer credential for write calls. The engine's
// auth manager is the usual implementation.
type TokenProvider func(ctx context.Context) (string, error)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("rokfor http %d: %s", e.StatusCode, e.Message)
}

func IsNotFound(err error) bool {
	he, ok := err.(*HTTPError)
	return ok && he.StatusCode == http.StatusNotFound
}

// User is one entry of the backend's user directory.
type User struct {
	Name string `json:"Name"`
	Key  string `json:"Key"`
}

type Issue struct {
	ID      int64          `json:"Id"`
	Name    string         `json:"Name"`
	Options map[string]any `json:"Options,omitempty"`
}

type IssueList struct {
	Issues []Issue `json:"Issues"`
}

type ContributionCreate struct {
	Template string `json:"Template"`
	Name     string `json:"Name"`
	Chapter  int    `json:"Chapter"`
	Issue    int64  `json:"Issue"`
	Status   string `json:"Status"`
}

type ContributionData struct {
	Title        string `json:"Title"`
	Body         string `json:"Body"`
	CouchID      string `json:"_couchDB"`
	CouchVersion string `json:"_couchVersion"`
}

type ContributionUpdate struct {
	Name   string           `json:"Name,omitempty"`
	Sort   int              `json:"Sort"`
	Status string           `json:"Status"`
	Data   ContributionData `json:"Data"`
}

type Exporter struct {
	ID   int64  `json:"Id"`
	Name string `json:"Name"`
}

type ExportRequest struct {
	Callback  string `json:"Callback"`
	Mode      string `json:"Mode"`
	Selection int64  `json:"Selection"`
}

type ClientOptions struct {
	Endpoint   string
	Username   string
	RWKey      string
	ReadKey    string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	endpoint   string
	username   string
	rwKey      string
	readKey    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	// TokenProvider gates every write call. Assigned after construction
	// because the auth manager that backs it needs the client to log in.
	TokenProvider TokenProvider
}

func NewClient(opts ClientOptions) *Client {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		username:   strings.TrimSpace(opts.Username),
		rwKey:      strings.TrimSpace(opts.RWKey),
		readKey:    strings.TrimSpace(opts.ReadKey),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// Login exchanges the read/write api key for a bearer token.
func (c *Client) Login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("apikey", c.rwKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
	token := strings.TrimSpace(string(payload))
	// Some deployments return the token as a JSON string.
	var quoted string
	if json.Unmarshal(payload, &quoted) == nil && quoted != "" {
		token = quoted
	}
	if token == "" {
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: "empty login response"}
	}
	return token, nil
}

// Users lists the backend's user directory with the read-only master key.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var out []User
	err := c.doJSON(ctx, http.MethodGet, "/users", c.readKey, nil, &out)
	return out, err
}

// Issues lists the issues visible to the given tenant api key.
func (c *Client) Issues(ctx context.Context, apiKey string) (IssueList, error) {
	var out IssueList
	err := c.doJSON(ctx, http.MethodGet, "/issues", apiKey, nil, &out)
	return out, err
}

// IssueByID fetches one issue's full record with the read-only master key.
func (c *Client) IssueByID(ctx context.Context, id int64) (IssueList, error) {
	var out IssueList
	err := c.doJSON(ctx, http.MethodGet, "/issues/"+strconv.FormatInt(id, 10), c.readKey, nil, &out)
	return out, err
}

func (c *Client) CreateIssue(ctx context.Context, name string, book int64) (int64, error) {
	var out struct {
		ID int64 `json:"Id"`
	}
	body := map[string]any{"Name": name, "Forbook": book}
	if err := c.doWrite(ctx, http.MethodPut, "/issue", body, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *Client) UpdateIssue(ctx context.Context, id int64, name string, options map[string]any) error {
	body := map[string]any{"Name": name, "Options": options}
	return c.doWrite(ctx, http.MethodPost, "/issue/"+strconv.FormatInt(id, 10), body, nil)
}

func (c *Client) DeleteIssue(ctx context.Context, id int64) error {
	return c.doWrite(ctx, http.MethodDelete, "/issue/"+strconv.FormatInt(id, 10), nil, nil)
}

func (c *Client) CreateContribution(ctx context.Context, req ContributionCreate) (int64, error) {
	var out struct {
		ID int64 `json:"Id"`
	}
	if err := c.doWrite(ctx, http.MethodPut, "/contribution", req, &out); err != nil {
		return 0, err
	}
	if out.ID == 0 {
		return 0, &HTTPError{StatusCode: http.StatusBadGateway, Message: "contribution create returned no id"}
	}
	return out.ID, nil
}

func (c *Client) UpdateContribution(ctx context.Context, id int64, req ContributionUpdate) error {
	var out struct {
		ID int64 `json:"Id"`
	}
	if err := c.doWrite(ctx, http.MethodPost, "/contribution/"+strconv.FormatInt(id, 10), req, &out); err != nil {
		return err
	}
	if out.ID == 0 {
		return &HTTPError{StatusCode: http.StatusNotFound, Message: "contribution update returned no id"}
	}
	return nil
}

func (c *Client) DeleteContribution(ctx context.Context, id int64) error {
	return c.doWrite(ctx, http.MethodDelete, "/contribution/"+strconv.FormatInt(id, 10), nil, nil)
}

func (c *Client) Exporters(ctx context.Context, book int64) ([]Exporter, error) {
	var out []Exporter
	path := "/exporter?filter=Book&filterId=" + strconv.FormatInt(book, 10)
	err := c.doWrite(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) SubmitExport(ctx context.Context, exporterID int64, req ExportRequest) error {
	return c.doWrite(ctx, http.MethodPost, "/exporter/"+strconv.FormatInt(exporterID, 10), req, nil)
}

// FetchFile downloads an export artifact.
func (c *Client) FetchFile(ctx context.Context, fileURL string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, "", &HTTPError{StatusCode: resp.StatusCode, Message: "file download failed"}
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) doWrite(ctx context.Context, method, path string, body, out any) error {
	if c.TokenProvider == nil {
		return &HTTPError{StatusCode: http.StatusUnauthorized, Message: "token provider is not configured"}
	}
	token, err := c.TokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return &HTTPError{StatusCode: http.StatusUnauthorized, Message: "bearer token is empty"}
	}
	return c.doJSON(ctx, method, path, token, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		message := strings.TrimSpace(string(payload))
		var parsed struct {
			Message string `json:"Message"`
		}
		if json.Unmarshal(payload, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
			message = parsed.Message
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
