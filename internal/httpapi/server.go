// Package httpapi is the thin request layer in front of the sync engine.
// It parses and validates requests, maps engine errors to statuses and
// wraps every reply in the service envelope.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rokfor/writersync/internal/engine"
	"github.com/rokfor/writersync/internal/rokfor"
)

const (
	Application = "writersync"
	Version     = "1.2.0"
)

// Backend is the engine surface the request layer needs. The concrete
// implementation is *engine.Engine.
type Backend interface {
	Poll(ctx context.Context) error
	Signup(ctx context.Context, email string, group int64) (engine.SignupResult, error)
	AddIssue(ctx context.Context, tenantID, password, name string, group int64) (int64, error)
	LeaveIssue(ctx context.Context, tenantID, password string, issueID int64) error
	InviteIssue(ctx context.Context, tenantID, password string, issueID int64, inviteeID string) error
	GetExporters(ctx context.Context, tenantID, password string, group int64) ([]rokfor.Exporter, error)
	RequestExport(ctx context.Context, tenantID, password string, exporterID, issueID int64) (string, error)
	HandleCallback(ctx context.Context, token, status string, issueID int64, data map[string]any) error
	SyncContributionFromRemote(ctx context.Context, remoteID int64) error
	Status() engine.Status
	Activity() *engine.ActivityFeed
}

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	backend Backend
	cfg     ServerConfig
}

func NewServer(backend Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend Backend, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{backend: backend, cfg: cfg}
}

// envelope is the uniform reply shape of every endpoint.
type envelope struct {
	Application string `json:"application"`
	Version     string `json:"version"`
	State       string `json:"state"`
	Message     any    `json:"message"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		writeOK(w, "running")
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeOK(w, "ok")
	case r.URL.Path == "/signup" && r.Method == http.MethodPost:
		s.handleSignup(w, r)
	case r.URL.Path == "/add" && r.Method == http.MethodPost:
		s.handleAdd(w, r)
	case r.URL.Path == "/delete" && r.Method == http.MethodPost:
		s.handleDelete(w, r)
	case r.URL.Path == "/share" && r.Method == http.MethodPost:
		s.handleShare(w, r)
	case r.URL.Path == "/poll" && r.Method == http.MethodPost:
		s.handlePoll(w, r)
	case r.URL.Path == "/exporters" && r.Method == http.MethodGet:
		s.handleExporters(w, r)
	case r.URL.Path == "/export" && r.Method == http.MethodPost:
		s.handleExport(w, r)
	case strings.HasPrefix(r.URL.Path, "/callback/") && r.Method == http.MethodPost:
		s.handleCallback(w, r, strings.TrimPrefix(r.URL.Path, "/callback/"))
	case strings.HasPrefix(r.URL.Path, "/sync/") && r.Method == http.MethodGet:
		s.handleSync(w, r, strings.TrimPrefix(r.URL.Path, "/sync/"))
	case r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet:
		writeOK(w, s.backend.Status())
	case r.URL.Path == "/v1/admin/activity" && r.Method == http.MethodGet:
		s.handleActivity(w, r)
	default:
		writeErr(w, http.StatusNotFound, "route not found")
	}
}

type signupRequest struct {
	Email string `json:"email"`
	Group int64  `json:"group"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.backend.Signup(r.Context(), req.Email, req.Group)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, map[string]any{"user": res.TenantID, "issue": res.IssueID})
}

type issueRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Group    int64  `json:"group"`
	Issue    int64  `json:"issue"`
	Reader   string `json:"reader"`
	Exporter int64  `json:"exporter"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.backend.AddIssue(r.Context(), req.User, req.Password, req.Name, req.Group)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, map[string]any{"issue": id})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.backend.LeaveIssue(r.Context(), req.User, req.Password, req.Issue); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, "left")
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.backend.InviteIssue(r.Context(), req.User, req.Password, req.Issue, req.Reader); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, "shared")
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Poll(r.Context()); err != nil {
		if errors.Is(err, engine.ErrProvisionInProgress) {
			writeErr(w, http.StatusConflict, "polling in progress")
			return
		}
		writeEngineErr(w, err)
		return
	}
	writeOK(w, "polled")
}

func (s *Server) handleExporters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	group, _ := strconv.ParseInt(q.Get("group"), 10, 64)
	exporters, err := s.backend.GetExporters(r.Context(), q.Get("user"), q.Get("password"), group)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, exporters)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := s.backend.RequestExport(r.Context(), req.User, req.Password, req.Exporter, req.Issue)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, map[string]any{"token": token})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request, token string) {
	payload, err := validateCallbackBody(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	status, _ := payload["status"].(string)
	data, _ := payload["data"].(map[string]any)
	issueID := callbackIssueID(data)
	if err := s.backend.HandleCallback(r.Context(), token, status, issueID, data); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, "recorded")
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "malformed contribution id")
		return
	}
	if err := s.backend.SyncContributionFromRemote(r.Context(), id); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, "synced")
}

// callbackIssueID tolerates the backend sending the issue as either a number
// or a numeric string.
func callbackIssueID(data map[string]any) int64 {
	switch v := data["Issue"].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func writeOK(w http.ResponseWriter, message any) {
	writeJSON(w, http.StatusOK, envelope{
		Application: Application,
		Version:     Version,
		State:       "ok",
		Message:     message,
	})
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{
		Application: Application,
		Version:     Version,
		State:       "error",
		Message:     message,
	})
}

func writeEngineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrWrongCredentials):
		writeErr(w, http.StatusForbidden, engine.ErrWrongCredentials.Error())
	case errors.Is(err, engine.ErrInvalidInput):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrUnknownCallbackToken):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrProvisionInProgress):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotImplemented):
		writeErr(w, http.StatusNotImplemented, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// ListenAndServe runs the server with sane timeouts until ctx is done.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
