package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/rokfor/writersync/internal/couch"
	"github.com/rokfor/writersync/internal/rokfor"
)

// fakeStore is an in-memory DocumentStore that records every mutating call
// in order.
type fakeStore struct {
	mu        sync.Mutex
	calls     []string
	databases map[string]bool
	docs      map[string]map[string]couch.Document
	security  map[string]couch.Security
	creds     map[string]string

	existsGate  chan struct{}
	changesGate chan struct{}
	changesMade int
	mergeErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		databases: map[string]bool{},
		docs:      map[string]map[string]couch.Document{},
		security:  map[string]couch.Security{},
		creds:     map[string]string{},
	}
}

func (s *fakeStore) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *fakeStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStore) Exists(ctx context.Context, name string) (bool, error) {
	if s.existsGate != nil {
		<-s.existsGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.databases[name], nil
}

func (s *fakeStore) CreateWithUser(ctx context.Context, name, user, pass string, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("createdb %s user=%s", name, user)
	s.databases[name] = true
	s.creds[user] = pass
	s.security[name] = couch.Security{
		Admins:  couch.NameList{Names: []string{user}, Roles: roles},
		Members: couch.NameList{Names: []string{user}, Roles: roles},
	}
	return nil
}

func (s *fakeStore) AddNames(ctx context.Context, name string, admins, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("addnames %s admins=%v members=%v", name, admins, members)
	sec := s.security[name]
	sec.Admins.Names = admins
	sec.Members.Names = members
	s.security[name] = sec
	return nil
}

func (s *fakeStore) Security(ctx context.Context, name string) (couch.Security, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.security[name], nil
}

func (s *fakeStore) Get(ctx context.Context, name, docID string) (couch.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[name][docID]
	if !ok {
		return couch.Document{}, &couch.Error{StatusCode: http.StatusNotFound, Name: "not_found", Reason: "missing"}
	}
	return doc, nil
}

func (s *fakeStore) Save(ctx context.Context, name, docID string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("save %s/%s", name, docID)
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if s.docs[name] == nil {
		s.docs[name] = map[string]couch.Document{}
	}
	s.databases[name] = true
	s.docs[name][docID] = couch.Document{ID: docID, Rev: "1-fake", Data: raw}
	return nil
}

func (s *fakeStore) Merge(ctx context.Context, name, docID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("merge %s/%s", name, docID)
	if s.mergeErr != nil {
		return s.mergeErr
	}
	if _, ok := s.docs[name][docID]; !ok {
		return &couch.Error{StatusCode: http.StatusNotFound, Name: "not_found", Reason: "missing"}
	}
	if data, ok := patch["data"]; ok {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		doc := s.docs[name][docID]
		doc.Data = raw
		s.docs[name][docID] = doc
	}
	return nil
}

func (s *fakeStore) Destroy(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("destroy %s", name)
	delete(s.databases, name)
	delete(s.docs, name)
	delete(s.security, name)
	return nil
}

func (s *fakeStore) AllDatabases(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fakeStore) SaveAttachment(ctx context.Context, name, docID, rev, attachment, contentType string, body io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("attach %s/%s %s", name, docID, attachment)
	return nil
}

func (s *fakeStore) CheckCredentials(ctx context.Context, name, user, pass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.creds[user]; ok && stored == pass {
		return nil
	}
	return &couch.Error{StatusCode: http.StatusUnauthorized, Name: "unauthorized", Reason: "name or password is incorrect"}
}

func (s *fakeStore) Changes(ctx context.Context, name string) (ChangeFeed, error) {
	if s.changesGate != nil {
		<-s.changesGate
	}
	s.mu.Lock()
	s.changesMade++
	s.mu.Unlock()
	return newFakeFeed(name), nil
}

type fakeFeed struct {
	name   string
	events chan couch.ChangeRow
	once   sync.Once
}

func newFakeFeed(name string) *fakeFeed {
	return &fakeFeed{name: name, events: make(chan couch.ChangeRow)}
}

func (f *fakeFeed) Database() string { return f.name }

func (f *fakeFeed) Events() <-chan couch.ChangeRow { return f.events }

func (f *fakeFeed) Stop() { f.once.Do(func() { close(f.events) }) }

func (f *fakeFeed) Emit(row couch.ChangeRow) { f.events <- row }

// fakeRemote is an in-memory RemoteBackend.
type fakeRemote struct {
	mu    sync.Mutex
	calls []string

	loginToken string
	loginErr   error
	users      []rokfor.User
	issues     map[string]rokfor.IssueList
	nextIssue  int64
	nextContID int64

	active    int
	maxActive int
	gate      chan struct{}

	updateErr map[int64]error
	createErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		loginToken: "token-1",
		issues:     map[string]rokfor.IssueList{},
		nextIssue:  100,
		nextContID: 42,
		updateErr:  map[int64]error{},
	}
}

func (r *fakeRemote) record(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *fakeRemote) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// enter/leave track concurrent remote calls so tests can assert the
// single-flight property.
func (r *fakeRemote) enter() {
	r.mu.Lock()
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (r *fakeRemote) leave() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
}

func (r *fakeRemote) Login(ctx context.Context) (string, error) {
	if r.loginErr != nil {
		return "", r.loginErr
	}
	return r.loginToken, nil
}

func (r *fakeRemote) Users(ctx context.Context) ([]rokfor.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rokfor.User(nil), r.users...), nil
}

func (r *fakeRemote) Issues(ctx context.Context, apiKey string) (rokfor.IssueList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issues[apiKey], nil
}

func (r *fakeRemote) IssueByID(ctx context.Context, id int64) (rokfor.IssueList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.issues {
		for _, issue := range list.Issues {
			if issue.ID == id {
				return rokfor.IssueList{Issues: []rokfor.Issue{issue}}, nil
			}
		}
	}
	return rokfor.IssueList{Issues: []rokfor.Issue{{ID: id, Name: "refetched"}}}, nil
}

func (r *fakeRemote) CreateIssue(ctx context.Context, name string, book int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextIssue++
	r.record("createissue %q book=%d -> %d", name, book, r.nextIssue)
	return r.nextIssue, nil
}

func (r *fakeRemote) UpdateIssue(ctx context.Context, id int64, name string, options map[string]any) error {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("updateissue %d %q", id, name)
	return nil
}

func (r *fakeRemote) DeleteIssue(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("deleteissue %d", id)
	return nil
}

func (r *fakeRemote) CreateContribution(ctx context.Context, req rokfor.ContributionCreate) (int64, error) {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return 0, r.createErr
	}
	id := r.nextContID
	r.nextContID++
	r.record("create issue=%d -> %d", req.Issue, id)
	return id, nil
}

func (r *fakeRemote) UpdateContribution(ctx context.Context, id int64, req rokfor.ContributionUpdate) error {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateErr[id]; err != nil {
		return err
	}
	r.record("update %d title=%q version=%s", id, req.Data.Title, req.Data.CouchVersion)
	return nil
}

func (r *fakeRemote) DeleteContribution(ctx context.Context, id int64) error {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("delete %d", id)
	return nil
}

func (r *fakeRemote) Exporters(ctx context.Context, book int64) ([]rokfor.Exporter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("exporters %d", book)
	return []rokfor.Exporter{{ID: 1, Name: "PDF"}}, nil
}

func (r *fakeRemote) SubmitExport(ctx context.Context, exporterID int64, req rokfor.ExportRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("export %d callback=%s", exporterID, req.Callback)
	return nil
}

func (r *fakeRemote) FetchFile(ctx context.Context, fileURL string) (io.ReadCloser, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("fetch %s", fileURL)
	return io.NopCloser(bytes.NewReader([]byte("%PDF-1.4"))), "application/pdf", nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to)
	return nil
}
