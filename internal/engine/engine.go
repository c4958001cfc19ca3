package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rokfor/writersync/internal/couch"
	"github.com/rokfor/writersync/internal/rokfor"
)

var (
	// ErrWrongCredentials deliberately carries no further detail.
	ErrWrongCredentials     = errors.New("Wrong Credentials")
	ErrProvisionInProgress  = errors.New("provisioning already in progress")
	ErrUnknownCallbackToken = errors.New("unknown callback token")
	ErrNotImplemented       = errors.New("not implemented")
	ErrInvalidInput         = errors.New("invalid input")
)

type Logger interface {
	Printf(format string, args ...any)
}

// ChangeFeed is a live change-feed listener on one database.
type ChangeFeed interface {
	Database() string
	Events() <-chan couch.ChangeRow
	Stop()
}

// DocumentStore is the per-database, multi-tenant document store.
type DocumentStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	CreateWithUser(ctx context.Context, name, user, pass string, roles []string) error
	AddNames(ctx context.Context, name string, admins, members []string) error
	Security(ctx context.Context, name string) (couch.Security, error)
	Get(ctx context.Context, name, docID string) (couch.Document, error)
	Save(ctx context.Context, name, docID string, data any) error
	Merge(ctx context.Context, name, docID string, patch map[string]any) error
	Destroy(ctx context.Context, name string) error
	AllDatabases(ctx context.Context) ([]string, error)
	SaveAttachment(ctx context.Context, name, docID, rev, attachment, contentType string, body io.Reader) error
	CheckCredentials(ctx context.Context, name, user, pass string) error
	Changes(ctx context.Context, name string) (ChangeFeed, error)
}

// RemoteBackend is the bearer-token REST backend.
type RemoteBackend interface {
	Login(ctx context.Context) (string, error)
	Users(ctx context.Context) ([]rokfor.User, error)
	Issues(ctx context.Context, apiKey string) (rokfor.IssueList, error)
	IssueByID(ctx context.Context, id int64) (rokfor.IssueList, error)
	CreateIssue(ctx context.Context, name string, book int64) (int64, error)
	UpdateIssue(ctx context.Context, id int64, name string, options map[string]any) error
	DeleteIssue(ctx context.Context, id int64) error
	CreateContribution(ctx context.Context, req rokfor.ContributionCreate) (int64, error)
	UpdateContribution(ctx context.Context, id int64, req rokfor.ContributionUpdate) error
	DeleteContribution(ctx context.Context, id int64) error
	Exporters(ctx context.Context, book int64) ([]rokfor.Exporter, error)
	SubmitExport(ctx context.Context, exporterID int64, req rokfor.ExportRequest) error
	FetchFile(ctx context.Context, fileURL string) (io.ReadCloser, string, error)
}

type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type Options struct {
	Store           DocumentStore
	Remote          RemoteBackend
	Mailer          Mailer
	Logger          Logger
	LockBackend     LockBackend
	RefreshInterval time.Duration
	Template        string
	Chapter         int
	Book            int64
	CallbackBaseURL string
	RetainFiles     bool
	ExportMode      string
}

// Engine is the context object owning all shared propagation state: the
// change queue, lock table, callback registry and credential. Nothing here
// is a package-level singleton.
type Engine struct {
	store      DocumentStore
	remote     RemoteBackend
	mailer     Mailer
	logger     Logger
	auth       *AuthManager
	locks      *LockMap
	callbacks  *CallbackRegistry
	worker     *SyncWorker
	provision  *Provisioner
	supervisor *WatcherSupervisor
	activity   *ActivityFeed

	book            int64
	callbackBaseURL string
	retainFiles     bool
	exportMode      string

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Remote == nil {
		return nil, errors.New("store and remote backend are required")
	}
	locks, err := NewLockMap(opts.LockBackend)
	if err != nil {
		return nil, err
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	exportMode := opts.ExportMode
	if exportMode == "" {
		exportMode = "Book"
	}
	e := &Engine{
		store:           opts.Store,
		remote:          opts.Remote,
		mailer:          opts.Mailer,
		logger:          opts.Logger,
		locks:           locks,
		callbacks:       NewCallbackRegistry(),
		activity:        NewActivityFeed(),
		book:            opts.Book,
		callbackBaseURL: opts.CallbackBaseURL,
		retainFiles:     opts.RetainFiles,
		exportMode:      exportMode,
		runCtx:          runCtx,
		runCancel:       runCancel,
	}
	e.auth = NewAuthManager(opts.Remote.Login, opts.RefreshInterval, opts.Logger)
	e.worker = NewSyncWorker(SyncWorkerOptions{
		Store:    opts.Store,
		Remote:   opts.Remote,
		Locks:    locks,
		Logger:   opts.Logger,
		Activity: e.activity,
		Template: opts.Template,
		Chapter:  opts.Chapter,
		Context:  runCtx,
	})
	e.provision = NewProvisioner(opts.Store, opts.Remote, opts.Logger)
	e.supervisor = NewWatcherSupervisor(opts.Store, e.worker.Push, opts.Logger)
	return e, nil
}

// Auth exposes the credential manager so the remote client's token provider
// can be wired to it.
func (e *Engine) Auth() *AuthManager {
	return e.auth
}

func (e *Engine) Activity() *ActivityFeed {
	return e.activity
}

// Initialize acquires the first credential and, on success, starts the
// refresh cycle and the watcher supervisor. A failed first login gates the
// whole engine.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.auth.Refresh(ctx); err != nil {
		return err
	}
	e.auth.Start(e.runCtx)
	e.logf("starting writer -> rokfor sync")
	return e.supervisor.Start(e.runCtx)
}

// Poll pulls the backend's user directory, reconciles every tenant and issue
// database, and re-arms the watcher supervisor. Overlapping polls are
// rejected.
func (e *Engine) Poll(ctx context.Context) error {
	users, err := e.remote.Users(ctx)
	if err != nil {
		return err
	}
	tenants := make([]TenantRecord, 0, len(users))
	for _, user := range users {
		tenants = append(tenants, TenantRecord{TenantID: user.Name, APIKey: user.Key})
	}
	if err := e.provision.ProvisionAll(ctx, tenants); err != nil {
		return err
	}
	return e.ReWatch()
}

// ReWatch detaches and re-attaches all change-feed listeners. Feeds are
// bound to the engine lifetime, not to the call that triggered them, so
// there is no context parameter.
func (e *Engine) ReWatch() error {
	return e.supervisor.Restart(e.runCtx)
}

// SyncContributionFromRemote would pull a remote contribution change back
// into the local store. The reverse direction has no defined semantics yet.
func (e *Engine) SyncContributionFromRemote(ctx context.Context, remoteID int64) error {
	return ErrNotImplemented
}

// Status is a snapshot for the admin surface.
type Status struct {
	QueueDepth        int      `json:"queueDepth"`
	LockedDocuments   int      `json:"lockedDocuments"`
	OutstandingTokens int      `json:"outstandingTokens"`
	Watching          []string `json:"watching"`
	Authenticated     bool     `json:"authenticated"`
}

func (e *Engine) Status() Status {
	_, ok := e.auth.Current()
	return Status{
		QueueDepth:        e.worker.Depth(),
		LockedDocuments:   e.locks.Len(),
		OutstandingTokens: e.callbacks.Outstanding(),
		Watching:          e.supervisor.Watching(),
		Authenticated:     ok,
	}
}

func (e *Engine) Close() {
	e.runCancel()
	e.supervisor.Stop()
	_ = e.locks.Close()
}

// authenticate opens the tenant database with the tenant's own credential.
func (e *Engine) authenticate(ctx context.Context, tenantID, password string) error {
	if err := e.store.CheckCredentials(ctx, TenantDatabase(tenantID), tenantID, password); err != nil {
		return ErrWrongCredentials
	}
	return nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
