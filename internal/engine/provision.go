package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rokfor/writersync/internal/couch"
	"github.com/rokfor/writersync/internal/rokfor"
)

// TenantRecord identifies one tenant in the backend's user directory.
type TenantRecord struct {
	TenantID string
	APIKey   string
}

// Provisioner reconciles tenant and issue databases against the remote
// backend. Runs are sequential over tenants to bound document-store load;
// a failure in one tenant or issue aborts only that unit. Membership lists
// only grow here — shrinking is the leave operation's job.
type Provisioner struct {
	store  DocumentStore
	remote RemoteBackend
	logger Logger

	mu      sync.Mutex
	running bool
}

func NewProvisioner(store DocumentStore, remote RemoteBackend, logger Logger) *Provisioner {
	return &Provisioner{store: store, remote: remote, logger: logger}
}

// ProvisionAll visits every tenant once. A second call while one is in
// progress is rejected with ErrProvisionInProgress instead of running in
// parallel.
func (p *Provisioner) ProvisionAll(ctx context.Context, tenants []TenantRecord) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrProvisionInProgress
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	for _, tenant := range tenants {
		if err := p.provisionTenant(ctx, tenant); err != nil {
			p.logf("provision tenant %s failed: %v", tenant.TenantID, err)
		}
	}
	return nil
}

func (p *Provisioner) provisionTenant(ctx context.Context, tenant TenantRecord) error {
	name := TenantDatabase(tenant.TenantID)
	exists, err := p.store.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		p.logf("creating tenant database %s", name)
		if err := p.store.CreateWithUser(ctx, name, tenant.TenantID, tenant.APIKey, []string{"admin"}); err != nil {
			return err
		}
	}
	return p.syncIssues(ctx, tenant)
}

// syncIssues pulls the tenant's issue list from the backend into the tenant
// database and ensures every referenced issue database exists with the
// tenant in its ACL.
func (p *Provisioner) syncIssues(ctx context.Context, tenant TenantRecord) error {
	issues, err := p.remote.Issues(ctx, tenant.APIKey)
	if err != nil {
		return fmt.Errorf("load issues for %s: %w", tenant.TenantID, err)
	}
	name := TenantDatabase(tenant.TenantID)
	if err := p.store.Merge(ctx, name, "issues", map[string]any{"data": issues}); err != nil {
		if !errors.Is(err, couch.ErrMissing) {
			return fmt.Errorf("merge issues into %s: %w", name, err)
		}
		if err := p.store.Save(ctx, name, "issues", issues); err != nil {
			return fmt.Errorf("save issues into %s: %w", name, err)
		}
	}
	for _, issue := range issues.Issues {
		if err := p.EnsureIssueDatabase(ctx, tenant, issue); err != nil {
			p.logf("provision issue %d for %s failed: %v", issue.ID, tenant.TenantID, err)
		}
	}
	return nil
}

// EnsureIssueDatabase creates the issue database for the tenant or, when it
// already exists, unions the tenant into its ACL.
func (p *Provisioner) EnsureIssueDatabase(ctx context.Context, tenant TenantRecord, issue rokfor.Issue) error {
	name := IssueDatabase(issue.ID)
	exists, err := p.store.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		p.logf("creating issue database %s", name)
		return p.store.CreateWithUser(ctx, name, tenant.TenantID, tenant.APIKey, []string{"admin"})
	}
	security, err := p.store.Security(ctx, name)
	if err != nil {
		return err
	}
	if containsName(security.Admins.Names, tenant.TenantID) {
		return nil
	}
	admins := appendName(security.Admins.Names, tenant.TenantID)
	members := appendName(security.Members.Names, tenant.TenantID)
	return p.store.AddNames(ctx, name, admins, members)
}

func (p *Provisioner) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

func containsName(names []string, name string) bool {
	for _, candidate := range names {
		if candidate == name {
			return true
		}
	}
	return false
}

func appendName(names []string, name string) []string {
	if containsName(names, name) {
		return names
	}
	return append(append([]string(nil), names...), name)
}

func removeName(names []string, name string) []string {
	out := make([]string, 0, len(names))
	for _, candidate := range names {
		if candidate != name {
			out = append(out, candidate)
		}
	}
	return out
}

// TenantDatabase names a tenant's personal database.
func TenantDatabase(tenantID string) string {
	return "rf-" + tenantID
}

// IssueDatabase names an issue's shared database.
func IssueDatabase(issueID int64) string {
	return fmt.Sprintf("issue-%d", issueID)
}
