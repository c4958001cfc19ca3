package engine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rokfor/writersync/internal/couch"
	"github.com/rokfor/writersync/internal/rokfor"
)

// emailRegistryDB records every registered address so an email can only
// sign up once.
const emailRegistryDB = "email"

const starterIssueName = "Your First Book"

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// SignupResult carries the generated credential back to the caller; the same
// credential is also mailed out-of-band.
type SignupResult struct {
	TenantID string
	IssueID  int64
}

// Signup registers a new tenant: reserve the email address, create the
// personal database, create a starter issue on the backend and provision its
// database. Every step must succeed, a failure anywhere rejects the whole
// signup.
func (e *Engine) Signup(ctx context.Context, email string, group int64) (SignupResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return SignupResult{}, fmt.Errorf("%w: malformed email %q", ErrInvalidInput, email)
	}

	if _, err := e.store.Get(ctx, emailRegistryDB, email); err == nil {
		return SignupResult{}, fmt.Errorf("%w: email already registered", ErrInvalidInput)
	} else if !couch.IsNotFound(err) {
		return SignupResult{}, fmt.Errorf("check email registry: %w", err)
	}

	tenantID := newTenantID()
	password, err := randomPassword(8)
	if err != nil {
		return SignupResult{}, err
	}

	if err := e.store.Save(ctx, emailRegistryDB, email, map[string]any{
		"key":   tenantID,
		"state": "unused",
	}); err != nil {
		return SignupResult{}, fmt.Errorf("register email: %w", err)
	}

	if e.mailer != nil {
		body := fmt.Sprintf(
			"<p>Your writer account is ready.</p><p>User: %s<br>Password: %s</p>",
			tenantID, password)
		if err := e.mailer.Send(ctx, email, "Your writer account", body); err != nil {
			return SignupResult{}, fmt.Errorf("send credentials: %w", err)
		}
	}

	if err := e.store.CreateWithUser(ctx, TenantDatabase(tenantID), tenantID, password, []string{"admin"}); err != nil {
		return SignupResult{}, fmt.Errorf("create tenant database: %w", err)
	}

	issueID, err := e.remote.CreateIssue(ctx, starterIssueName, group)
	if err != nil {
		return SignupResult{}, fmt.Errorf("create starter issue: %w", err)
	}
	issue, err := e.fetchIssue(ctx, issueID, starterIssueName)
	if err != nil {
		return SignupResult{}, err
	}

	tenant := TenantRecord{TenantID: tenantID, APIKey: password}
	if err := e.provision.EnsureIssueDatabase(ctx, tenant, issue); err != nil {
		return SignupResult{}, fmt.Errorf("provision issue database: %w", err)
	}
	if err := e.store.Save(ctx, TenantDatabase(tenantID), "issues", rokfor.IssueList{Issues: []rokfor.Issue{issue}}); err != nil {
		return SignupResult{}, fmt.Errorf("record issue list: %w", err)
	}

	if err := e.ReWatch(); err != nil {
		return SignupResult{}, err
	}
	e.logf("signup: tenant %s registered with issue %d", tenantID, issueID)
	return SignupResult{TenantID: tenantID, IssueID: issueID}, nil
}

// AddIssue creates a new issue for an existing tenant and provisions its
// database.
func (e *Engine) AddIssue(ctx context.Context, tenantID, password, name string, group int64) (int64, error) {
	if err := e.authenticate(ctx, tenantID, password); err != nil {
		return 0, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "New Book"
	}

	issueID, err := e.remote.CreateIssue(ctx, name, group)
	if err != nil {
		return 0, fmt.Errorf("create issue: %w", err)
	}
	issue, err := e.fetchIssue(ctx, issueID, name)
	if err != nil {
		return 0, err
	}

	tenant := TenantRecord{TenantID: tenantID, APIKey: password}
	if err := e.provision.EnsureIssueDatabase(ctx, tenant, issue); err != nil {
		return 0, fmt.Errorf("provision issue database: %w", err)
	}
	if err := e.appendIssue(ctx, tenantID, issue); err != nil {
		return 0, err
	}
	if err := e.ReWatch(); err != nil {
		return 0, err
	}
	return issueID, nil
}

// InviteIssue shares an issue with another tenant: the invitee gets the
// issue record in their personal issue list and an ACL entry on the issue
// database. Inviting twice is a no-op.
func (e *Engine) InviteIssue(ctx context.Context, tenantID, password string, issueID int64, inviteeID string) error {
	if err := e.authenticate(ctx, tenantID, password); err != nil {
		return err
	}
	inviteeID = strings.TrimSpace(inviteeID)

	users, err := e.remote.Users(ctx)
	if err != nil {
		return fmt.Errorf("load user directory: %w", err)
	}
	found := false
	for _, u := range users {
		if u.Name == inviteeID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: unknown invitee %q", ErrInvalidInput, inviteeID)
	}

	list, err := e.readIssueList(ctx, tenantID)
	if err != nil {
		return err
	}
	issue, ok := findIssue(list, issueID)
	if !ok {
		return fmt.Errorf("%w: issue %d not in tenant's list", ErrInvalidInput, issueID)
	}

	inviteeList, err := e.readIssueList(ctx, inviteeID)
	if err != nil {
		return err
	}
	if _, already := findIssue(inviteeList, issueID); !already {
		inviteeList.Issues = append(inviteeList.Issues, issue)
		if err := e.store.Save(ctx, TenantDatabase(inviteeID), "issues", inviteeList); err != nil {
			return fmt.Errorf("record shared issue: %w", err)
		}
	}

	db := IssueDatabase(issueID)
	sec, err := e.store.Security(ctx, db)
	if err != nil {
		return fmt.Errorf("read issue acl: %w", err)
	}
	if !containsName(sec.Admins.Names, inviteeID) || !containsName(sec.Members.Names, inviteeID) {
		admins := appendName(sec.Admins.Names, inviteeID)
		members := appendName(sec.Members.Names, inviteeID)
		if err := e.store.AddNames(ctx, db, admins, members); err != nil {
			return fmt.Errorf("extend issue acl: %w", err)
		}
	}
	e.logf("invite: issue %d shared with %s", issueID, inviteeID)
	return nil
}

// LeaveIssue removes the tenant from an issue. The last member leaving tears
// the issue down entirely: the watcher stops, the database is destroyed and
// the remote issue is deleted.
func (e *Engine) LeaveIssue(ctx context.Context, tenantID, password string, issueID int64) error {
	if err := e.authenticate(ctx, tenantID, password); err != nil {
		return err
	}

	db := IssueDatabase(issueID)
	sec, err := e.store.Security(ctx, db)
	if err != nil {
		return fmt.Errorf("read issue acl: %w", err)
	}

	if len(sec.Admins.Names) > 1 || len(sec.Members.Names) > 1 {
		admins := removeName(sec.Admins.Names, tenantID)
		members := removeName(sec.Members.Names, tenantID)
		if err := e.store.AddNames(ctx, db, admins, members); err != nil {
			return fmt.Errorf("shrink issue acl: %w", err)
		}
	} else {
		e.supervisor.StopDatabase(db)
		if err := e.store.Destroy(ctx, db); err != nil {
			return fmt.Errorf("destroy issue database: %w", err)
		}
		if err := e.remote.DeleteIssue(ctx, issueID); err != nil {
			return fmt.Errorf("delete remote issue: %w", err)
		}
		e.logf("leave: issue %d torn down by last member %s", issueID, tenantID)
	}

	list, err := e.readIssueList(ctx, tenantID)
	if err != nil {
		return err
	}
	kept := list.Issues[:0]
	for _, is := range list.Issues {
		if is.ID != issueID {
			kept = append(kept, is)
		}
	}
	list.Issues = kept
	if err := e.store.Save(ctx, TenantDatabase(tenantID), "issues", list); err != nil {
		return fmt.Errorf("update issue list: %w", err)
	}
	return nil
}

// fetchIssue re-reads a freshly created issue so the stored record carries
// the backend's full shape, not just the id we got back.
func (e *Engine) fetchIssue(ctx context.Context, issueID int64, fallbackName string) (rokfor.Issue, error) {
	list, err := e.remote.IssueByID(ctx, issueID)
	if err != nil {
		return rokfor.Issue{}, fmt.Errorf("refetch issue %d: %w", issueID, err)
	}
	for _, is := range list.Issues {
		if is.ID == issueID {
			return is, nil
		}
	}
	return rokfor.Issue{ID: issueID, Name: fallbackName}, nil
}

func (e *Engine) readIssueList(ctx context.Context, tenantID string) (rokfor.IssueList, error) {
	var list rokfor.IssueList
	doc, err := e.store.Get(ctx, TenantDatabase(tenantID), "issues")
	if err != nil {
		if couch.IsNotFound(err) {
			return list, nil
		}
		return list, fmt.Errorf("read issue list: %w", err)
	}
	if len(doc.Data) > 0 {
		if err := json.Unmarshal(doc.Data, &list); err != nil {
			return list, fmt.Errorf("decode issue list: %w", err)
		}
	}
	return list, nil
}

func (e *Engine) appendIssue(ctx context.Context, tenantID string, issue rokfor.Issue) error {
	list, err := e.readIssueList(ctx, tenantID)
	if err != nil {
		return err
	}
	if _, already := findIssue(list, issue.ID); already {
		return nil
	}
	list.Issues = append(list.Issues, issue)
	if err := e.store.Save(ctx, TenantDatabase(tenantID), "issues", list); err != nil {
		return fmt.Errorf("update issue list: %w", err)
	}
	return nil
}

func findIssue(list rokfor.IssueList, issueID int64) (rokfor.Issue, bool) {
	for _, is := range list.Issues {
		if is.ID == issueID {
			return is, true
		}
	}
	return rokfor.Issue{}, false
}

// Tenant ids embed a millisecond timestamp so they sort by signup time.
func newTenantID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

const passwordAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomPassword(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	for i, b := range buf {
		buf[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(buf), nil
}
