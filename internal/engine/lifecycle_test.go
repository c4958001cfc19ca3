package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rokfor/writersync/internal/rokfor"
)

func newTestEngine(t *testing.T, store *fakeStore, remote *fakeRemote, mail *fakeMailer) *Engine {
	t.Helper()
	eng, err := New(Options{
		Store:           store,
		Remote:          remote,
		Mailer:          mail,
		Template:        "Text",
		Chapter:         1,
		Book:            1,
		CallbackBaseURL: "http://localhost:8088",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func TestSignupProvisionsTenantAndStarterIssue(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	mail := &fakeMailer{}
	eng := newTestEngine(t, store, remote, mail)

	res, err := eng.Signup(context.Background(), "a@b.com", 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.TenantID == "" {
		t.Fatal("signup returned empty tenant id")
	}

	if ok := store.databases[TenantDatabase(res.TenantID)]; !ok {
		t.Fatal("tenant database was not created")
	}
	if ok := store.databases[IssueDatabase(res.IssueID)]; !ok {
		t.Fatal("issue database was not created")
	}
	if len(mail.sent) != 1 || mail.sent[0] != "a@b.com" {
		t.Fatalf("credentials mail = %v, want one mail to a@b.com", mail.sent)
	}
	if _, err := store.Get(context.Background(), emailRegistryDB, "a@b.com"); err != nil {
		t.Fatalf("email was not registered: %v", err)
	}

	list, err := eng.readIssueList(context.Background(), res.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Issues) != 1 || list.Issues[0].ID != res.IssueID {
		t.Fatalf("issue list = %+v, want exactly the starter issue %d", list.Issues, res.IssueID)
	}
}

func TestSignupRejectsDuplicateEmail(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	eng := newTestEngine(t, store, remote, &fakeMailer{})

	if _, err := eng.Signup(context.Background(), "a@b.com", 5); err != nil {
		t.Fatal(err)
	}
	_, err := eng.Signup(context.Background(), "a@b.com", 5)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("duplicate signup returned %v, want ErrInvalidInput", err)
	}
}

func TestSignupRejectsMalformedEmail(t *testing.T) {
	eng := newTestEngine(t, newFakeStore(), newFakeRemote(), &fakeMailer{})
	for _, email := range []string{"", "nope", "a@b", "a b@c.com"} {
		if _, err := eng.Signup(context.Background(), email, 1); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("email %q returned %v, want ErrInvalidInput", email, err)
		}
	}
}

func TestAddIssueRejectsWrongCredentials(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(t, store, newFakeRemote(), &fakeMailer{})
	store.creds["t1"] = "right"

	_, err := eng.AddIssue(context.Background(), "t1", "wrong", "Book", 1)
	if !errors.Is(err, ErrWrongCredentials) {
		t.Fatalf("returned %v, want ErrWrongCredentials", err)
	}
	if err != nil && err.Error() != "Wrong Credentials" {
		t.Fatalf("credential failure leaks detail: %q", err)
	}
}

func TestAddIssueAppendsToIssueList(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	eng := newTestEngine(t, store, remote, &fakeMailer{})

	res, err := eng.Signup(context.Background(), "a@b.com", 1)
	if err != nil {
		t.Fatal(err)
	}
	// Fish the generated password out of the fake's credential table.
	password := store.creds[res.TenantID]

	issueID, err := eng.AddIssue(context.Background(), res.TenantID, password, "Second Book", 1)
	if err != nil {
		t.Fatal(err)
	}
	list, err := eng.readIssueList(context.Background(), res.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Issues) != 2 {
		t.Fatalf("issue list has %d entries, want 2", len(list.Issues))
	}
	if list.Issues[1].ID != issueID {
		t.Fatalf("appended issue id = %d, want %d", list.Issues[1].ID, issueID)
	}
	if !store.databases[IssueDatabase(issueID)] {
		t.Fatal("new issue database was not created")
	}
}

func TestInviteIssueAddsExactlyOnce(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	eng := newTestEngine(t, store, remote, &fakeMailer{})

	owner, err := eng.Signup(context.Background(), "owner@b.com", 1)
	if err != nil {
		t.Fatal(err)
	}
	guest, err := eng.Signup(context.Background(), "guest@b.com", 1)
	if err != nil {
		t.Fatal(err)
	}
	remote.users = []rokfor.User{{Name: owner.TenantID}, {Name: guest.TenantID}}
	ownerPass := store.creds[owner.TenantID]

	for i := 0; i < 2; i++ {
		if err := eng.InviteIssue(context.Background(), owner.TenantID, ownerPass, owner.IssueID, guest.TenantID); err != nil {
			t.Fatal(err)
		}
	}

	guestList, err := eng.readIssueList(context.Background(), guest.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	shared := 0
	for _, is := range guestList.Issues {
		if is.ID == owner.IssueID {
			shared++
		}
	}
	if shared != 1 {
		t.Fatalf("guest has %d copies of the shared issue, want 1", shared)
	}

	sec, err := store.Security(context.Background(), IssueDatabase(owner.IssueID))
	if err != nil {
		t.Fatal(err)
	}
	entries := 0
	for _, name := range sec.Members.Names {
		if name == guest.TenantID {
			entries++
		}
	}
	if entries != 1 {
		t.Fatalf("guest appears %d times in members, want 1: %v", entries, sec.Members.Names)
	}
}

func TestInviteIssueRejectsUnknownInvitee(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	eng := newTestEngine(t, store, remote, &fakeMailer{})

	owner, err := eng.Signup(context.Background(), "owner@b.com", 1)
	if err != nil {
		t.Fatal(err)
	}
	remote.users = []rokfor.User{{Name: owner.TenantID}}

	err = eng.InviteIssue(context.Background(), owner.TenantID, store.creds[owner.TenantID], owner.IssueID, "nobody")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("returned %v, want ErrInvalidInput", err)
	}
}

func TestLeaveIssueWithOtherMembersOnlyShrinksACL(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	eng := newTestEngine(t, store, remote, &fakeMailer{})

	owner, err := eng.Signup(context.Background(), "owner@b.com", 1)
	if err != nil {
		t.Fatal(err)
	}
	guest, err := eng.Signup(context.Background(), "guest@b.com", 1)
	if err != nil {
		t.Fatal(err)
	}
	remote.users = []rokfor.User{{Name: owner.TenantID}, {Name: guest.TenantID}}
	if err := eng.InviteIssue(context.Background(), owner.TenantID, store.creds[owner.TenantID], owner.IssueID, guest.TenantID); err != nil {
		t.Fatal(err)
	}

	if err := eng.LeaveIssue(context.Background(), owner.TenantID, store.creds[owner.TenantID], owner.IssueID); err != nil {
		t.Fatal(err)
	}

	if !store.databases[IssueDatabase(owner.IssueID)] {
		t.Fatal("issue database was destroyed although another member remains")
	}
	sec, err := store.Security(context.Background(), IssueDatabase(owner.IssueID))
	if err != nil {
		t.Fatal(err)
	}
	if containsName(sec.Admins.Names, owner.TenantID) || containsName(sec.Members.Names, owner.TenantID) {
		t.Fatalf("leaving tenant still present in ACLs: %+v", sec)
	}
	list, err := eng.readIssueList(context.Background(), owner.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if _, still := findIssue(list, owner.IssueID); still {
		t.Fatal("issue still listed for the tenant who left")
	}
}

func TestLeaveIssueAsLastMemberTearsDown(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	eng := newTestEngine(t, store, remote, &fakeMailer{})

	owner, err := eng.Signup(context.Background(), "owner@b.com", 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.LeaveIssue(context.Background(), owner.TenantID, store.creds[owner.TenantID], owner.IssueID); err != nil {
		t.Fatal(err)
	}

	if store.databases[IssueDatabase(owner.IssueID)] {
		t.Fatal("issue database survived the last member leaving")
	}
	deleted := false
	for _, call := range remote.Calls() {
		if strings.HasPrefix(call, "deleteissue ") {
			deleted = true
		}
	}
	if !deleted {
		t.Fatalf("remote issue was not deleted, calls: %v", remote.Calls())
	}
}
