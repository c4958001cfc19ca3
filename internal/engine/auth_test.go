package engine

import (
	"context"
	"errors"
	"testing"
)

func TestAuthManagerRefreshReplacesToken(t *testing.T) {
	tokens := []string{"first", "second"}
	m := NewAuthManager(func(ctx context.Context) (string, error) {
		token := tokens[0]
		if len(tokens) > 1 {
			tokens = tokens[1:]
		}
		return token, nil
	}, 0, nil)

	if _, ok := m.Current(); ok {
		t.Fatal("fresh manager should hold no token")
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if token, _ := m.Current(); token != "first" {
		t.Fatalf("token = %q, want first", token)
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if token, _ := m.Token(context.Background()); token != "second" {
		t.Fatalf("token = %q, want second", token)
	}
}

func TestAuthManagerKeepsTokenOnFailedRefresh(t *testing.T) {
	fail := false
	m := NewAuthManager(func(ctx context.Context) (string, error) {
		if fail {
			return "", errors.New("login down")
		}
		return "good", nil
	}, 0, nil)

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	fail = true
	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh failure")
	}
	if token, ok := m.Current(); !ok || token != "good" {
		t.Fatalf("previous token was lost: %q/%v", token, ok)
	}
}
