package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

func TestCredentialsTokenRoundTrip(t *testing.T) {
	creds := NewCredentials(keyring.NewArrayKeyring(nil))

	if _, err := creds.Token("me@example.com"); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Token on empty ring: %v", err)
	}

	expiry := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Expiry: expiry}
	if err := creds.SaveToken("me@example.com", in); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	out, err := creds.Token("me@example.com")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if out.RefreshToken != "r" || !out.Expiry.Equal(expiry) {
		t.Fatalf("token = %+v", out)
	}
}

func TestCredentialsPasswordAndForget(t *testing.T) {
	creds := NewCredentials(keyring.NewArrayKeyring(nil))

	if err := creds.SavePassword("imap", "hunter2"); err != nil {
		t.Fatalf("SavePassword: %v", err)
	}
	got, err := creds.Password("imap")
	if err != nil || got != "hunter2" {
		t.Fatalf("Password = %q, %v", got, err)
	}

	if err := creds.Forget("imap"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := creds.Password("imap"); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Password after Forget: %v", err)
	}
	if err := creds.Forget("imap"); err != nil {
		t.Fatalf("second Forget: %v", err)
	}
}

type countingSource struct {
	tokens []string
	calls  int
}

func (c *countingSource) Token() (*oauth2.Token, error) {
	tok := &oauth2.Token{AccessToken: c.tokens[c.calls]}
	c.calls++
	return tok, nil
}

func TestPersistingTokenSourceSavesRefreshes(t *testing.T) {
	creds := NewCredentials(keyring.NewArrayKeyring(nil))
	src := creds.PersistingTokenSource("acct", &countingSource{tokens: []string{"one", "one", "two"}})

	for _, want := range []string{"one", "one", "two"} {
		tok, err := src.Token()
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok.AccessToken != want {
			t.Fatalf("AccessToken = %q, want %q", tok.AccessToken, want)
		}
		stored, err := creds.Token("acct")
		if err != nil || stored.AccessToken != want {
			t.Fatalf("stored = %+v, %v", stored, err)
		}
	}
}
