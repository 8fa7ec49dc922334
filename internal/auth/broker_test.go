package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBrokerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-jwt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/auth/accounts/google/token":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_at":1900000000}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewBrokerClient(srv.URL + "/")
	ctx := context.Background()

	tok, err := client.Token(ctx, "user-jwt", ProviderGoogle)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.Expiry.Unix() != 1900000000 {
		t.Fatalf("token = %+v", tok)
	}

	if _, err := client.Token(ctx, "user-jwt", ProviderMicrosoft); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("missing account: %v", err)
	}
	if _, err := client.Token(ctx, "wrong", ProviderGoogle); err == nil {
		t.Fatal("expected error for rejected bearer")
	}

	src := client.TokenSource(ctx, "user-jwt", ProviderGoogle)
	tok, err = src.Token()
	if err != nil || tok.AccessToken != "at" {
		t.Fatalf("TokenSource = %+v, %v", tok, err)
	}
}
