package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScopeStrings(t *testing.T) {
	tests := []struct {
		scope Scope
		want  string
	}{
		{CatalogScope(), "registry:catalog:*"},
		{PullScope("library/alpine"), "repository:library/alpine:pull"},
		{RepositoryScope{Repository: "a/b", Actions: []string{"pull", "push"}}, "repository:a/b:pull,push"},
		{RepositoryScope{Repository: "a/b", Actions: []string{"pull"}, Class: "image"}, "repository:a/b:pull"},
		{RepositoryScope{Repository: "a/b", Actions: []string{"pull"}, Class: "plugin"}, "repository(plugin):a/b:pull"},
	}
	for _, tt := range tests {
		if got := tt.scope.String(); got != tt.want {
			t.Errorf("scope = %q, want %q", got, tt.want)
		}
	}
}

func TestParseChallenge(t *testing.T) {
	c, err := ParseChallenge(`Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:a:pull"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Scheme != SchemeBearer {
		t.Errorf("scheme = %q, want Bearer", c.Scheme)
	}
	if c.Realm != "https://auth.example.com/token" {
		t.Errorf("realm = %q", c.Realm)
	}
	if c.Service != "registry.example.com" {
		t.Errorf("service = %q", c.Service)
	}
	if c.Params["scope"] != "repository:a:pull" {
		t.Errorf("scope param = %q", c.Params["scope"])
	}

	c, err = ParseChallenge(`basic realm="Registry Realm"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Scheme != SchemeBasic {
		t.Errorf("scheme = %q, want Basic", c.Scheme)
	}

	if _, err := ParseChallenge("   "); !errors.Is(err, ErrMalformedChallenge) {
		t.Errorf("expected ErrMalformedChallenge, got %v", err)
	}
}

func TestTokenRegistryTokenAndExpiration(t *testing.T) {
	issued := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tok := Token{Token: "t", AccessToken: "a", ExpiresIn: 300, IssuedAt: issued}
	if tok.RegistryToken() != "a" {
		t.Errorf("RegistryToken = %q, want access token", tok.RegistryToken())
	}
	if want := issued.Add(5 * time.Minute); !tok.Expiration().Equal(want) {
		t.Errorf("Expiration = %v, want %v", tok.Expiration(), want)
	}

	tok = Token{Token: "t", IssuedAt: issued}
	if tok.RegistryToken() != "t" {
		t.Errorf("RegistryToken = %q, want t", tok.RegistryToken())
	}
	if want := issued.Add(time.Minute); !tok.Expiration().Equal(want) {
		t.Errorf("default Expiration = %v, want %v", tok.Expiration(), want)
	}
}

func TestAuthorizeAnonymous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := NewHandler(server.URL, Credentials{}, server.Client(), testLogger())
	authz, err := h.Authorize(context.Background(), CatalogScope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authz.State != StatePinged {
		t.Errorf("state = %s, want pinged", authz.State)
	}
	if len(authz.Header) != 0 {
		t.Errorf("expected no headers, got %v", authz.Header)
	}
}

func TestAuthorizeBearerWithCredentials(t *testing.T) {
	var tokenQuery atomic.Value
	var sawBasic atomic.Bool
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+server.URL+`/token",service="test-registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenQuery.Store(r.URL.Query())
		user, pass, ok := r.BasicAuth()
		sawBasic.Store(ok && user == "alice" && pass == "secret")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"token":"tok","access_token":"access","expires_in":120}`)
	})

	h := NewHandler(server.URL, Credentials{Username: "alice", Password: "secret"}, server.Client(), testLogger())
	authz, err := h.Authorize(context.Background(), PullScope("team/app"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authz.State != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", authz.State)
	}
	if got := authz.Header.Get("Authorization"); got != "Bearer access" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer access")
	}
	if !sawBasic.Load() {
		t.Error("expected basic credentials on token request")
	}

	q := tokenQuery.Load().(url.Values)
	checks := map[string]string{
		"scope":     "repository:team/app:pull",
		"service":   "test-registry",
		"client_id": DefaultClientID,
		"account":   "alice",
	}
	for k, want := range checks {
		if got := q[k]; len(got) != 1 || got[0] != want {
			t.Errorf("query %s = %v, want %q", k, got, want)
		}
	}
}

func TestAuthorizeEachCallRepings(t *testing.T) {
	var pings, tokens atomic.Int32
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		pings.Add(1)
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+server.URL+`/token",service="svc"`)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokens.Add(1)
		_, _ = io.WriteString(w, `{"token":"tok"}`)
	})

	h := NewHandler(server.URL, Credentials{}, server.Client(), testLogger())
	for i := 0; i < 2; i++ {
		if _, err := h.AuthHeader(context.Background(), CatalogScope()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if pings.Load() != 2 || tokens.Load() != 2 {
		t.Errorf("pings=%d tokens=%d, want 2 each", pings.Load(), tokens.Load())
	}
}

func TestAuthorizeUnsupportedSchemeIsAnonymous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="private"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	h := NewHandler(server.URL, Credentials{Username: "u", Password: "p"}, server.Client(), testLogger())
	authz, err := h.Authorize(context.Background(), CatalogScope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authz.State != StateChallenged {
		t.Errorf("state = %s, want challenged", authz.State)
	}
	if authz.Header.Get("Authorization") != "" {
		t.Errorf("expected anonymous access, got %q", authz.Header.Get("Authorization"))
	}

	if _, err := h.lookup(SchemeBasic); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestAuthorizeBasicSchemeOptIn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="private"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	h := NewHandler(server.URL, Credentials{Username: "u", Password: "p"}, server.Client(), testLogger(), WithBasicScheme())
	hdr, err := h.AuthHeader(context.Background(), CatalogScope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := hdr.Get("Authorization"); got != "Basic dTpw" {
		t.Errorf("Authorization = %q, want %q", got, "Basic dTpw")
	}
}

func TestFetchTokenOfficialRealmIsAnonymous(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"token":"anon"}`)
	}))
	defer server.Close()

	// Route auth.docker.io to the test server.
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, strings.TrimPrefix(server.URL, "http://"))
		},
	}
	client := &http.Client{Transport: transport}

	h := NewHandler(server.URL, Credentials{Username: "u", Password: "p"}, client, testLogger())
	tok, err := h.FetchToken(context.Background(), Challenge{Scheme: SchemeBearer, Realm: "http://auth.docker.io/token", Service: "registry.docker.io"}, PullScope("library/alpine"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.RegistryToken() != "anon" {
		t.Errorf("token = %q", tok.RegistryToken())
	}
	if v, _ := gotAuth.Load().(string); v != "" {
		t.Errorf("expected no Authorization on official realm, got %q", v)
	}
	if tok.IssuedAt.IsZero() {
		t.Error("expected IssuedAt to default to now")
	}
}

func TestFetchTokenLookalikeRealmGetsCredentials(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"token":"private"}`)
	}))
	defer server.Close()

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, strings.TrimPrefix(server.URL, "http://"))
		},
	}
	client := &http.Client{Transport: transport}

	h := NewHandler(server.URL, Credentials{Username: "u", Password: "p"}, client, testLogger())
	if _, err := h.FetchToken(context.Background(), Challenge{Scheme: SchemeBearer, Realm: "http://auth.notdocker.io/token", Service: "notdocker.io"}, PullScope("team/app")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := gotAuth.Load().(string); !strings.HasPrefix(v, "Basic ") {
		t.Errorf("expected Basic credentials on a non-docker.io realm, got %q", v)
	}
}

func TestIsOfficialRealm(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"docker.io", true},
		{"auth.docker.io", true},
		{"Auth.Docker.IO", true},
		{"notdocker.io", false},
		{"auth.notdocker.io", false},
		{"docker.io.example.com", false},
		{"registry.example.com", false},
	}
	for _, tt := range tests {
		if got := isOfficialRealm(tt.host); got != tt.want {
			t.Errorf("isOfficialRealm(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestFetchTokenErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/denied" {
			http.Error(w, "denied", http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	h := NewHandler(server.URL, Credentials{}, server.Client(), testLogger())
	ctx := context.Background()

	if _, err := h.FetchToken(ctx, Challenge{Realm: server.URL + "/denied"}, CatalogScope()); err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("expected 403 error, got %v", err)
	}
	if _, err := h.FetchToken(ctx, Challenge{Realm: server.URL + "/empty"}, CatalogScope()); err == nil {
		t.Error("expected error for empty token")
	}
	if _, err := h.FetchToken(ctx, Challenge{Realm: "ftp://example.com/token"}, CatalogScope()); err == nil {
		t.Error("expected error for non-http realm")
	}
}
