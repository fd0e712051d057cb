package safety

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func TestArchivePath(t *testing.T) {
	dir := t.TempDir()

	got, err := ArchivePath(dir, "team_app.tar")
	if err != nil {
		t.Fatalf("ArchivePath returned error: %v", err)
	}
	if want := filepath.Join(dir, "team_app.tar"); got != want {
		t.Errorf("ArchivePath = %q, want %q", got, want)
	}

	rel, err := ArchivePath(".", "app.tar")
	if err != nil {
		t.Fatalf("ArchivePath returned error: %v", err)
	}
	if !filepath.IsAbs(rel) {
		t.Errorf("expected an absolute path, got %q", rel)
	}

	for _, bad := range []string{"", ".", "..", "../escape.tar", "a/b.tar", "/abs/path.tar", `a\b.tar`} {
		if _, err := ArchivePath(dir, bad); err == nil {
			t.Errorf("expected error for name %q", bad)
		}
	}
}

func TestFileName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"library_foo", "library_foo"},
		{"a/b/c", "a_b_c"},
		{"../../etc", "etc"},
		{"///", "image"},
	}
	for _, tt := range tests {
		if got := FileName(tt.in, "image"); got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(io.NopCloser(strings.NewReader("abc")), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}

func TestCheckResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "manifest unknown", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/ok")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if err := CheckResponse(resp); err != nil {
		t.Errorf("expected nil for 200, got %v", err)
	}

	resp, err = http.Get(server.URL + "/missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	err = CheckResponse(resp)
	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("expected *HTTPError, got %T", err)
	}
	if herr.StatusCode != http.StatusNotFound || herr.Body != "manifest unknown" || herr.Method != http.MethodGet {
		t.Errorf("unexpected error fields: %+v", herr)
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Error("expected IsStatus to match 404")
	}
}

func TestIsLoopbackHost(t *testing.T) {
	for _, host := range []string{"localhost", "localhost:5000", "127.0.0.1:5000", "[::1]:5000", "registry.localhost"} {
		if !IsLoopbackHost(host) {
			t.Errorf("expected %q to be loopback", host)
		}
	}
	for _, host := range []string{"registry-1.docker.io", "10.0.0.1:5000"} {
		if IsLoopbackHost(host) {
			t.Errorf("expected %q not to be loopback", host)
		}
	}
}

func TestValidateHTTPURL(t *testing.T) {
	if _, err := ValidateHTTPURL("https://auth.docker.io/token"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, bad := range []string{"ftp://host/token", "https://user:pw@host/token", "https:///token"} {
		if _, err := ValidateHTTPURL(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
