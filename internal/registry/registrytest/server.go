// Package registrytest provides an in-memory Registry V2 server for tests.
package registrytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/BadgerOps/regpull/internal/digest"
)

type manifestEntry struct {
	mediaType string
	body      []byte
}

// Server is a fake registry. The zero Token allows anonymous access; a
// non-empty Token makes /v2/ challenge with Bearer and requires that token
// on every other request.
type Server struct {
	*httptest.Server

	Token string
	// OmitDigestHeader suppresses Docker-Content-Digest on manifest responses.
	OmitDigestHeader bool
	// BlobHook runs before a blob is served. Returning an error fails the
	// request with 500.
	BlobHook func(repo string, d digest.Digest) error

	mu        sync.Mutex
	manifests map[string]map[string]manifestEntry
	blobs     map[string]map[string][]byte
	tags      map[string]map[string]struct{}
	requests  []string
}

// New starts a Server that is closed when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		manifests: make(map[string]map[string]manifestEntry),
		blobs:     make(map[string]map[string][]byte),
		tags:      make(map[string]map[string]struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Host returns host:port of the server.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Requests returns "METHOD path" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// AddBlob stores b under its sha256 digest.
func (s *Server) AddBlob(repo string, b []byte) digest.Digest {
	d := digest.FromBytes(b)
	s.SetBlob(repo, d, b)
	return d
}

// SetBlob serves b for d regardless of whether it hashes to d.
func (s *Server) SetBlob(repo string, d digest.Digest, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs[repo] == nil {
		s.blobs[repo] = make(map[string][]byte)
	}
	s.blobs[repo][d.String()] = b
}

// AddManifest stores body under its digest and, when tag is non-empty,
// under tag.
func (s *Server) AddManifest(repo, tag, mediaType string, body []byte) digest.Digest {
	d := digest.FromBytes(body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifests[repo] == nil {
		s.manifests[repo] = make(map[string]manifestEntry)
		s.tags[repo] = make(map[string]struct{})
	}
	entry := manifestEntry{mediaType: mediaType, body: body}
	s.manifests[repo][d.String()] = entry
	if tag != "" {
		s.manifests[repo][tag] = entry
		s.tags[repo][tag] = struct{}{}
	}
	return d
}

// SetManifest serves body for ref without checking that it matches.
func (s *Server) SetManifest(repo, ref, mediaType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifests[repo] == nil {
		s.manifests[repo] = make(map[string]manifestEntry)
		s.tags[repo] = make(map[string]struct{})
	}
	s.manifests[repo][ref] = manifestEntry{mediaType: mediaType, body: body}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/token":
		s.serveToken(w, r)
		return
	case r.URL.Path == "/v2/" || r.URL.Path == "/v2":
		if s.Token != "" {
			s.challenge(w)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		s.challenge(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v2/")
	switch {
	case rest == "_catalog":
		s.serveCatalog(w, r)
	case strings.HasSuffix(rest, "/tags/list"):
		s.serveTags(w, r, strings.TrimSuffix(rest, "/tags/list"))
	case strings.Contains(rest, "/manifests/"):
		i := strings.LastIndex(rest, "/manifests/")
		s.serveManifest(w, r, rest[:i], rest[i+len("/manifests/"):])
	case strings.Contains(rest, "/blobs/"):
		i := strings.LastIndex(rest, "/blobs/")
		s.serveBlob(w, r, rest[:i], rest[i+len("/blobs/"):])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="registrytest"`, s.URL))
	w.WriteHeader(http.StatusUnauthorized)
}

func (s *Server) serveToken(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"token": s.Token, "expires_in": 300})
}

func (s *Server) serveCatalog(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	repos := make([]string, 0, len(s.manifests))
	for repo := range s.manifests {
		repos = append(repos, repo)
	}
	s.mu.Unlock()
	sort.Strings(repos)
	writeJSON(w, map[string]any{"repositories": paginate(repos, r)})
}

func (s *Server) serveTags(w http.ResponseWriter, r *http.Request, repo string) {
	s.mu.Lock()
	set, ok := s.tags[repo]
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"errors":[{"code":"NAME_UNKNOWN"}]}`, http.StatusNotFound)
		return
	}
	sort.Strings(tags)
	writeJSON(w, map[string]any{"name": repo, "tags": paginate(tags, r)})
}

func (s *Server) serveManifest(w http.ResponseWriter, r *http.Request, repo, ref string) {
	s.mu.Lock()
	entry, ok := s.manifests[repo][ref]
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"errors":[{"code":"MANIFEST_UNKNOWN"}]}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", entry.mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.body)))
	if !s.OmitDigestHeader {
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(entry.body).String())
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = w.Write(entry.body)
}

func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request, repo, ref string) {
	d, err := digest.Parse(ref)
	if err != nil {
		http.Error(w, "invalid digest", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	body, ok := s.blobs[repo][d.String()]
	hook := s.BlobHook
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"errors":[{"code":"BLOB_UNKNOWN"}]}`, http.StatusNotFound)
		return
	}
	if hook != nil {
		if err := hook(repo, d); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}

func paginate(items []string, r *http.Request) []string {
	if last := r.URL.Query().Get("last"); last != "" {
		i := sort.SearchStrings(items, last)
		if i < len(items) && items[i] == last {
			i++
		}
		items = items[i:]
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && n >= 0 && n < len(items) {
		items = items[:n]
	}
	return items
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
