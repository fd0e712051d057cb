package store

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store := newTestStore(t)
	if store.db == nil {
		t.Error("Expected db to be initialized")
	}
	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := New(path, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := first.CreatePull(&Pull{Reference: "alpine", Host: "registry-1.docker.io", Repository: "library/alpine", StartTime: time.Now()}); err != nil {
		t.Fatalf("CreatePull() failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	second, err := New(path, logger)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	var version int
	if err := second.db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version); err != nil {
		t.Fatalf("query version: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected schema version 2, got %d", version)
	}
	pulls, err := second.ListPulls("", 0)
	if err != nil {
		t.Fatalf("ListPulls() failed: %v", err)
	}
	if len(pulls) != 1 {
		t.Errorf("Expected 1 pull after reopen, got %d", len(pulls))
	}
}

// ============================================================================
// Pull Tests
// ============================================================================

func TestCreateAndGetPull(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	pull := &Pull{
		Reference:  "alpine:3.20",
		Host:       "registry-1.docker.io",
		Repository: "library/alpine",
		Tag:        "3.20",
		Platform:   "linux/amd64",
		StartTime:  start,
	}
	if err := store.CreatePull(pull); err != nil {
		t.Fatalf("CreatePull() failed: %v", err)
	}
	if pull.ID == 0 {
		t.Fatal("Expected ID to be set after CreatePull")
	}
	if pull.Status != StatusRunning {
		t.Errorf("Expected default status %q, got %q", StatusRunning, pull.Status)
	}

	pull.Status = StatusCompleted
	pull.ManifestDigest = "sha256:" + strings.Repeat("a", 64)
	pull.ConfigDigest = "sha256:" + strings.Repeat("b", 64)
	pull.ArchivePath = "/tmp/library_alpine.tar"
	pull.Size = 3 << 20
	pull.LayerCount = 1
	pull.EndTime = start.Add(5 * time.Second)
	if err := store.UpdatePull(pull); err != nil {
		t.Fatalf("UpdatePull() failed: %v", err)
	}

	got, err := store.GetPull(pull.ID)
	if err != nil {
		t.Fatalf("GetPull() failed: %v", err)
	}
	if diff := cmp.Diff(pull, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("GetPull() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetPullNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetPull(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.UpdatePull(&Pull{ID: 42, StartTime: time.Now()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from UpdatePull, got %v", err)
	}
}

func TestListPullsOrderingAndFilter(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	repos := []string{"library/alpine", "library/busybox", "library/alpine"}
	for i, repo := range repos {
		p := &Pull{
			Reference:  repo,
			Host:       "registry-1.docker.io",
			Repository: repo,
			StartTime:  base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.CreatePull(p); err != nil {
			t.Fatalf("CreatePull() failed: %v", err)
		}
	}

	all, err := store.ListPulls("", 0)
	if err != nil {
		t.Fatalf("ListPulls() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 pulls, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].StartTime.Before(all[i].StartTime) {
			t.Errorf("Pulls not sorted newest first at %d", i)
		}
	}

	alpine, err := store.ListPulls("library/alpine", 0)
	if err != nil {
		t.Fatalf("ListPulls(filter) failed: %v", err)
	}
	if len(alpine) != 2 {
		t.Errorf("Expected 2 alpine pulls, got %d", len(alpine))
	}

	limited, err := store.ListPulls("", 1)
	if err != nil {
		t.Fatalf("ListPulls(limit) failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Repository != "library/alpine" {
		t.Errorf("Expected newest alpine pull, got %+v", limited)
	}
}

func TestLastSuccessfulPull(t *testing.T) {
	store := newTestStore(t)
	digest := "sha256:" + strings.Repeat("c", 64)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []string{StatusCompleted, StatusFailed} {
		p := &Pull{
			Reference:      "busybox",
			Host:           "registry-1.docker.io",
			Repository:     "library/busybox",
			ManifestDigest: digest,
			Status:         status,
			ArchivePath:    "/out/" + status + ".tar",
			StartTime:      base.Add(time.Duration(i) * time.Hour),
			EndTime:        base.Add(time.Duration(i)*time.Hour + time.Minute),
		}
		if err := store.CreatePull(p); err != nil {
			t.Fatalf("CreatePull() failed: %v", err)
		}
	}

	got, err := store.LastSuccessfulPull(digest)
	if err != nil {
		t.Fatalf("LastSuccessfulPull() failed: %v", err)
	}
	if got.ArchivePath != "/out/completed.tar" {
		t.Errorf("Expected completed pull, got %q", got.ArchivePath)
	}

	if _, err := store.LastSuccessfulPull("sha256:" + strings.Repeat("d", 64)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPullLayers(t *testing.T) {
	store := newTestStore(t)
	pull := &Pull{Reference: "alpine", Host: "h", Repository: "library/alpine", StartTime: time.Now()}
	if err := store.CreatePull(pull); err != nil {
		t.Fatalf("CreatePull() failed: %v", err)
	}

	layers := []PullLayer{
		{Digest: "sha256:" + strings.Repeat("1", 64), DiffID: "sha256:" + strings.Repeat("2", 64), MediaType: "application/vnd.oci.image.layer.v1.tar+gzip", Size: 100},
		{Digest: "sha256:" + strings.Repeat("3", 64), DiffID: "sha256:" + strings.Repeat("4", 64), MediaType: "application/vnd.oci.image.layer.v1.tar+zstd", Size: 200},
	}
	if err := store.AddPullLayers(pull.ID, layers); err != nil {
		t.Fatalf("AddPullLayers() failed: %v", err)
	}
	for _, l := range layers {
		if l.ID == 0 || l.PullID != pull.ID {
			t.Errorf("Expected IDs to be set, got %+v", l)
		}
	}

	got, err := store.ListPullLayers(pull.ID)
	if err != nil {
		t.Fatalf("ListPullLayers() failed: %v", err)
	}
	if diff := cmp.Diff(layers, got); diff != "" {
		t.Errorf("ListPullLayers() mismatch (-want +got):\n%s", diff)
	}

	none, err := store.ListPullLayers(pull.ID + 1)
	if err != nil {
		t.Fatalf("ListPullLayers() failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no layers, got %d", len(none))
	}
}

func TestSumPullSize(t *testing.T) {
	store := newTestStore(t)

	total, err := store.SumPullSize()
	if err != nil {
		t.Fatalf("SumPullSize() failed: %v", err)
	}
	if total != 0 {
		t.Errorf("Expected 0 for empty store, got %d", total)
	}

	for _, p := range []Pull{
		{Status: StatusCompleted, Size: 100},
		{Status: StatusCompleted, Size: 50},
		{Status: StatusFailed, Size: 1000},
	} {
		p.Reference, p.Host, p.Repository, p.StartTime = "x", "h", "x", time.Now()
		if err := store.CreatePull(&p); err != nil {
			t.Fatalf("CreatePull() failed: %v", err)
		}
	}

	total, err = store.SumPullSize()
	if err != nil {
		t.Fatalf("SumPullSize() failed: %v", err)
	}
	if total != 150 {
		t.Errorf("Expected 150, got %d", total)
	}
}
