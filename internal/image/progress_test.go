package image

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BadgerOps/regpull/internal/registry/registrytest"
)

func TestTrackerCounts(t *testing.T) {
	tr := NewTracker("alpine:3.20")
	tr.SetTotals(2, 300)
	tr.SetPhase(PhaseDownloading)

	tr.UpdateLayer("sha256:a", 50, 100)
	tr.UpdateLayer("sha256:b", 20, 200)
	snap := tr.Snapshot()
	if snap.BytesDownloaded != 70 {
		t.Errorf("BytesDownloaded = %d, want 70", snap.BytesDownloaded)
	}
	if len(snap.Active) != 2 || snap.Active[0].Digest != "sha256:a" {
		t.Errorf("unexpected active layers: %+v", snap.Active)
	}

	tr.LayerCompleted("sha256:a", 100)
	tr.LayerFailed("sha256:b")
	snap = tr.Snapshot()
	if snap.CompletedLayers != 1 || snap.FailedLayers != 1 {
		t.Errorf("completed/failed = %d/%d, want 1/1", snap.CompletedLayers, snap.FailedLayers)
	}
	if len(snap.Active) != 0 {
		t.Errorf("expected no active layers, got %+v", snap.Active)
	}
	if snap.Percent <= 0 || snap.Percent > 100 {
		t.Errorf("Percent = %f", snap.Percent)
	}

	tr.Fail(errors.New("boom"))
	snap = tr.Snapshot()
	if snap.Phase != PhaseFailed || snap.Error != "boom" {
		t.Errorf("unexpected failed snapshot: %+v", snap)
	}
}

func TestTrackerThrottlesByteUpdates(t *testing.T) {
	tr := NewTracker("x")
	tr.UpdateLayer("sha256:a", 10, 100)
	tr.UpdateLayer("sha256:a", 90, 100)
	if got := tr.Snapshot().BytesDownloaded; got != 10 {
		t.Errorf("BytesDownloaded = %d, want throttled value 10", got)
	}
}

func TestTrackerWaitSignals(t *testing.T) {
	tr := NewTracker("x")
	ch := tr.Wait()
	tr.SetPhase(PhaseAssembling)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected Wait channel to close on update")
	}
}

func TestNilTrackerIsNoop(t *testing.T) {
	var tr *Tracker
	tr.SetPhase(PhaseDownloading)
	tr.SetTotals(1, 1)
	tr.UpdateLayer("d", 1, 1)
	tr.LayerCompleted("d", 1)
	tr.LayerFailed("d")
	tr.Fail(errors.New("x"))
	if tr.Wait() != nil {
		t.Error("expected nil channel")
	}
	if snap := tr.Snapshot(); snap.Phase != "" {
		t.Errorf("expected zero snapshot, got %+v", snap)
	}
}

func TestPullReportsProgress(t *testing.T) {
	srv := registrytest.New(t)
	pushImage(t, srv, "team/app", "v1", "amd64", "one", "two")
	tr := NewTracker("team/app:v1")

	_, err := newTestPuller(t, srv).Pull(context.Background(), mustParse(t, srv.Host()+"/team/app:v1"),
		PullOptions{SaveDir: t.TempDir(), Progress: tr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := tr.Snapshot()
	if snap.Phase != PhaseComplete || snap.TotalLayers != 2 || snap.CompletedLayers != 2 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.BytesDownloaded != snap.TotalBytes {
		t.Errorf("BytesDownloaded = %d, want %d", snap.BytesDownloaded, snap.TotalBytes)
	}
}

func TestPullFailureMarksTracker(t *testing.T) {
	srv := registrytest.New(t)
	tr := NewTracker("team/app:missing")
	_, err := newTestPuller(t, srv).Pull(context.Background(), mustParse(t, srv.Host()+"/team/app:missing"),
		PullOptions{SaveDir: t.TempDir(), Progress: tr})
	if err == nil {
		t.Fatal("expected error")
	}
	if snap := tr.Snapshot(); snap.Phase != PhaseFailed || snap.Error == "" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}
