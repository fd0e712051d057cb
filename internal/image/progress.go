package image

import (
	"sort"
	"sync"
	"time"
)

// Phase is the current stage of a pull.
type Phase string

const (
	PhaseResolving   Phase = "resolving"
	PhaseDownloading Phase = "downloading"
	PhaseAssembling  Phase = "assembling"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

// LayerProgress tracks the download state of one layer.
type LayerProgress struct {
	Digest          string `json:"digest"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	TotalBytes      int64  `json:"total_bytes"`
	Done            bool   `json:"done"`
	Failed          bool   `json:"failed"`
}

// Progress is a snapshot of a pull, safe for JSON serialization.
type Progress struct {
	Reference       string          `json:"reference"`
	Phase           Phase           `json:"phase"`
	TotalLayers     int             `json:"total_layers"`
	CompletedLayers int             `json:"completed_layers"`
	FailedLayers    int             `json:"failed_layers"`
	TotalBytes      int64           `json:"total_bytes"`
	BytesDownloaded int64           `json:"bytes_downloaded"`
	Percent         float64         `json:"percent"`
	Active          []LayerProgress `json:"active,omitempty"`
	BytesPerSecond  int64           `json:"bytes_per_second"`
	ETA             string          `json:"eta,omitempty"`
	Elapsed         string          `json:"elapsed"`
	Error           string          `json:"error,omitempty"`
}

// Tracker accumulates progress from layer workers. All methods are safe
// for concurrent use and are no-ops on a nil Tracker.
type Tracker struct {
	mu sync.Mutex

	reference       string
	phase           Phase
	totalLayers     int
	completedLayers int
	failedLayers    int
	totalBytes      int64
	bytesDownloaded int64
	startTime       time.Time
	err             string

	layers map[string]*LayerProgress

	// notify is closed and replaced on every update.
	notify chan struct{}

	// Per-layer byte updates are throttled.
	lastUpdate map[string]time.Time
}

// NewTracker creates a tracker for one pull.
func NewTracker(reference string) *Tracker {
	return &Tracker{
		reference:  reference,
		phase:      PhaseResolving,
		startTime:  time.Now(),
		layers:     make(map[string]*LayerProgress),
		notify:     make(chan struct{}),
		lastUpdate: make(map[string]time.Time),
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Progress {
	if t == nil {
		return Progress{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	switch {
	case t.totalBytes > 0:
		pct = float64(t.bytesDownloaded) / float64(t.totalBytes) * 100
	case t.totalLayers > 0:
		pct = float64(t.completedLayers) / float64(t.totalLayers) * 100
	}
	if pct > 100 {
		pct = 100
	}

	active := make([]LayerProgress, 0, len(t.layers))
	for _, lp := range t.layers {
		if !lp.Done && !lp.Failed {
			active = append(active, *lp)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Digest < active[j].Digest
	})

	elapsed := time.Since(t.startTime)
	var bytesPerSecond int64
	var eta string
	if elapsed > time.Second && t.bytesDownloaded > 0 {
		bytesPerSecond = int64(float64(t.bytesDownloaded) / elapsed.Seconds())
		if bytesPerSecond > 0 && t.totalBytes > t.bytesDownloaded {
			remaining := t.totalBytes - t.bytesDownloaded
			eta = time.Duration(float64(remaining) / float64(bytesPerSecond) * float64(time.Second)).Truncate(time.Second).String()
		}
	}

	return Progress{
		Reference:       t.reference,
		Phase:           t.phase,
		TotalLayers:     t.totalLayers,
		CompletedLayers: t.completedLayers,
		FailedLayers:    t.failedLayers,
		TotalBytes:      t.totalBytes,
		BytesDownloaded: t.bytesDownloaded,
		Percent:         pct,
		Active:          active,
		BytesPerSecond:  bytesPerSecond,
		ETA:             eta,
		Elapsed:         elapsed.Truncate(time.Second).String(),
		Error:           t.err,
	}
}

// Wait returns a channel that is closed on the next update.
func (t *Tracker) Wait() <-chan struct{} {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// Must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// SetPhase moves the pull to phase.
func (t *Tracker) SetPhase(phase Phase) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.signal()
}

// Fail records err and moves the pull to PhaseFailed.
func (t *Tracker) Fail(err error) {
	if t == nil || err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = PhaseFailed
	t.err = err.Error()
	t.signal()
}

// SetTotals sets the number and total size of layers to download.
func (t *Tracker) SetTotals(layers int, bytes int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalLayers = layers
	t.totalBytes = bytes
	t.signal()
}

// UpdateLayer records byte progress for one layer, at most every 250ms.
func (t *Tracker) UpdateLayer(dgst string, bytesDownloaded, totalBytes int64) {
	if t == nil {
		return
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastUpdate[dgst]; ok && now.Sub(last) < 250*time.Millisecond {
		return
	}
	t.lastUpdate[dgst] = now

	lp := t.layer(dgst)
	lp.BytesDownloaded = bytesDownloaded
	lp.TotalBytes = totalBytes
	t.recount()
	t.signal()
}

// LayerCompleted marks a layer as downloaded and unpacked.
func (t *Tracker) LayerCompleted(dgst string, size int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	lp := t.layer(dgst)
	lp.Done = true
	lp.BytesDownloaded = size
	t.completedLayers++
	t.recount()
	t.signal()
}

// LayerFailed marks a layer as failed.
func (t *Tracker) LayerFailed(dgst string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.layer(dgst).Failed = true
	t.failedLayers++
	t.signal()
}

// Must be called with t.mu held.
func (t *Tracker) layer(dgst string) *LayerProgress {
	lp, ok := t.layers[dgst]
	if !ok {
		lp = &LayerProgress{Digest: dgst}
		t.layers[dgst] = lp
	}
	return lp
}

// Must be called with t.mu held.
func (t *Tracker) recount() {
	var total int64
	for _, lp := range t.layers {
		total += lp.BytesDownloaded
	}
	t.bytesDownloaded = total
}
