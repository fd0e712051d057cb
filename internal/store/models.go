package store

import "time"

// Pull status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Pull records one image pull
type Pull struct {
	ID             int64
	Reference      string // reference as given on the command line
	Host           string
	Repository     string
	Tag            string
	ManifestDigest string
	ConfigDigest   string
	Platform       string // os/arch[/variant]
	ArchivePath    string
	Size           int64 // archive size in bytes
	LayerCount     int
	Status         string // "running", "completed", "failed"
	ErrorMessage   string
	StartTime      time.Time
	EndTime        time.Time
}

// PullLayer tracks a layer blob fetched by a pull
type PullLayer struct {
	ID        int64
	PullID    int64
	Digest    string
	DiffID    string
	MediaType string
	Size      int64
}
