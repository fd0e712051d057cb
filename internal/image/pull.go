// Package image pulls an image from a registry and writes it out in the
// legacy docker-save layout, loadable with "docker load".
package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/BadgerOps/regpull/internal/archive"
	"github.com/BadgerOps/regpull/internal/digest"
	"github.com/BadgerOps/regpull/internal/download"
	"github.com/BadgerOps/regpull/internal/platform"
	"github.com/BadgerOps/regpull/internal/reference"
	"github.com/BadgerOps/regpull/internal/registry"
	"github.com/BadgerOps/regpull/internal/safety"
)

const maxConfigBytes int64 = 16 * 1024 * 1024

// ErrDiffIDMismatch is returned when a decompressed layer does not match the
// diff ID recorded in the image config.
var ErrDiffIDMismatch = errors.New("layer diff id mismatch")

// PullOptions controls a pull.
type PullOptions struct {
	// SaveDir receives the archive. It must exist. Defaults to ".".
	SaveDir string
	// Output overrides the archive path. Defaults to SaveDir/ArchiveName.
	Output   string
	Platform platform.Platform
	// Workers bounds concurrent layer downloads. Defaults to
	// download.DefaultWorkers.
	Workers int
	// LegacyLayerIDs writes id/parent into every layer's json file.
	LegacyLayerIDs bool
	// Progress, when set, receives phase and per-layer byte updates.
	Progress *Tracker
}

// Result describes a completed pull.
type Result struct {
	Reference      string
	Repository     string
	ManifestDigest digest.Digest
	ConfigDigest   digest.Digest
	Platform       platform.Platform
	RepoTags       []string
	Layers         []Layer
	ArchivePath    string
	Size           int64
	Duration       time.Duration
}

// Layer describes one layer written into the archive.
type Layer struct {
	Digest    digest.Digest
	DiffID    digest.Digest
	MediaType string
	Size      int64
}

// Puller pulls images from one registry.
type Puller struct {
	client     *registry.Client
	downloader *download.Client
	logger     *slog.Logger

	// beforeAssemble runs after every layer worker has returned and before
	// manifest.json is written.
	beforeAssemble func(*PullSession)
}

// NewPuller creates a Puller. A nil downloader gets a default client.
func NewPuller(client *registry.Client, downloader *download.Client, logger *slog.Logger) *Puller {
	if logger == nil {
		logger = slog.Default()
	}
	if downloader == nil {
		downloader = download.NewClient(nil, logger)
	}
	return &Puller{client: client, downloader: downloader, logger: logger}
}

// Pull fetches ref and writes a docker-save archive. It either returns a
// verified archive or an error with no archive and no working directory
// left behind.
func (p *Puller) Pull(ctx context.Context, ref reference.Reference, opts PullOptions) (*Result, error) {
	res, err := p.pull(ctx, ref, opts)
	if err != nil {
		opts.Progress.Fail(err)
		return nil, err
	}
	opts.Progress.SetPhase(PhaseComplete)
	return res, nil
}

func (p *Puller) pull(ctx context.Context, ref reference.Reference, opts PullOptions) (*Result, error) {
	startTime := time.Now()
	opts.Progress.SetPhase(PhaseResolving)
	_, path, ok := reference.Repository(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNoRepository, ref)
	}
	if opts.SaveDir == "" {
		opts.SaveDir = "."
	}
	if opts.Platform == (platform.Platform{}) {
		opts.Platform = platform.Default()
	}
	if info, err := os.Stat(opts.SaveDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("save directory %s does not exist", opts.SaveDir)
	}
	archivePath := opts.Output
	if archivePath == "" {
		var err error
		if archivePath, err = safety.ArchivePath(opts.SaveDir, ArchiveName(path)); err != nil {
			return nil, fmt.Errorf("archive path: %w", err)
		}
	}

	repo, err := p.client.Repository(ctx, path)
	if err != nil {
		return nil, err
	}
	manifestDigest, err := repo.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	p.logger.Info("resolved image", "reference", ref.String(), "digest", manifestDigest.String())

	manifest, err := repo.Manifest(ctx, manifestDigest.String(), opts.Platform)
	if err != nil {
		return nil, err
	}
	if len(manifest.Layers) == 0 {
		return nil, fmt.Errorf("manifest %s has no layers", manifest.Digest)
	}

	session, err := newSession(opts.SaveDir, ref, repo.Header())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			p.logger.Warn("failed to remove working directory", "error", err)
		}
	}()

	configBytes, err := p.fetchConfig(ctx, repo, manifest.Config)
	if err != nil {
		return nil, err
	}
	var config ocispec.Image
	if err := json.Unmarshal(configBytes, &config); err != nil {
		return nil, fmt.Errorf("failed to parse image config: %w", err)
	}
	configName := manifest.Config.Digest.Hex() + ".json"
	if err := os.WriteFile(filepath.Join(session.Dir, configName), configBytes, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write image config: %w", err)
	}

	diffIDs, err := p.pullLayers(ctx, session, repo, manifest.Layers, opts.Workers, opts.Progress)
	if err != nil {
		return nil, err
	}
	if err := checkDiffIDs(config, manifest.Layers, diffIDs); err != nil {
		return nil, err
	}

	opts.Progress.SetPhase(PhaseAssembling)
	if p.beforeAssemble != nil {
		p.beforeAssemble(session)
	}
	repoTags := []string{}
	if tag, ok := RepoTag(p.client.Host(), ref); ok {
		repoTags = append(repoTags, tag)
	}
	ordered := orderedDiffIDs(manifest.Layers, diffIDs)
	layout := legacyLayout{
		config:     configBytes,
		configName: configName,
		repoTags:   repoTags,
		layers:     manifest.Layers,
		diffIDs:    ordered,
		legacyIDs:  opts.LegacyLayerIDs,
	}
	if err := layout.write(session.Dir); err != nil {
		return nil, err
	}

	size, err := archive.TarDirectory(session.Dir, archivePath)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Reference:      ref.String(),
		Repository:     path,
		ManifestDigest: manifest.Digest,
		ConfigDigest:   manifest.Config.Digest,
		Platform:       opts.Platform,
		RepoTags:       repoTags,
		Layers:         make([]Layer, len(manifest.Layers)),
		ArchivePath:    archivePath,
		Size:           size,
		Duration:       time.Since(startTime),
	}
	for i, l := range manifest.Layers {
		result.Layers[i] = Layer{Digest: l.Digest, DiffID: ordered[i], MediaType: l.MediaType, Size: l.Size}
	}
	p.logger.Info("pull completed",
		"reference", result.Reference,
		"digest", result.ManifestDigest.String(),
		"archive", result.ArchivePath,
		"layers", len(result.Layers),
		"size", result.Size,
		"duration", result.Duration,
	)
	return result, nil
}

// fetchConfig reads the config blob and checks it against its digest.
func (p *Puller) fetchConfig(ctx context.Context, repo *registry.Repository, desc registry.Descriptor) ([]byte, error) {
	b, err := repo.BlobBytes(ctx, desc.Digest, maxConfigBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image config: %w", err)
	}
	if !desc.Digest.Matches(b) {
		return nil, fmt.Errorf("config %s: %w", desc.Digest, download.ErrLayerDigestMismatch)
	}
	return b, nil
}

// pullLayers downloads, verifies and decompresses every distinct layer on a
// bounded pool. It returns only once all workers have finished.
func (p *Puller) pullLayers(ctx context.Context, s *PullSession, repo *registry.Repository, layers []registry.Descriptor, workers int, tracker *Tracker) (map[digest.Digest]digest.Digest, error) {
	seen := make(map[digest.Digest]struct{}, len(layers))
	unique := make([]registry.Descriptor, 0, len(layers))
	for _, l := range layers {
		if _, ok := seen[l.Digest]; ok {
			continue
		}
		seen[l.Digest] = struct{}{}
		unique = append(unique, l)
	}
	var totalBytes int64
	for _, l := range unique {
		totalBytes += l.Size
	}
	tracker.SetTotals(len(unique), totalBytes)
	tracker.SetPhase(PhaseDownloading)

	diffIDs := make([]digest.Digest, len(unique))
	jobs := make([]download.Job, len(unique))
	for i, layer := range unique {
		i, layer := i, layer
		blobPath := filepath.Join(s.Dir, layer.Digest.Hex()+".blob")
		jobs[i] = download.Job{
			DownloadOptions: download.DownloadOptions{
				URL:          repo.BlobURL(layer.Digest),
				DestPath:     blobPath,
				Digest:       layer.Digest,
				ExpectedSize: layer.Size,
				Header:       s.Header,
				OnProgress: func(downloaded, total int64) {
					tracker.UpdateLayer(layer.Digest.String(), downloaded, total)
				},
			},
			After: func(_ context.Context, res *download.DownloadResult) error {
				defer os.Remove(res.Path)
				dir := s.layerDir(layer.Digest)
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create layer directory: %w", err)
				}
				dres, err := archive.Decompress(res.Path, filepath.Join(dir, "layer.tar"), layer.MediaType)
				if err != nil {
					return fmt.Errorf("layer %s: %w", layer.Digest, err)
				}
				diffIDs[i] = dres.DiffID
				tracker.LayerCompleted(layer.Digest.String(), res.Size)
				return nil
			},
		}
	}

	pool := download.NewPool(p.downloader, workers, p.logger)
	results, err := pool.Execute(ctx, jobs)
	for _, r := range results {
		if !r.Success && r.Error != nil {
			tracker.LayerFailed(r.Job.Digest.String())
		}
	}
	if err != nil {
		return nil, err
	}

	out := make(map[digest.Digest]digest.Digest, len(unique))
	for i, layer := range unique {
		out[layer.Digest] = diffIDs[i]
		s.LayerPaths[layer.Digest] = filepath.Join(s.layerDir(layer.Digest), "layer.tar")
	}
	return out, nil
}

func orderedDiffIDs(layers []registry.Descriptor, byLayer map[digest.Digest]digest.Digest) []digest.Digest {
	out := make([]digest.Digest, len(layers))
	for i, l := range layers {
		out[i] = byLayer[l.Digest]
	}
	return out
}

// checkDiffIDs compares the decompressed layers with the config's rootfs
// when the config lists one diff ID per layer.
func checkDiffIDs(config ocispec.Image, layers []registry.Descriptor, byLayer map[digest.Digest]digest.Digest) error {
	want := config.RootFS.DiffIDs
	if len(want) != len(layers) {
		return nil
	}
	for i, l := range layers {
		got := byLayer[l.Digest]
		if got.String() != want[i].String() {
			return fmt.Errorf("%w: layer %s: config has %s, content is %s", ErrDiffIDMismatch, l.Digest, want[i], got)
		}
	}
	return nil
}
