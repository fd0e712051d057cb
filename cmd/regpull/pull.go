package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/regpull/internal/image"
	"github.com/BadgerOps/regpull/internal/platform"
	"github.com/BadgerOps/regpull/internal/reference"
	"github.com/BadgerOps/regpull/internal/store"
)

var (
	pullPlatform  string
	pullOutput    string
	pullSaveDir   string
	pullWorkers   int
	pullLegacyIDs bool
	pullSkip      bool
)

func newPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull IMAGE [IMAGE...]",
		Short: "Pull images into docker-loadable tar archives",
		Long: `Pull one or more images and write each one as a tar archive in the
"docker save" layout. Short names are expanded the way the Docker CLI does:
"alpine" means registry-1.docker.io/library/alpine:latest.

For each image the command will:
  1. Resolve the reference to a manifest digest
  2. Pick the requested platform from a manifest list
  3. Download and verify the config and every layer concurrently
  4. Assemble manifest.json and the layer directories into one archive

A failed pull leaves no archive and no working files behind.`,
		Example: `  regpull pull alpine
  regpull pull --platform linux/arm64/v8 --save-dir /mnt/images nginx:1.27
  regpull pull --output app.tar localhost:5000/team/app@sha256:...`,
		Args: cobra.MinimumNArgs(1),
		RunE: pullRun,
	}

	cmd.Flags().StringVar(&pullPlatform, "platform", "", "platform as os/arch[/variant] (default from config)")
	cmd.Flags().StringVarP(&pullOutput, "output", "o", "", "archive path (single image only)")
	cmd.Flags().StringVar(&pullSaveDir, "save-dir", "", "directory for archives (default from config)")
	cmd.Flags().IntVar(&pullWorkers, "workers", 0, "concurrent layer downloads (default from config)")
	cmd.Flags().BoolVar(&pullLegacyIDs, "legacy-ids", false, "write v1 layer ids into each layer's json file")
	cmd.Flags().BoolVar(&pullSkip, "skip-existing", false, "skip images whose manifest was already archived and the archive still exists")

	return cmd
}

func pullRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if pullOutput != "" && len(args) > 1 {
		return fmt.Errorf("--output can only be used with a single image")
	}

	opts, err := pullOptions()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	failed := 0
	for _, arg := range args {
		if pullSkip {
			if prev := existingArchive(ctx, arg, opts); prev != nil {
				fmt.Printf("\n%s:\n", arg)
				fmt.Printf("  Already pulled as #%d: %s\n", prev.ID, prev.ArchivePath)
				continue
			}
		}

		res, err := pullOne(ctx, arg, opts)
		if err != nil {
			log.Error("pull failed", "image", arg, "error", err)
			fmt.Printf("  ERROR: %s - %v\n", arg, err)
			failed++
			if errors.Is(err, context.Canceled) {
				break
			}
			continue
		}

		fmt.Printf("\n%s:\n", res.Reference)
		fmt.Printf("  Digest:   %s\n", res.ManifestDigest)
		fmt.Printf("  Platform: %s\n", res.Platform)
		fmt.Printf("  Layers:   %d\n", len(res.Layers))
		fmt.Printf("  Archive:  %s (%s)\n", res.ArchivePath, humanize.Bytes(uint64(res.Size)))
		fmt.Printf("  Took:     %s\n", res.Duration.Round(time.Millisecond))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d pulls failed", failed, len(args))
	}
	return nil
}

// pullOptions merges command-line flags over the pull section of the config.
func pullOptions() (image.PullOptions, error) {
	opts := image.PullOptions{
		SaveDir:        globalCfg.Pull.SaveDir,
		Output:         pullOutput,
		Workers:        globalCfg.Pull.Workers,
		LegacyLayerIDs: globalCfg.Pull.LegacyLayerIDs || pullLegacyIDs,
	}
	if pullSaveDir != "" {
		opts.SaveDir = pullSaveDir
	}
	if pullWorkers > 0 {
		opts.Workers = pullWorkers
	}

	want := globalCfg.Pull.Platform
	if pullPlatform != "" {
		want = pullPlatform
	}
	p := platform.Default()
	if want != "" {
		var err error
		if p, err = platform.Parse(want); err != nil {
			return opts, err
		}
	}
	opts.Platform = p
	return opts, nil
}

func pullOne(ctx context.Context, arg string, opts image.PullOptions) (*image.Result, error) {
	ref, err := reference.ParseNormalizedNamed(arg)
	if err != nil {
		return nil, err
	}
	host, path, _ := reference.Repository(ref)

	client, err := newRegistryClient(host)
	if err != nil {
		return nil, err
	}

	record := &store.Pull{
		Reference:  arg,
		Host:       client.Host(),
		Repository: path,
		Platform:   opts.Platform.String(),
		Status:     store.StatusRunning,
		StartTime:  time.Now(),
	}
	if tag, ok := reference.TagOf(ref); ok {
		record.Tag = tag
	}
	recordPullStart(record)

	tracker := image.NewTracker(reference.FamiliarString(ref))
	opts.Progress = tracker
	done := make(chan struct{})
	go reportProgress(tracker, done, 2*time.Second)

	res, err := image.NewPuller(client, newDownloader(host), logger).Pull(ctx, ref, opts)
	close(done)
	recordPullEnd(record, res, err)
	return res, err
}

// existingArchive returns the newest completed pull of the manifest arg
// resolves to on the requested platform, if its archive is still on disk.
// Lookup failures fall through to a normal pull.
func existingArchive(ctx context.Context, arg string, opts image.PullOptions) *store.Pull {
	if globalStore == nil {
		return nil
	}
	ref, err := reference.ParseNormalizedNamed(arg)
	if err != nil {
		return nil
	}
	host, _, _ := reference.Repository(ref)
	client, err := newRegistryClient(host)
	if err != nil {
		return nil
	}
	m, err := client.FetchManifest(ctx, ref, opts.Platform)
	if err != nil {
		logger.Debug("skip-existing lookup failed", "image", arg, "error", err)
		return nil
	}
	prev, err := globalStore.LastSuccessfulPull(m.Digest.String())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("failed to query pull history", "error", err)
		}
		return nil
	}
	if _, err := os.Stat(prev.ArchivePath); err != nil {
		return nil
	}
	logger.Info("image already pulled", "image", arg, "digest", m.Digest.String(), "archive", prev.ArchivePath)
	return prev
}

// reportProgress logs a progress line at most once per interval while
// layers are downloading.
func reportProgress(t *image.Tracker, done <-chan struct{}, interval time.Duration) {
	var last time.Time
	for {
		select {
		case <-done:
			return
		case <-t.Wait():
		}
		snap := t.Snapshot()
		if snap.Phase != image.PhaseDownloading || time.Since(last) < interval {
			continue
		}
		last = time.Now()
		logger.Info("pull progress",
			"image", snap.Reference,
			"layers", fmt.Sprintf("%d/%d", snap.CompletedLayers, snap.TotalLayers),
			"downloaded", humanize.Bytes(uint64(snap.BytesDownloaded)),
			"total", humanize.Bytes(uint64(snap.TotalBytes)),
			"percent", fmt.Sprintf("%.0f", snap.Percent),
			"eta", snap.ETA,
		)
	}
}

// recordPullStart inserts a running history row. History failures are
// logged and never fail the pull.
func recordPullStart(p *store.Pull) {
	if globalStore == nil {
		return
	}
	if err := globalStore.CreatePull(p); err != nil {
		logger.Warn("failed to record pull", "error", err)
	}
}

func recordPullEnd(p *store.Pull, res *image.Result, pullErr error) {
	if globalStore == nil || p.ID == 0 {
		return
	}
	p.EndTime = time.Now()
	if pullErr != nil {
		p.Status = store.StatusFailed
		p.ErrorMessage = pullErr.Error()
	} else {
		p.Status = store.StatusCompleted
		p.ManifestDigest = res.ManifestDigest.String()
		p.ConfigDigest = res.ConfigDigest.String()
		p.ArchivePath = res.ArchivePath
		p.Size = res.Size
		p.LayerCount = len(res.Layers)
	}
	if err := globalStore.UpdatePull(p); err != nil {
		logger.Warn("failed to update pull record", "id", p.ID, "error", err)
		return
	}
	if res == nil {
		return
	}

	layers := make([]store.PullLayer, len(res.Layers))
	for i, l := range res.Layers {
		layers[i] = store.PullLayer{
			Digest:    l.Digest.String(),
			DiffID:    l.DiffID.String(),
			MediaType: l.MediaType,
			Size:      l.Size,
		}
	}
	if err := globalStore.AddPullLayers(p.ID, layers); err != nil {
		logger.Warn("failed to record pull layers", "id", p.ID, "error", err)
	}
}
