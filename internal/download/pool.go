package download

import (
	"context"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 5

// Job represents a single download job. After, when set, runs on the
// worker once the blob is verified; its error fails the job.
type Job struct {
	DownloadOptions
	After func(ctx context.Context, res *DownloadResult) error
}

// Result represents the result of a download job.
type Result struct {
	Job      Job
	Success  bool
	Error    error
	Download *DownloadResult
}

// Pool runs download jobs with bounded concurrency.
type Pool struct {
	client  *Client
	workers int
	logger  *slog.Logger
}

// NewPool creates a pool running at most workers jobs at once. A
// non-positive count selects DefaultWorkers.
func NewPool(client *Client, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		client:  client,
		workers: workers,
		logger:  logger,
	}
}

// Workers returns the concurrency limit.
func (p *Pool) Workers() int { return p.workers }

// Execute runs jobs and returns only after every started job has finished.
// Results are in job order. The first failure cancels the context shared by
// the remaining jobs and is returned as the error; jobs that never ran carry
// the cancellation error.
func (p *Pool) Execute(ctx context.Context, jobs []Job) ([]Result, error) {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range jobs {
		i := i
		results[i].Job = jobs[i]
		g.Go(func() error {
			return p.run(gctx, &results[i])
		})
	}
	err := g.Wait()
	return results, err
}

func (p *Pool) run(ctx context.Context, result *Result) error {
	job := result.Job
	if err := ctx.Err(); err != nil {
		result.Error = err
		return err
	}

	res, err := p.client.Download(ctx, job.DownloadOptions)
	if err == nil && job.After != nil {
		err = job.After(ctx, res)
	}
	result.Download = res
	if err != nil {
		result.Error = err
		p.logger.Error("download job failed", "url", job.URL, "dest", filepath.Base(job.DestPath), "error", err)
		return err
	}
	result.Success = true
	p.logger.Info("download job completed", "digest", job.Digest.String(), "dest", filepath.Base(job.DestPath), "size", res.Size)
	return nil
}
