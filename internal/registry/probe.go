package registry

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/regpull/internal/auth"
)

const (
	probeTimeout    = 5 * time.Second
	probeMaxWorkers = 10
)

// ProbeResult holds the outcome of pinging one registry.
type ProbeResult struct {
	Host    string        `json:"host"`
	Latency time.Duration `json:"latency"`
	// Auth is "anonymous" or the challenge scheme the registry answered with.
	Auth  string `json:"auth,omitempty"`
	Realm string `json:"realm,omitempty"`
	Error string `json:"error,omitempty"`
}

// Ping issues GET /v2/ and returns the registry's auth challenge, or nil
// when it allows anonymous access.
func (c *Client) Ping(ctx context.Context) (*auth.Challenge, error) {
	return c.auth.Ping(ctx)
}

// Probe pings every client concurrently and returns the results sorted by
// latency, failures last.
func Probe(ctx context.Context, clients []*Client) []ProbeResult {
	results := make([]ProbeResult, len(clients))

	var g errgroup.Group
	g.SetLimit(probeMaxWorkers)
	for i, c := range clients {
		i, c := i, c
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := time.Now()
			challenge, err := c.Ping(reqCtx)
			r := ProbeResult{Host: c.Host(), Latency: time.Since(start)}
			switch {
			case err != nil:
				r.Error = err.Error()
			case challenge == nil:
				r.Auth = "anonymous"
			default:
				r.Auth = string(challenge.Scheme)
				r.Realm = challenge.Realm
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if (results[i].Error == "") != (results[j].Error == "") {
			return results[i].Error == ""
		}
		return results[i].Latency < results[j].Latency
	})
	return results
}
