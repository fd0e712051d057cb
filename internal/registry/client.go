// Package registry talks to an OCI/Docker Registry HTTP API V2 endpoint:
// catalog and tag listing, manifest resolution and blob retrieval.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BadgerOps/regpull/internal/auth"
	"github.com/BadgerOps/regpull/internal/reference"
	"github.com/BadgerOps/regpull/internal/safety"
)

const (
	maxManifestBytes int64 = 16 * 1024 * 1024
	maxListBytes     int64 = 4 * 1024 * 1024

	userAgent = "regpull/1.0"
)

var (
	ErrManifestNotFound         = errors.New("manifest not found")
	ErrImageNotFoundForPlatform = errors.New("image not found for platform")
	ErrManifestDigestMismatch   = errors.New("manifest digest mismatch")
	ErrUnsupportedMediaType     = errors.New("unsupported manifest media type")
	ErrNoRepository             = errors.New("reference does not name a repository")
)

// Options configures a Client.
type Options struct {
	// Host is the registry host, optionally with port. Legacy Docker Hub
	// aliases are mapped to reference.DefaultDomain.
	Host string
	// Scheme is "https" or "http". Empty selects http for loopback hosts
	// and https otherwise.
	Scheme      string
	Credentials auth.Credentials
	HTTPClient  *http.Client
	Logger      *slog.Logger
	AuthOptions []auth.Option
}

// Client is a registry API client bound to one host.
type Client struct {
	host    string
	scheme  string
	baseURL string
	auth    *auth.Handler
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client from opts.
func NewClient(opts Options) (*Client, error) {
	host := NormalizeHost(opts.Host)
	if host == "" {
		host = reference.DefaultDomain
	}
	scheme := strings.ToLower(opts.Scheme)
	switch scheme {
	case "":
		scheme = "https"
		if safety.IsLoopbackHost(host) {
			scheme = "http"
		}
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported registry scheme %q", opts.Scheme)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = safety.NewHTTPClient(safety.ClientOptions{Timeout: 90 * time.Second})
	}

	baseURL := scheme + "://" + host
	if _, err := safety.ValidateHTTPURL(baseURL); err != nil {
		return nil, fmt.Errorf("invalid registry host %q: %w", host, err)
	}

	return &Client{
		host:    host,
		scheme:  scheme,
		baseURL: baseURL,
		auth:    auth.NewHandler(baseURL, opts.Credentials, httpClient, logger, opts.AuthOptions...),
		http:    httpClient,
		logger:  logger,
	}, nil
}

// Host returns the normalized registry host.
func (c *Client) Host() string { return c.host }

// BaseURL returns scheme://host.
func (c *Client) BaseURL() string { return c.baseURL }

// Repository authorizes a pull scope for name and returns a handle bound to
// the resulting credential.
func (c *Client) Repository(ctx context.Context, name string) (*Repository, error) {
	name = strings.Trim(name, "/")
	if name == "" {
		return nil, ErrNoRepository
	}
	header, err := c.auth.AuthHeader(ctx, auth.PullScope(name))
	if err != nil {
		return nil, fmt.Errorf("failed to authorize %s: %w", name, err)
	}
	return &Repository{client: c, name: name, header: header}, nil
}

func (c *Client) repositoryFor(ctx context.Context, ref reference.Reference) (*Repository, error) {
	_, path, ok := reference.Repository(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRepository, ref)
	}
	return c.Repository(ctx, path)
}

// newRequest builds a request against the registry with the shared headers.
func (c *Client) newRequest(ctx context.Context, method, endpoint string, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// getBody performs a GET and returns the body bounded by limit.
func (c *Client) getBody(ctx context.Context, endpoint string, header http.Header, limit int64) ([]byte, http.Header, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, header)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()
	if err := safety.CheckResponse(resp); err != nil {
		return nil, nil, err
	}
	data, err := safety.ReadAllWithLimit(resp.Body, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, resp.Header.Clone(), nil
}

// NormalizeHost strips any URL scheme and trailing slash and maps Docker
// Hub aliases to reference.DefaultDomain.
func NormalizeHost(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	e = strings.TrimPrefix(e, "https://")
	e = strings.TrimPrefix(e, "http://")
	e = strings.TrimRight(e, "/")
	if e == "docker.io" || e == "index.docker.io" {
		return reference.DefaultDomain
	}
	return e
}
