package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/BadgerOps/regpull/internal/auth"
	"github.com/BadgerOps/regpull/internal/platform"
	"github.com/BadgerOps/regpull/internal/reference"
)

// Catalog lists repositories on the registry. n and last page through the
// result as with ListTags.
func (c *Client) Catalog(ctx context.Context, n int, last string) ([]string, error) {
	header, err := c.auth.AuthHeader(ctx, auth.CatalogScope())
	if err != nil {
		return nil, fmt.Errorf("failed to authorize catalog: %w", err)
	}
	q := url.Values{}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}
	if last != "" {
		q.Set("last", last)
	}
	endpoint := c.baseURL + "/v2/_catalog"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	body, _, err := c.getBody(ctx, endpoint, header, maxListBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	var resp struct {
		Repositories []string `json:"repositories"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return resp.Repositories, nil
}

// ListTags lists tags of the repository named by ref.
func (c *Client) ListTags(ctx context.Context, ref reference.Reference, n int, last string) (*TagList, error) {
	repo, err := c.repositoryFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	return repo.Tags(ctx, n, last)
}

// Exist reports whether the manifest named by ref exists.
func (c *Client) Exist(ctx context.Context, ref reference.Reference) (bool, error) {
	repo, err := c.repositoryFor(ctx, ref)
	if err != nil {
		return false, err
	}
	return repo.Exists(ctx, ManifestTarget(ref))
}

// FetchManifest fetches the manifest for ref on platform p.
func (c *Client) FetchManifest(ctx context.Context, ref reference.Reference, p platform.Platform) (*Manifest, error) {
	repo, err := c.repositoryFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	return repo.Manifest(ctx, ManifestTarget(ref), p)
}

// ManifestTarget is the path element used to address ref's manifest: its
// digest when present, otherwise its tag.
func ManifestTarget(ref reference.Reference) string {
	if d, ok := reference.DigestOf(ref); ok {
		return d.String()
	}
	return ref.Target()
}
