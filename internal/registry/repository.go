package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/BadgerOps/regpull/internal/digest"
	"github.com/BadgerOps/regpull/internal/platform"
	"github.com/BadgerOps/regpull/internal/reference"
	"github.com/BadgerOps/regpull/internal/safety"
)

// Repository is one repository on a registry together with the credential
// authorized for it. It is owned by a single operation.
type Repository struct {
	client *Client
	name   string
	header http.Header
}

// TagList is the body of /v2/<name>/tags/list.
type TagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// Name returns the repository path.
func (r *Repository) Name() string { return r.name }

// Header returns a copy of the authorization headers.
func (r *Repository) Header() http.Header { return r.header.Clone() }

func (r *Repository) manifestURL(target string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", r.client.baseURL, r.name, target)
}

// BlobURL returns the blob endpoint for d.
func (r *Repository) BlobURL(d digest.Digest) string {
	return fmt.Sprintf("%s/v2/%s/blobs/%s", r.client.baseURL, r.name, d)
}

func (r *Repository) manifestHeader() http.Header {
	h := r.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Accept", manifestAcceptHeader)
	return h
}

// Head issues HEAD for a manifest. Any status other than 200 is
// ErrManifestNotFound. Digest is zero when the registry omits
// Docker-Content-Digest.
func (r *Repository) Head(ctx context.Context, target string) (Descriptor, error) {
	req, err := r.client.newRequest(ctx, http.MethodHead, r.manifestURL(target), r.manifestHeader())
	if err != nil {
		return Descriptor{}, err
	}
	resp, err := r.client.http.Do(req)
	if err != nil {
		return Descriptor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Descriptor{}, fmt.Errorf("%w: %s:%s: %s", ErrManifestNotFound, r.name, target, resp.Status)
	}

	desc := Descriptor{
		MediaType: strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0]),
		Size:      resp.ContentLength,
	}
	if raw := resp.Header.Get("Docker-Content-Digest"); raw != "" {
		d, err := digest.Parse(raw)
		if err != nil {
			return Descriptor{}, fmt.Errorf("invalid Docker-Content-Digest %q: %w", raw, err)
		}
		desc.Digest = d
	}
	return desc, nil
}

// Exists reports whether HEAD on the manifest returns 200.
func (r *Repository) Exists(ctx context.Context, target string) (bool, error) {
	_, err := r.Head(ctx, target)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// Resolve pins ref to a manifest digest. A digest already carried by ref is
// returned as is; a tag is resolved with HEAD, falling back to hashing the
// manifest body when the registry does not return Docker-Content-Digest.
func (r *Repository) Resolve(ctx context.Context, ref reference.Reference) (digest.Digest, error) {
	if d, ok := reference.DigestOf(ref); ok {
		return d, nil
	}
	target := ref.Target()
	desc, err := r.Head(ctx, target)
	if err != nil {
		return digest.Digest{}, err
	}
	if !desc.Digest.IsZero() {
		return desc.Digest, nil
	}
	r.client.logger.Debug("registry omitted Docker-Content-Digest, hashing manifest", "repo", r.name, "tag", target)
	body, _, err := r.client.getBody(ctx, r.manifestURL(target), r.manifestHeader(), maxManifestBytes)
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.FromBytes(body), nil
}

// Manifest fetches the manifest named by target (a tag or digest). When
// target is a digest the body must hash to it. A manifest list is resolved
// to the entry matching p and fetched by digest; lists are followed one
// level only.
func (r *Repository) Manifest(ctx context.Context, target string, p platform.Platform) (*Manifest, error) {
	return r.manifest(ctx, target, p, 0)
}

func (r *Repository) manifest(ctx context.Context, target string, p platform.Platform, depth int) (*Manifest, error) {
	pinned, pinErr := digest.Parse(target)
	isDigest := pinErr == nil

	body, header, err := r.client.getBody(ctx, r.manifestURL(target), r.manifestHeader(), maxManifestBytes)
	if err != nil {
		if safety.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s:%s: %w", ErrManifestNotFound, r.name, target, err)
		}
		return nil, fmt.Errorf("failed to fetch manifest %s:%s: %w", r.name, target, err)
	}
	if isDigest && !pinned.Matches(body) {
		return nil, fmt.Errorf("%w: %s: expected %s, got %s", ErrManifestDigestMismatch, r.name, pinned, digest.FromBytes(body))
	}

	m, list, err := decodeManifest(header.Get("Content-Type"), body)
	if err != nil {
		return nil, fmt.Errorf("manifest %s:%s: %w", r.name, target, err)
	}
	if list != nil {
		if depth > 0 {
			return nil, fmt.Errorf("manifest %s:%s: nested manifest list", r.name, target)
		}
		desc, err := list.Select(p)
		if err != nil {
			return nil, fmt.Errorf("manifest list %s:%s: %w", r.name, target, err)
		}
		r.client.logger.Debug("selected platform manifest", "repo", r.name, "platform", p.String(), "digest", desc.Digest.String())
		return r.manifest(ctx, desc.Digest.String(), p, depth+1)
	}

	if isDigest {
		m.Digest = pinned
	} else {
		m.Digest = digest.FromBytes(body)
	}
	m.Raw = body
	if m.MediaType == "" {
		m.MediaType = strings.TrimSpace(strings.Split(header.Get("Content-Type"), ";")[0])
	}
	return m, nil
}

// Tags lists tags. n limits the page size when positive; last resumes after
// the given tag.
func (r *Repository) Tags(ctx context.Context, n int, last string) (*TagList, error) {
	q := url.Values{}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}
	if last != "" {
		q.Set("last", last)
	}
	endpoint := fmt.Sprintf("%s/v2/%s/tags/list", r.client.baseURL, r.name)
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	h := r.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Accept", "application/json")
	body, _, err := r.client.getBody(ctx, endpoint, h, maxListBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for %s: %w", r.name, err)
	}
	var tl TagList
	if err := json.Unmarshal(body, &tl); err != nil {
		return nil, fmt.Errorf("failed to parse tag list for %s: %w", r.name, err)
	}
	return &tl, nil
}

// Blob opens a streaming GET for d. The caller closes the body.
func (r *Repository) Blob(ctx context.Context, d digest.Digest) (io.ReadCloser, int64, error) {
	req, err := r.client.newRequest(ctx, http.MethodGet, r.BlobURL(d), r.header)
	if err != nil {
		return nil, 0, err
	}
	resp, err := r.client.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if err := safety.CheckResponse(resp); err != nil {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("failed to fetch blob %s: %w", d, err)
	}
	return resp.Body, resp.ContentLength, nil
}

// BlobBytes reads a small blob such as an image config into memory and
// checks it against d.
func (r *Repository) BlobBytes(ctx context.Context, d digest.Digest, limit int64) ([]byte, error) {
	body, _, err := r.Blob(ctx, d)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := safety.ReadAllWithLimit(body, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", d, err)
	}
	return data, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrManifestNotFound)
}
