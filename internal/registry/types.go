package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/BadgerOps/regpull/internal/digest"
	"github.com/BadgerOps/regpull/internal/platform"
)

// Docker distribution media types. The OCI equivalents come from ocispec.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
)

var manifestAcceptHeader = strings.Join([]string{
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
}, ", ")

// Descriptor points at a blob or manifest by digest.
type Descriptor struct {
	MediaType string            `json:"mediaType"`
	Size      int64             `json:"size"`
	Digest    digest.Digest     `json:"digest"`
	Platform  *ocispec.Platform `json:"platform,omitempty"`
	URLs      []string          `json:"urls,omitempty"`
}

// Manifest is a single-platform image manifest.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType,omitempty"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`

	// Digest is the content digest of Raw.
	Digest digest.Digest `json:"-"`
	Raw    []byte        `json:"-"`
}

// ManifestList is a Docker manifest list or OCI image index.
type ManifestList struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType,omitempty"`
	Manifests     []Descriptor `json:"manifests"`
}

// Select returns the entry whose platform equals p exactly.
func (l *ManifestList) Select(p platform.Platform) (Descriptor, error) {
	for _, m := range l.Manifests {
		if platform.FromOCI(m.Platform).Equal(p) {
			return m, nil
		}
	}
	offered := make([]string, 0, len(l.Manifests))
	for _, o := range l.Platforms() {
		offered = append(offered, o.String())
	}
	return Descriptor{}, fmt.Errorf("%w: %s (available: %s)", ErrImageNotFoundForPlatform, p, strings.Join(offered, ", "))
}

// Platforms lists the platforms offered by the list, in order.
func (l *ManifestList) Platforms() []platform.Platform {
	out := make([]platform.Platform, 0, len(l.Manifests))
	for _, m := range l.Manifests {
		out = append(out, platform.FromOCI(m.Platform))
	}
	return out
}

type manifestKind int

const (
	kindUnknown manifestKind = iota
	kindManifest
	kindList
)

func kindOf(mediaType string) manifestKind {
	mt := strings.ToLower(strings.TrimSpace(strings.Split(mediaType, ";")[0]))
	switch mt {
	case ocispec.MediaTypeImageIndex, MediaTypeDockerManifestList:
		return kindList
	case ocispec.MediaTypeImageManifest, MediaTypeDockerManifest:
		return kindManifest
	default:
		return kindUnknown
	}
}

// decodeManifest parses body as a manifest or a list. The Content-Type is
// authoritative; when it is missing or generic the body's own mediaType is
// used, and failing that the document shape.
func decodeManifest(contentType string, body []byte) (*Manifest, *ManifestList, error) {
	kind := kindOf(contentType)
	if kind == kindUnknown {
		var probe struct {
			MediaType string            `json:"mediaType"`
			Manifests []json.RawMessage `json:"manifests"`
			Config    json.RawMessage   `json:"config"`
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			return nil, nil, fmt.Errorf("failed to decode manifest: %w", err)
		}
		kind = kindOf(probe.MediaType)
		if kind == kindUnknown && probe.MediaType == "" {
			switch {
			case len(probe.Manifests) > 0:
				kind = kindList
			case len(probe.Config) > 0:
				kind = kindManifest
			}
		}
		if kind == kindUnknown {
			mt := contentType
			if probe.MediaType != "" {
				mt = probe.MediaType
			}
			return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mt)
		}
	}

	switch kind {
	case kindList:
		var l ManifestList
		if err := json.Unmarshal(body, &l); err != nil {
			return nil, nil, fmt.Errorf("failed to decode manifest list: %w", err)
		}
		return nil, &l, nil
	default:
		var m Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, nil, fmt.Errorf("failed to decode manifest: %w", err)
		}
		if m.Config.Digest.IsZero() {
			return nil, nil, fmt.Errorf("manifest has no config descriptor")
		}
		return &m, nil, nil
	}
}
