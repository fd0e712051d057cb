// Package platform describes the OS/architecture/variant an image targets.
package platform

import (
	"fmt"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform identifies a runtime target. Values are compared exactly; an
// empty Variant only matches another empty Variant.
type Platform struct {
	OS           string `json:"os" yaml:"os"`
	Architecture string `json:"architecture" yaml:"architecture"`
	Variant      string `json:"variant,omitempty" yaml:"variant,omitempty"`
}

// Default is the platform pulled when none is requested.
func Default() Platform {
	return Platform{OS: "linux", Architecture: "amd64"}
}

// Parse reads "os/arch" or "os/arch/variant".
func Parse(s string) (Platform, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) < 2 || len(parts) > 3 {
		return Platform{}, fmt.Errorf("invalid platform %q: expected os/arch[/variant]", s)
	}
	for _, p := range parts {
		if p == "" {
			return Platform{}, fmt.Errorf("invalid platform %q: empty component", s)
		}
	}
	p := Platform{OS: strings.ToLower(parts[0]), Architecture: strings.ToLower(parts[1])}
	if len(parts) == 3 {
		p.Variant = strings.ToLower(parts[2])
	}
	return p, nil
}

// FromOCI converts a manifest-list platform entry. A nil entry yields the
// zero Platform, which matches nothing but another zero Platform.
func FromOCI(p *ocispec.Platform) Platform {
	if p == nil {
		return Platform{}
	}
	return Platform{OS: p.OS, Architecture: p.Architecture, Variant: p.Variant}
}

// Equal reports whether OS, architecture and variant all match.
func (p Platform) Equal(other Platform) bool {
	return p.OS == other.OS && p.Architecture == other.Architecture && p.Variant == other.Variant
}

func (p Platform) String() string {
	if p.Variant == "" {
		return p.OS + "/" + p.Architecture
	}
	return p.OS + "/" + p.Architecture + "/" + p.Variant
}
