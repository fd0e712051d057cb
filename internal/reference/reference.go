// Package reference parses image references such as
// "registry.example.com:5000/team/app:v1@sha256:..." into typed values.
//
// A reference is one of five variants: Named, Tagged, DigestOnly, Canonical
// and Full. String and Target dispatch over the variant in one place each.
package reference

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BadgerOps/regpull/internal/digest"
)

const (
	// NameTotalLengthMax is the longest domain/path accepted.
	NameTotalLengthMax = 255

	// DefaultDomain is the registry host used for names without a domain.
	DefaultDomain = "registry-1.docker.io"

	// DefaultNamespace is prepended to single-segment paths on DefaultDomain.
	DefaultNamespace = "library"

	// DefaultTag is the target of a reference that names no tag or digest.
	DefaultTag = "latest"
)

// legacyDomains are aliases that resolve to DefaultDomain.
var legacyDomains = map[string]struct{}{
	"index.docker.io": {},
	"docker.io":       {},
}

var (
	ErrNameEmpty              = errors.New("repository name must have at least one component")
	ErrNameContainsUppercase  = errors.New("repository name must be lowercase")
	ErrReferenceInvalidFormat = errors.New("invalid reference format")
	ErrNameTooLong            = fmt.Errorf("repository name must not be more than %d characters", NameTotalLengthMax)
	ErrNameNotCanonical       = errors.New("repository name must not be a 64-byte hexadecimal string")
)

// ParseError attributes a parse failure to a grammar production.
type ParseError struct {
	Production string
	Input      string
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s %q: %v", e.Production, e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Reference is implemented by Named, Tagged, DigestOnly, Canonical and Full.
type Reference interface {
	// String returns the canonical textual form; Parse(r.String()) yields an
	// equal reference.
	String() string
	// Target is the manifest reference used on the wire: the tag for
	// tag-bearing variants, otherwise the digest.
	Target() string

	isReference()
}

// Named is a repository without tag or digest.
type Named struct {
	Domain string
	Path   string
}

// Tagged is a repository with a tag.
type Tagged struct {
	Domain string
	Path   string
	Tag    string
}

// DigestOnly is a bare content digest.
type DigestOnly struct {
	Digest digest.Digest
}

// Canonical is a repository pinned by digest.
type Canonical struct {
	Domain string
	Path   string
	Digest digest.Digest
}

// Full carries both a tag and a digest.
type Full struct {
	Domain string
	Path   string
	Tag    string
	Digest digest.Digest
}

func (Named) isReference()      {}
func (Tagged) isReference()     {}
func (DigestOnly) isReference() {}
func (Canonical) isReference()  {}
func (Full) isReference()       {}

func (r Named) String() string      { return format(r) }
func (r Tagged) String() string     { return format(r) }
func (r DigestOnly) String() string { return format(r) }
func (r Canonical) String() string  { return format(r) }
func (r Full) String() string       { return format(r) }

func (r Named) Target() string      { return target(r) }
func (r Tagged) Target() string     { return target(r) }
func (r DigestOnly) Target() string { return target(r) }
func (r Canonical) Target() string  { return target(r) }
func (r Full) Target() string       { return target(r) }

func format(r Reference) string {
	switch v := r.(type) {
	case Named:
		return joinName(v.Domain, v.Path)
	case Tagged:
		return joinName(v.Domain, v.Path) + ":" + v.Tag
	case DigestOnly:
		return v.Digest.String()
	case Canonical:
		return joinName(v.Domain, v.Path) + "@" + v.Digest.String()
	case Full:
		return joinName(v.Domain, v.Path) + ":" + v.Tag + "@" + v.Digest.String()
	}
	return ""
}

func target(r Reference) string {
	switch v := r.(type) {
	case Named:
		return DefaultTag
	case Tagged:
		return v.Tag
	case DigestOnly:
		return v.Digest.String()
	case Canonical:
		return v.Digest.String()
	case Full:
		return v.Tag
	}
	return ""
}

func joinName(domain, path string) string {
	if domain == "" {
		return path
	}
	return domain + "/" + path
}

// Repository returns the domain and path of r. ok is false for DigestOnly.
func Repository(r Reference) (domain, path string, ok bool) {
	switch v := r.(type) {
	case Named:
		return v.Domain, v.Path, true
	case Tagged:
		return v.Domain, v.Path, true
	case Canonical:
		return v.Domain, v.Path, true
	case Full:
		return v.Domain, v.Path, true
	}
	return "", "", false
}

// TagOf returns the tag carried by r, if any.
func TagOf(r Reference) (string, bool) {
	switch v := r.(type) {
	case Tagged:
		return v.Tag, true
	case Full:
		return v.Tag, true
	}
	return "", false
}

// DigestOf returns the digest carried by r, if any.
func DigestOf(r Reference) (digest.Digest, bool) {
	switch v := r.(type) {
	case DigestOnly:
		return v.Digest, true
	case Canonical:
		return v.Digest, true
	case Full:
		return v.Digest, true
	}
	return digest.Digest{}, false
}

// Parse parses s into a syntactically valid Reference. It does not apply
// any domain normalization; see ParseNormalizedNamed.
//
// Only "@<digest>" parses as DigestOnly. A bare "sha256:<hex>" is a path
// with a tag like any other input.
func Parse(s string) (Reference, error) {
	if s == "" {
		return nil, &ParseError{Production: ProductionReference, Input: s, Err: ErrNameEmpty}
	}

	name, tag, dgst, prod, ok := splitReference(s)
	if !ok {
		return nil, &ParseError{Production: prod, Input: s, Err: classify(s)}
	}

	var d digest.Digest
	hasDigest := dgst != ""
	if hasDigest {
		parsed, err := digest.Parse(dgst)
		if err != nil {
			return nil, &ParseError{Production: ProductionDigest, Input: s, Err: err}
		}
		d = parsed
	}

	if name == "" {
		if hasDigest && tag == "" {
			return DigestOnly{Digest: d}, nil
		}
		return nil, &ParseError{Production: ProductionName, Input: s, Err: ErrNameEmpty}
	}
	domain, path, prod, ok := splitName(name)
	if !ok {
		return nil, &ParseError{Production: prod, Input: s, Err: classify(s)}
	}
	if len(name) > NameTotalLengthMax {
		return nil, &ParseError{Production: ProductionName, Input: s, Err: ErrNameTooLong}
	}

	switch {
	case tag == "" && !hasDigest:
		return Named{Domain: domain, Path: path}, nil
	case tag == "":
		return Canonical{Domain: domain, Path: path, Digest: d}, nil
	case !hasDigest:
		return Tagged{Domain: domain, Path: path, Tag: tag}, nil
	default:
		return Full{Domain: domain, Path: path, Tag: tag, Digest: d}, nil
	}
}

// splitReference splits s into name, tag and digest text, validating the tag
// and digest productions. The name is validated separately by splitName.
func splitReference(s string) (name, tag, dgst, production string, ok bool) {
	name, dgst, hasDigest := strings.Cut(s, "@")
	if hasDigest && !matchDigest(dgst) {
		return "", "", "", ProductionDigest, false
	}
	if i := strings.LastIndexByte(name, ':'); i >= 0 && i > strings.LastIndexByte(name, '/') {
		name, tag = name[:i], name[i+1:]
		if !matchTag(tag) {
			return "", "", "", ProductionTag, false
		}
	}
	return name, tag, dgst, "", true
}

// splitName separates an optional leading domain from the path. A leading
// component that is a valid domain is always taken as the domain when the
// remainder is a valid path.
func splitName(name string) (domain, path, production string, ok bool) {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		if matchDomain(name[:i]) && matchPath(name[i+1:]) {
			return name[:i], name[i+1:], "", true
		}
		if matchPath(name) {
			return "", name, "", true
		}
		if strings.ContainsAny(name[:i], ".:[") && !matchDomain(name[:i]) {
			return "", "", ProductionDomain, false
		}
		return "", "", ProductionPath, false
	}
	if matchPath(name) {
		return "", name, "", true
	}
	return "", "", ProductionPath, false
}

func classify(s string) error {
	if s == "" {
		return ErrNameEmpty
	}
	if strings.ToLower(s) != s {
		return ErrNameContainsUppercase
	}
	return ErrReferenceInvalidFormat
}

// SplitDockerDomain splits name into a registry host and remainder. Names
// without a recognizable host go to DefaultDomain, and single-segment paths on
// DefaultDomain are placed under DefaultNamespace.
func SplitDockerDomain(name string) (domain, remainder string) {
	i := strings.IndexByte(name, '/')
	if i == -1 || (!strings.ContainsAny(name[:i], ".:") && name[:i] != "localhost") {
		domain, remainder = DefaultDomain, name
	} else {
		domain, remainder = name[:i], name[i+1:]
	}
	if _, ok := legacyDomains[domain]; ok {
		domain = DefaultDomain
	}
	if domain == DefaultDomain && !strings.ContainsRune(remainder, '/') {
		remainder = DefaultNamespace + "/" + remainder
	}
	return domain, remainder
}

// ParseNormalizedNamed parses a user-supplied reference, filling in the
// default domain and namespace. The result always carries a domain.
func ParseNormalizedNamed(s string) (Reference, error) {
	if matchIdentifier(s) {
		return nil, &ParseError{Production: ProductionName, Input: s, Err: ErrNameNotCanonical}
	}
	domain, remainder := SplitDockerDomain(s)
	remoteName, _, _ := strings.Cut(remainder, "@")
	if i := strings.LastIndexByte(remoteName, ':'); i >= 0 {
		remoteName = remoteName[:i]
	}
	if strings.ToLower(remoteName) != remoteName {
		return nil, &ParseError{Production: ProductionPath, Input: s, Err: ErrNameContainsUppercase}
	}
	ref, err := Parse(domain + "/" + remainder)
	if err != nil {
		return nil, err
	}
	if _, ok := ref.(DigestOnly); ok {
		return nil, &ParseError{Production: ProductionName, Input: s, Err: ErrReferenceInvalidFormat}
	}
	return ref, nil
}

// FamiliarString is the short form the Docker CLI shows: DefaultDomain is
// dropped, and so is DefaultNamespace for single-segment images.
func FamiliarString(r Reference) string {
	domain, path, ok := Repository(r)
	if !ok {
		return r.String()
	}
	name := joinName(domain, path)
	if domain == DefaultDomain {
		name = path
		if rest, found := strings.CutPrefix(path, DefaultNamespace+"/"); found && !strings.ContainsRune(rest, '/') {
			name = rest
		}
	}
	if tag, ok := TagOf(r); ok {
		name += ":" + tag
	}
	if d, ok := DigestOf(r); ok {
		name += "@" + d.String()
	}
	return name
}
