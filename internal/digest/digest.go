// Package digest implements the algorithm-prefixed content hash used to
// address manifests and blobs.
package digest

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"strings"

	godigest "github.com/opencontainers/go-digest"
)

// MinHexLength is the shortest encoded portion accepted by Parse.
const MinHexLength = 32

var (
	// ErrInvalidDigestFormat is returned when a string is not algorithm:hex.
	ErrInvalidDigestFormat = errors.New("invalid digest format")

	// ErrUnsupportedAlgorithm is returned for algorithms outside the known set.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
)

var knownAlgorithms = map[string]godigest.Algorithm{
	"sha256": godigest.SHA256,
	"sha384": godigest.SHA384,
	"sha512": godigest.SHA512,
}

// Digest identifies immutable content by hash. The zero value is not a
// valid digest; use Parse or FromBytes.
type Digest struct {
	algorithm string
	hex       string
}

// Parse validates s and returns its Digest. Hex is normalized to lowercase so
// that equality is by canonical string.
func Parse(s string) (Digest, error) {
	algo, hexPart, ok := strings.Cut(s, ":")
	if !ok || algo == "" || hexPart == "" {
		return Digest{}, fmt.Errorf("%w: %q: expected algorithm:hex", ErrInvalidDigestFormat, s)
	}
	if _, known := knownAlgorithms[algo]; !known {
		return Digest{}, fmt.Errorf("%w: %q: %w", ErrInvalidDigestFormat, s, ErrUnsupportedAlgorithm)
	}
	if len(hexPart) < MinHexLength {
		return Digest{}, fmt.Errorf("%w: %q: hex shorter than %d characters", ErrInvalidDigestFormat, s, MinHexLength)
	}
	for i := 0; i < len(hexPart); i++ {
		if !isHex(hexPart[i]) {
			return Digest{}, fmt.Errorf("%w: %q: non-hex character at offset %d", ErrInvalidDigestFormat, s, i)
		}
	}
	return Digest{algorithm: algo, hex: strings.ToLower(hexPart)}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Digest {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromBytes returns the sha256 digest of b.
func FromBytes(b []byte) Digest {
	return fromGo(godigest.SHA256.FromBytes(b))
}

func fromGo(d godigest.Digest) Digest {
	return Digest{algorithm: string(d.Algorithm()), hex: d.Encoded()}
}

// Algorithm returns the hash algorithm name, e.g. "sha256".
func (d Digest) Algorithm() string { return d.algorithm }

// Hex returns the encoded hash.
func (d Digest) Hex() string { return d.hex }

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool { return d.algorithm == "" && d.hex == "" }

func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.algorithm + ":" + d.hex
}

// Matches recomputes the named hash over b and compares it to d.
func (d Digest) Matches(b []byte) bool {
	algo, ok := knownAlgorithms[d.algorithm]
	if !ok {
		return false
	}
	return strings.EqualFold(algo.FromBytes(b).Encoded(), d.hex)
}

// Verifier returns a writer that accumulates content and reports whether it
// hashes to d. It is used to verify streamed blobs without buffering them.
func (d Digest) Verifier() godigest.Verifier {
	return godigest.NewDigestFromEncoded(knownAlgorithms[d.algorithm], d.hex).Verifier()
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
