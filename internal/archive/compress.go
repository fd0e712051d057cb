// Package archive turns registry layer blobs into plain tar files and packs
// an assembled image directory into a single tar archive.
package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	godigest "github.com/opencontainers/go-digest"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/regpull/internal/digest"
)

// Compression identifies a layer encoding.
type Compression int

const (
	Uncompressed Compression = iota
	Gzip
	Zstd
	Xz
	Bzip2
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case Xz:
		return "xz"
	case Bzip2:
		return "bzip2"
	default:
		return "none"
	}
}

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic    = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
	bzip2Magic = []byte{0x42, 0x5a, 0x68}
)

// ErrCompressionMismatch is returned when a layer's media type declares a
// compression its content does not carry.
var ErrCompressionMismatch = errors.New("layer content does not match declared compression")

// CompressionFromMediaType maps a layer media type to its compression. ok is
// false when the media type does not say.
func CompressionFromMediaType(mediaType string) (c Compression, ok bool) {
	mt := strings.ToLower(mediaType)
	switch {
	case strings.HasSuffix(mt, "+gzip"), strings.HasSuffix(mt, ".tar.gzip"):
		return Gzip, true
	case strings.HasSuffix(mt, "+zstd"):
		return Zstd, true
	case strings.HasSuffix(mt, "+xz"):
		return Xz, true
	case strings.HasSuffix(mt, ".tar"):
		return Uncompressed, true
	default:
		return Uncompressed, false
	}
}

// Detect reports the compression of the stream behind r from its magic
// bytes without consuming them.
func Detect(r *bufio.Reader) (Compression, error) {
	head, err := r.Peek(len(xzMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return Uncompressed, err
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip, nil
	case bytes.HasPrefix(head, zstdMagic):
		return Zstd, nil
	case bytes.HasPrefix(head, xzMagic):
		return Xz, nil
	case bytes.HasPrefix(head, bzip2Magic):
		return Bzip2, nil
	default:
		return Uncompressed, nil
	}
}

// DecompressResult describes a decompressed layer.
type DecompressResult struct {
	Compression Compression
	Size        int64
	// DiffID is the sha256 of the uncompressed tar.
	DiffID digest.Digest
}

// Decompress writes the uncompressed form of the blob at src to dst. The
// encoding is taken from the content; mediaType is checked against it.
// dst is removed if decompression fails.
func Decompress(src, dst, mediaType string) (*DecompressResult, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open layer blob: %w", err)
	}
	defer in.Close()

	br := bufio.NewReader(in)
	detected, err := Detect(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read layer header: %w", err)
	}
	if declared, ok := CompressionFromMediaType(mediaType); ok && declared != Uncompressed && declared != detected {
		return nil, fmt.Errorf("%w: %s declares %s, found %s", ErrCompressionMismatch, mediaType, declared, detected)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dst, err)
	}
	res, err := decompressTo(out, br, detected)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("failed to decompress layer (%s): %w", detected, err)
	}
	return res, nil
}

func decompressTo(w io.Writer, r io.Reader, c Compression) (*DecompressResult, error) {
	var src io.Reader
	switch c {
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		src = zr
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		src = zr
	case Xz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		src = xr
	case Bzip2:
		src = bzip2.NewReader(r)
	default:
		src = r
	}

	digester := godigest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(w, digester.Hash()), src)
	if err != nil {
		return nil, err
	}
	diffID, err := digest.Parse(digester.Digest().String())
	if err != nil {
		return nil, err
	}
	return &DecompressResult{Compression: c, Size: n, DiffID: diffID}, nil
}
