package image

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/BadgerOps/regpull/internal/digest"
	"github.com/BadgerOps/regpull/internal/reference"
	"github.com/BadgerOps/regpull/internal/safety"
)

// PullSession is the transient state of one pull. It owns Dir and removes
// it on Close, whether or not the pull succeeded.
type PullSession struct {
	Reference reference.Reference
	Header    http.Header
	Dir       string

	// LayerPaths maps a layer digest to its layer.tar once decompressed.
	LayerPaths map[digest.Digest]string
}

func newSession(saveDir string, ref reference.Reference, header http.Header) (*PullSession, error) {
	_, path, _ := reference.Repository(ref)
	dir, err := os.MkdirTemp(saveDir, ".regpull-"+safety.FileName(path, "image")+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	return &PullSession{
		Reference:  ref,
		Header:     header,
		Dir:        dir,
		LayerPaths: make(map[digest.Digest]string),
	}, nil
}

// layerDir is the digest-named directory holding a layer's layer.tar.
func (s *PullSession) layerDir(d digest.Digest) string {
	return filepath.Join(s.Dir, d.Hex())
}

// Close removes the session's working directory.
func (s *PullSession) Close() error {
	if s.Dir == "" {
		return nil
	}
	err := os.RemoveAll(s.Dir)
	s.Dir = ""
	return err
}
