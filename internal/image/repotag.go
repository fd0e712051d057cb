package image

import (
	"strings"

	"github.com/BadgerOps/regpull/internal/reference"
	"github.com/BadgerOps/regpull/internal/safety"
)

// RepoTag renders the RepoTags entry for ref pulled from host. Images in
// the default namespace of the default registry are written in their short
// form ("foo:latest"); other repositories on the default registry drop only
// the host; everything else is fully qualified. References without a tag
// (pulled by digest alone) have no repo tag.
func RepoTag(host string, ref reference.Reference) (string, bool) {
	var tag string
	switch v := ref.(type) {
	case reference.Named:
		tag = reference.DefaultTag
	case reference.Tagged:
		tag = v.Tag
	case reference.Full:
		tag = v.Tag
	default:
		return "", false
	}
	domain, path, _ := reference.Repository(ref)
	if host == "" {
		host = domain
	}
	if host == "" {
		host = reference.DefaultDomain
	}

	if host != reference.DefaultDomain {
		return host + "/" + path + ":" + tag, true
	}
	if rest, ok := strings.CutPrefix(path, reference.DefaultNamespace+"/"); ok && !strings.Contains(rest, "/") {
		path = rest
	}
	return path + ":" + tag, true
}

// ArchiveName is the file name of the archive for a repository path:
// "library/foo" becomes "library_foo.tar".
func ArchiveName(path string) string {
	return safety.FileName(path, "image") + ".tar"
}
