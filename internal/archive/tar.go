package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// TarDirectory writes every entry under srcDir into a tar file at dest,
// using paths relative to srcDir. The archive is written under a temporary
// name and renamed into place, so dest never holds a partial archive.
func TarDirectory(srcDir, dest string) (int64, error) {
	absSrc, err := filepath.Abs(srcDir)
	if err != nil {
		return 0, err
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}
	if strings.HasPrefix(absDest, absSrc+string(filepath.Separator)) {
		return 0, fmt.Errorf("archive %s must not be inside %s", dest, srcDir)
	}

	tmp, err := os.CreateTemp(filepath.Dir(absDest), "."+filepath.Base(absDest)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	tw := tar.NewWriter(tmp)
	err = filepath.WalkDir(absSrc, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == absSrc {
			return nil
		}
		rel, err := filepath.Rel(absSrc, path)
		if err != nil {
			return err
		}
		return addEntry(tw, path, filepath.ToSlash(rel), d)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to archive %s: %w", srcDir, err)
	}
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmpName, absDest); err != nil {
		return 0, fmt.Errorf("failed to move archive into place: %w", err)
	}
	committed = true
	return info.Size(), nil
}

// addEntry adds one directory or regular file. Other file types are not
// produced by image assembly and are rejected.
func addEntry(tw *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	switch {
	case info.IsDir():
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name + "/",
			Mode:     0o755,
			ModTime:  info.ModTime(),
		})
	case info.Mode().IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0o644,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		}); err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		return err
	default:
		return fmt.Errorf("unsupported file type %s for %s", info.Mode().Type(), name)
	}
}
