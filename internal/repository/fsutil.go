package repository

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/racai-ai/saroj/constants"
)

// writeFunc writes data to path so that readers observe either the old
// content or the complete new content. Tests replace it to inject faults.
type writeFunc func(path string, data []byte, perm os.FileMode) error

// writeFileAtomicDurable writes via temp file + fsync + rename + dir fsync.
func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpName, err := writeTemp(dir, filepath.Base(path), data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return fsyncDir(dir)
}

// createFileExclusive commits data under path only if path does not exist yet.
// The hard link fails with os.ErrExist, which makes name allocation exclusive.
func createFileExclusive(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpName, err := writeTemp(dir, filepath.Base(path), data, perm)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()

	if err := os.Link(tmpName, path); err != nil {
		return err
	}
	return fsyncDir(dir)
}

// writeTemp writes a fully synced temp file next to the destination.
func writeTemp(dir, base string, data []byte, perm os.FileMode) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, base+constants.TempFileMarker+"*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if n != int64(len(data)) {
		return "", fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if err := tmp.Chmod(perm); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	committed = true
	return tmpName, nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func ensureDirs(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// containedPath joins name onto dir and rejects anything that would not be
// a direct child of dir.
func containedPath(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return "", fmt.Errorf("invalid name %q", name)
	}
	p := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return "", err
	}
	if rel != name || filepath.Dir(p) != filepath.Clean(dir) {
		return "", fmt.Errorf("path %q escapes %q", p, dir)
	}
	return p, nil
}

// nonEmptyFile reports whether path is a regular file with content.
func nonEmptyFile(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return fi.Mode().IsRegular() && fi.Size() > 0, nil
}

func isTempName(name string) bool {
	return strings.Contains(name, constants.TempFileMarker) || strings.HasPrefix(name, ".")
}
