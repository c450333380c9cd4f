// Package artifact provides crash-safe JSON document persistence for run
// workspaces. Writes go to a temp file in the destination directory and are
// renamed into place, so readers see either the old or the new document.
package artifact

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNotFound is returned by ReadJSON when the document does not exist.
var ErrNotFound = eris.New("artifact: not found")

// Options controls a single write.
type Options struct {
	// Backup keeps the previous document as <name>.bak before replacing it.
	Backup bool
	// NoSync skips fsync of the temp file. Only for throwaway documents.
	NoSync bool
}

// DefaultOptions backs up and syncs.
func DefaultOptions() Options {
	return Options{Backup: true}
}

// WriteJSON marshals doc with two-space indentation and writes it atomically.
func WriteJSON(doc any, path string, opts Options) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "artifact: marshal %s", filepath.Base(path))
	}
	return Write(data, path, opts)
}

// Write atomically replaces path with data.
func Write(data []byte, path string, opts Options) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "artifact: mkdir %s", dir)
	}

	if opts.Backup {
		backup(path)
	}

	tmp, err := os.CreateTemp(dir, ".tmp_*.json")
	if err != nil {
		return eris.Wrapf(err, "artifact: create temp for %s", filepath.Base(path))
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "artifact: write temp for %s", filepath.Base(path))
	}
	if !opts.NoSync {
		if err := tmp.Sync(); err != nil {
			zap.L().Debug("artifact: fsync failed, continuing",
				zap.String("path", path), zap.Error(err))
		}
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "artifact: close temp for %s", filepath.Base(path))
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "artifact: rename onto %s", filepath.Base(path))
	}
	committed = true
	return nil
}

// backup links (or copies) path to path.bak. Failures are logged only.
func backup(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	bak := path + ".bak"
	_ = os.Remove(bak)
	if err := os.Link(path, bak); err == nil {
		return
	}
	if err := copyFile(path, bak); err != nil {
		zap.L().Debug("artifact: backup failed, continuing",
			zap.String("path", path), zap.Error(err))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ReadJSON decodes the document at path into v. A missing file yields an
// error for which IsNotFound reports true.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return eris.Wrapf(ErrNotFound, "artifact: read %s", path)
		}
		return eris.Wrapf(err, "artifact: read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "artifact: decode %s", filepath.Base(path))
	}
	return nil
}

// IsNotFound reports whether err came from reading a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Exists reports whether a regular file exists at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
