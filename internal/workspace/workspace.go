// Package workspace allocates and reclaims per-run directory trees.
package workspace

import (
	"crypto/rand"
	"errors"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	// LockFile marks a run directory as owned by a live process.
	LockFile = ".pipeline.lock"
	// DeletingFile is touched just before a reclaimed directory is removed.
	DeletingFile = ".deleting"

	// stagingPrefix names directories still being built by Allocate.
	stagingPrefix = ".alloc_"

	InputsDir  = "inputs"
	OutputsDir = "outputs"

	// DefaultPrefix is prepended to every run directory name.
	DefaultPrefix = "run_"

	suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffixLen      = 6
	maxAttempts    = 16
)

// nowFunc allows test injection of time.
var nowFunc = time.Now

// Allocate creates a uniquely named run directory under baseDir with inputs/
// and outputs/ subdirectories and a lock marker holding the current pid.
// The name is <prefix><UTC timestamp>_<6 random [a-z0-9]>.
//
// The tree is built under a hidden staging name and renamed into place, so
// the run directory is never visible without its lock marker.
func Allocate(baseDir, prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", eris.Wrapf(err, "workspace: create base %s", baseDir)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		suffix, err := randomSuffix()
		if err != nil {
			return "", err
		}
		name := prefix + nowFunc().UTC().Format("20060102T150405Z") + "_" + suffix
		dir := filepath.Join(baseDir, name)
		staging := filepath.Join(baseDir, stagingPrefix+name)

		// Mkdir (not MkdirAll) fails on an existing name, which is what
		// makes concurrent allocations collision free.
		if err := os.Mkdir(staging, 0o755); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return "", eris.Wrapf(err, "workspace: create %s", name)
		}
		if err := populate(staging); err != nil {
			_ = os.RemoveAll(staging)
			return "", eris.Wrapf(err, "workspace: prepare %s", name)
		}

		// Every allocated directory is non-empty, so renaming onto one
		// fails instead of replacing it.
		if err := os.Rename(staging, dir); err != nil {
			_ = os.RemoveAll(staging)
			if errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOTEMPTY) {
				continue
			}
			return "", eris.Wrapf(err, "workspace: publish %s", name)
		}

		zap.L().Info("workspace: allocated run directory", zap.String("run_dir", dir))
		return dir, nil
	}

	return "", eris.Errorf("workspace: could not allocate unique directory after %d attempts", maxAttempts)
}

func populate(dir string) error {
	if err := WriteLock(dir); err != nil {
		return err
	}
	for _, sub := range []string{InputsDir, OutputsDir} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			return eris.Wrapf(err, "workspace: create %s", sub)
		}
	}
	return nil
}

func randomSuffix() (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := 0; i < suffixLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", eris.Wrap(err, "workspace: random suffix")
		}
		sb.WriteByte(suffixAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// WriteLock writes the lock marker containing the current pid.
func WriteLock(runDir string) error {
	path := filepath.Join(runDir, LockFile)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return eris.Wrapf(err, "workspace: write lock %s", path)
	}
	return nil
}

// RemoveLock deletes the lock marker. A missing marker is not an error.
func RemoveLock(runDir string) error {
	err := os.Remove(filepath.Join(runDir, LockFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "workspace: remove lock in %s", runDir)
	}
	return nil
}

// HasLock reports whether the lock marker is present.
func HasLock(runDir string) bool {
	_, err := os.Stat(filepath.Join(runDir, LockFile))
	return err == nil
}

// LockOwner returns the pid recorded in the lock marker, or 0.
func LockOwner(runDir string) int {
	data, err := os.ReadFile(filepath.Join(runDir, LockFile))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
