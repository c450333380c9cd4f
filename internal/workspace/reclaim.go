package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ReclaimOptions controls which directories Reclaim may delete.
type ReclaimOptions struct {
	// MinAge protects directories modified more recently than this.
	MinAge time.Duration
	// Prefix restricts reclaim to directories with this name prefix.
	// Empty means DefaultPrefix.
	Prefix string
	// Active holds run directories currently registered in memory. These
	// are never deleted, lock marker or not.
	Active []string
}

// ReclaimResult summarizes a reclaim pass.
type ReclaimResult struct {
	Removed []string `json:"removed"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
}

// Reclaim deletes stale run directories under baseDir. A directory is
// removed only when it has no lock marker, is not in opts.Active, and is
// older than opts.MinAge. Failures are logged and counted, never returned
// per-directory; only an unreadable baseDir is an error.
func Reclaim(baseDir string, opts ReclaimOptions) (*ReclaimResult, error) {
	res := &ReclaimResult{}
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, eris.Wrapf(err, "workspace: read base %s", baseDir)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	active := make(map[string]struct{}, len(opts.Active))
	for _, d := range opts.Active {
		active[cleanAbs(d)] = struct{}{}
	}
	now := nowFunc()

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), stagingPrefix) || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		dir := filepath.Join(baseDir, e.Name())

		if HasLock(dir) {
			res.Skipped++
			continue
		}
		if _, ok := active[cleanAbs(dir)]; ok {
			res.Skipped++
			continue
		}
		info, err := e.Info()
		if err != nil {
			res.Failed++
			continue
		}
		if now.Sub(info.ModTime()) <= opts.MinAge {
			res.Skipped++
			continue
		}

		if f, err := os.Create(filepath.Join(dir, DeletingFile)); err == nil {
			_ = f.Close()
		}
		// Re-check: a run may have locked the directory since the first look.
		if HasLock(dir) {
			_ = os.Remove(filepath.Join(dir, DeletingFile))
			res.Skipped++
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			zap.L().Error("workspace: failed to remove run directory", zap.String("run_dir", dir), zap.Error(err))
			res.Failed++
			continue
		}
		zap.L().Info("workspace: reclaimed run directory", zap.String("run_dir", dir))
		res.Removed = append(res.Removed, dir)
	}

	return res, nil
}

func cleanAbs(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
