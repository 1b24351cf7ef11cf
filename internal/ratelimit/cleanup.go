package ratelimit

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// CleanupContext carries what a maintenance sweep actually needs: the
// directory holding state files and the window to prune against. No
// per-key limits are involved in cleanup.
type CleanupContext struct {
	Dir    string
	Window time.Duration
}

// CleanupResult counts the outcome of a sweep.
type CleanupResult struct {
	Processed int `json:"processed"`
	Cleaned   int `json:"cleaned"`
	Deleted   int `json:"deleted"`
	Errors    int `json:"errors"`
}

// CleanupAll prunes every ratelimit_*.json state file under ctx.Dir.
// Files left empty after pruning are removed.
func CleanupAll(ctx CleanupContext) (CleanupResult, error) {
	var res CleanupResult

	matches, err := filepath.Glob(filepath.Join(ctx.Dir, "ratelimit_*.json"))
	if err != nil {
		return res, err
	}

	for _, path := range matches {
		res.Processed++

		lockPath := strings.TrimSuffix(path, ".json") + ".lock"
		lock := flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil || !locked {
			res.Errors++
			continue
		}

		now := unixFloat(time.Now())
		before := readState(path)
		after := prune(before, now, ctx.Window.Seconds())

		switch {
		case len(after) == 0:
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				res.Errors++
			} else {
				res.Deleted++
			}
		case len(after) < len(before):
			if err := writeState(path, after); err != nil {
				res.Errors++
			} else {
				res.Cleaned++
			}
		default:
			if err := writeState(path, after); err != nil {
				res.Errors++
			}
		}

		lock.Unlock()
	}

	return res, nil
}
