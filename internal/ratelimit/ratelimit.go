// Package ratelimit implements file-backed sliding-window admission control.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/relaykit/relaykit/internal/logging"
)

// Limiter admits at most limit events within any rolling window. State
// is one JSON array of float timestamps per key; concurrent writers are
// serialised by an exclusive lock on a sidecar file.
type Limiter struct {
	key    string
	limit  int
	window time.Duration
	dir    string
	logger *logging.Logger

	now func() time.Time
}

// New creates a limiter for key under dir. The directory is created
// once here; failure to create it is fatal.
func New(key string, limit int, window time.Duration, dir string, logger *logging.Logger) (*Limiter, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limit must be at least 1 (got: %d)", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive (got: %s)", window)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rate limiter storage: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Limiter{
		key:    key,
		limit:  limit,
		window: window,
		dir:    dir,
		logger: logger.RateLimit().WithFields("key", key),
		now:    time.Now,
	}, nil
}

func (l *Limiter) statePath() string {
	return filepath.Join(l.dir, "ratelimit_"+l.key+".json")
}

func (l *Limiter) lockPath() string {
	return filepath.Join(l.dir, "ratelimit_"+l.key+".lock")
}

// unixFloat is the on-disk timestamp representation: sub-second seconds.
func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// readState loads the timestamp array. Malformed or missing JSON is
// treated as empty state.
func readState(path string) []float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var ts []float64
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil
	}
	return ts
}

func writeState(path string, ts []float64) error {
	if ts == nil {
		ts = []float64{}
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// prune drops timestamps older than now-window.
func prune(ts []float64, now, window float64) []float64 {
	cutoff := now - window
	kept := ts[:0]
	for _, t := range ts {
		if t > cutoff {
			kept = append(kept, t)
		}
	}
	return kept
}

// Allow records one event if a slot is free inside the rolling window.
// The read-filter-append cycle runs under the file lock; if the lock
// cannot be acquired the call conservatively refuses.
func (l *Limiter) Allow() bool {
	lock := flock.New(l.lockPath())
	locked, err := lock.TryLock()
	if err != nil || !locked {
		l.logger.Warn("rate limit lock unavailable, refusing", "path", l.lockPath())
		return false
	}
	defer lock.Unlock()

	now := unixFloat(l.now())
	ts := prune(readState(l.statePath()), now, l.window.Seconds())

	if len(ts) >= l.limit {
		if err := writeState(l.statePath(), ts); err != nil {
			l.logger.Warn("failed to persist pruned rate limit state", "error", err.Error())
		}
		return false
	}

	ts = append(ts, now)
	if err := writeState(l.statePath(), ts); err != nil {
		l.logger.Warn("failed to persist rate limit state", "error", err.Error())
		return false
	}
	return true
}

// Remaining returns free slots in the current window. It reads without
// the lock and may race; the value is a hint.
func (l *Limiter) Remaining() int {
	now := unixFloat(l.now())
	used := len(prune(readState(l.statePath()), now, l.window.Seconds()))
	if used >= l.limit {
		return 0
	}
	return l.limit - used
}

// ResetTime returns the seconds until at least one slot frees, zero if
// a slot is already free. Unlocked read, hint only.
func (l *Limiter) ResetTime() int {
	now := unixFloat(l.now())
	ts := prune(readState(l.statePath()), now, l.window.Seconds())
	if len(ts) < l.limit {
		return 0
	}
	oldest := ts[0]
	for _, t := range ts {
		if t < oldest {
			oldest = t
		}
	}
	return int(math.Ceil(oldest + l.window.Seconds() - now))
}

// Reset discards all recorded events for the key.
func (l *Limiter) Reset() bool {
	if err := os.Remove(l.statePath()); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to reset rate limit state", "error", err.Error())
		return false
	}
	return true
}

// Cleanup prunes expired timestamps without recording an event. Runs
// under the lock like Allow.
func (l *Limiter) Cleanup() bool {
	lock := flock.New(l.lockPath())
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return false
	}
	defer lock.Unlock()

	now := unixFloat(l.now())
	ts := prune(readState(l.statePath()), now, l.window.Seconds())
	if err := writeState(l.statePath(), ts); err != nil {
		l.logger.Warn("failed to persist cleaned rate limit state", "error", err.Error())
		return false
	}
	return true
}

// Stats is a point-in-time snapshot of a limiter.
type Stats struct {
	Key           string `json:"key"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
	Used          int    `json:"used"`
	Remaining     int    `json:"remaining"`
	ResetSeconds  int    `json:"reset_seconds"`
}

// Stats reports the limiter state. Unlocked read, hint only.
func (l *Limiter) Stats() Stats {
	now := unixFloat(l.now())
	used := len(prune(readState(l.statePath()), now, l.window.Seconds()))
	remaining := l.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Key:           l.key,
		Limit:         l.limit,
		WindowSeconds: int(l.window.Seconds()),
		Used:          used,
		Remaining:     remaining,
		ResetSeconds:  l.ResetTime(),
	}
}
