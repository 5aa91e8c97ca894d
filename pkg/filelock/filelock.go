package filelock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quorumgrid/nodepool/pkg/log"
	"github.com/quorumgrid/nodepool/pkg/metrics"
	"github.com/quorumgrid/nodepool/pkg/types"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultStaleGrace   = 30 * time.Second

	lockSuffix = ".lock"
)

// Locker acquires named advisory locks backed by exclusive file creation
// in a shared lock directory. It is safe across separate OS processes:
// mutual exclusion relies on the atomicity of O_CREATE|O_EXCL, not on
// in-process state.
type Locker struct {
	dir          string
	pollInterval time.Duration
	staleGrace   time.Duration
	logger       zerolog.Logger
}

// NewLocker creates a Locker rooted at dir. The directory is created on
// first acquisition if it does not exist.
func NewLocker(dir string) *Locker {
	return &Locker{
		dir:          dir,
		pollInterval: defaultPollInterval,
		staleGrace:   defaultStaleGrace,
		logger:       log.WithComponent("filelock"),
	}
}

// WithPollInterval sets the retry interval used while waiting for a lock
func (l *Locker) WithPollInterval(d time.Duration) *Locker {
	l.pollInterval = d
	return l
}

// WithStaleGrace sets the minimum age before a dead holder's lock file
// may be reclaimed
func (l *Locker) WithStaleGrace(d time.Duration) *Locker {
	l.staleGrace = d
	return l
}

// Dir returns the lock directory path
func (l *Locker) Dir() string {
	return l.dir
}

// PollInterval returns the configured retry interval
func (l *Locker) PollInterval() time.Duration {
	return l.pollInterval
}

// Lock is a held named lock. Release is idempotent and safe to call on
// all exit paths.
type Lock struct {
	name   string
	path   string
	holder types.HolderInfo

	mu       sync.Mutex
	released bool
}

// Name returns the logical lock name
func (lk *Lock) Name() string {
	return lk.name
}

// Path returns the lock file path
func (lk *Lock) Path() string {
	return lk.path
}

// Holder returns the identity recorded in the lock file
func (lk *Lock) Holder() types.HolderInfo {
	return lk.holder
}

// Acquire blocks until the named lock is obtained or timeout elapses.
// The wait is a bounded poll: each round attempts an exclusive create,
// then checks whether an existing lock file is stale and reclaimable.
// On timeout a *types.LockTimeoutError is returned.
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	start := time.Now()
	deadline := start.Add(timeout)
	holder := newHolder()

	for {
		lk, err := l.try(name, holder)
		if err == nil {
			metrics.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
			metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return lk, nil
		}
		if !os.IsExist(err) {
			metrics.LockAcquisitionsTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		l.maybeReclaim(name)

		if time.Now().After(deadline) {
			metrics.LockAcquisitionsTotal.WithLabelValues("timeout").Inc()
			return nil, &types.LockTimeoutError{Resources: []string{name}, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock acquisition cancelled for %q: %w", name, ctx.Err())
		case <-time.After(l.jitteredPoll()):
		}
	}
}

// TryAcquire attempts a single non-blocking acquisition. It returns
// (nil, false, nil) when the lock is currently held by someone else.
// A lock file left behind by a dead holder is reclaimed on the way, so
// crashed workers cannot wedge a name for non-blocking callers either.
func (l *Locker) TryAcquire(name string) (*Lock, bool, error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		lk, err := l.try(name, newHolder())
		if err == nil {
			metrics.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
			return lk, true, nil
		}
		if !os.IsExist(err) {
			return nil, false, err
		}
		if !l.maybeReclaim(name) {
			break
		}
	}
	return nil, false, nil
}

// WithLock runs fn while holding the named lock, releasing it on every
// exit path including panics.
func (l *Locker) WithLock(ctx context.Context, name string, timeout time.Duration, fn func() error) error {
	lk, err := l.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer lk.Release()

	return fn()
}

// Release removes the lock file if it is still owned by this holder.
// Releasing an already-released lock is a no-op. If the file was
// reclaimed by another process in the meantime it is left alone.
func (lk *Lock) Release() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.released {
		return nil
	}
	lk.released = true

	data, err := os.ReadFile(lk.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock file %s: %w", lk.path, err)
	}

	var h types.HolderInfo
	if err := json.Unmarshal(data, &h); err == nil && h.HolderID != lk.holder.HolderID {
		// Someone reclaimed the file after deciding we were dead.
		lg := log.WithResource(lk.name)
		lg.Warn().
			Str("current_holder", h.HolderID).
			Msg("lock file no longer ours, skipping removal")
		return nil
	}

	if err := os.Remove(lk.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file %s: %w", lk.path, err)
	}

	return nil
}

// Holder reads the current holder of a named lock without acquiring it.
// Returns (nil, nil) when the lock is not held.
func (l *Locker) Holder(name string) (*types.HolderInfo, error) {
	data, err := os.ReadFile(l.lockPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var h types.HolderInfo
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("corrupt lock file for %q: %w", name, err)
	}

	return &h, nil
}

// List returns the names of all currently existing locks in the directory
func (l *Locker) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := trimLockSuffix(e.Name()); ok {
			names = append(names, n)
		}
	}
	return names, nil
}

// SweepStale reclaims every stale lock in the directory and returns the
// names that were removed. Used by "nodepool clean".
func (l *Locker) SweepStale() ([]string, error) {
	names, err := l.List()
	if err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, name := range names {
		if l.maybeReclaim(name) {
			reclaimed = append(reclaimed, name)
		}
	}
	return reclaimed, nil
}

// Private helpers

func (l *Locker) lockPath(name string) string {
	return filepath.Join(l.dir, name+lockSuffix)
}

func trimLockSuffix(filename string) (string, bool) {
	if len(filename) <= len(lockSuffix) || filename[len(filename)-len(lockSuffix):] != lockSuffix {
		return "", false
	}
	return filename[:len(filename)-len(lockSuffix)], true
}

func (l *Locker) try(name string, holder types.HolderInfo) (*Lock, error) {
	path := l.lockPath(name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(holder)
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Leave no half-written lock behind.
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	return &Lock{name: name, path: path, holder: holder}, nil
}

// maybeReclaim removes the lock file for name if its recorded holder is
// provably gone. Liveness can only be checked for holders on the same
// host; locks from other hosts are never reclaimed. Reports whether the
// file was removed.
func (l *Locker) maybeReclaim(name string) bool {
	path := l.lockPath(name)

	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	if time.Since(fi.ModTime()) < l.staleGrace {
		return false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var h types.HolderInfo
	if err := json.Unmarshal(data, &h); err != nil || h.PID == 0 {
		// Crash mid-write: an old unreadable lock file is fair game.
		l.removeStale(path, name, "unreadable")
		return true
	}

	hostname, _ := os.Hostname()
	if h.Hostname != hostname {
		return false
	}
	if processAlive(h.PID) {
		return false
	}

	l.removeStale(path, name, h.HolderID)
	return true
}

func (l *Locker) removeStale(path, name, holderID string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.logger.Error().Err(err).Str("lock", name).Msg("failed to remove stale lock")
		return
	}
	metrics.StaleLocksReclaimedTotal.Inc()
	l.logger.Warn().
		Str("lock", name).
		Str("holder_id", holderID).
		Msg("reclaimed stale lock from dead holder")
}

func (l *Locker) jitteredPoll() time.Duration {
	// Jitter desynchronizes workers that all woke up on the same release.
	return l.pollInterval + time.Duration(rand.Int63n(int64(l.pollInterval/2)+1))
}

func newHolder() types.HolderInfo {
	hostname, _ := os.Hostname()
	return types.HolderInfo{
		HolderID:   uuid.New().String(),
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
	}
}
