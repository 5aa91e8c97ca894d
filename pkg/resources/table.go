package resources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumgrid/nodepool/pkg/filelock"
	"github.com/quorumgrid/nodepool/pkg/log"
	"github.com/quorumgrid/nodepool/pkg/types"
)

// Table maps logical resource names to file locks in the lock directory
// and supports acquiring a set of names atomically.
type Table struct {
	locker *filelock.Locker
	logger zerolog.Logger
}

// NewTable creates a Table backed by the given Locker
func NewTable(locker *filelock.Locker) *Table {
	return &Table{
		locker: locker,
		logger: log.WithComponent("resources"),
	}
}

// Held is a set of resource locks granted by a single AcquireAll call.
// Release is idempotent and releases in reverse acquisition order.
type Held struct {
	locks []*filelock.Lock

	mu       sync.Mutex
	released bool
}

// Names returns the held resource names in acquisition order
func (h *Held) Names() []string {
	names := make([]string, len(h.locks))
	for i, lk := range h.locks {
		names[i] = lk.Name()
	}
	return names
}

// Release releases all held locks. Releasing an already-released set is
// a no-op. The first error is returned but release continues for the
// remaining locks so nothing stays behind.
func (h *Held) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true

	var firstErr error
	for i := len(h.locks) - 1; i >= 0; i-- {
		if err := h.locks[i].Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AcquireAll locks every name in the set or none of them. Names are
// deduplicated and locked in sorted order so that concurrent workers
// requesting overlapping sets cannot deadlock on ordering. If any name
// cannot be locked within the remaining timeout budget, all locks taken
// so far in this call are released and a *types.PartialAcquisitionError
// is returned.
func (t *Table) AcquireAll(ctx context.Context, names []string, timeout time.Duration) (*Held, error) {
	sorted := dedupeSorted(names)

	held := &Held{}
	deadline := time.Now().Add(timeout)

	for _, name := range sorted {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = 0
		}

		lk, err := t.locker.Acquire(ctx, name, remaining)
		if err != nil {
			acquired := held.Names()
			if rerr := held.Release(); rerr != nil {
				t.logger.Error().Err(rerr).Msg("rollback release failed")
			}
			return nil, &types.PartialAcquisitionError{
				Acquired: acquired,
				Missing:  name,
				Cause:    err,
			}
		}
		held.locks = append(held.locks, lk)
	}

	if len(sorted) > 0 {
		t.logger.Debug().Strs("resources", sorted).Msg("acquired resource set")
	}
	return held, nil
}

// Free reports whether every name in the set is currently unheld. This
// is advisory only: the answer can be stale by the time the caller acts
// on it, so grants always go through AcquireAll.
func (t *Table) Free(names []string) (bool, error) {
	for _, name := range dedupeSorted(names) {
		h, err := t.locker.Holder(name)
		if err != nil {
			return false, fmt.Errorf("failed to inspect resource %q: %w", name, err)
		}
		if h != nil {
			return false, nil
		}
	}
	return true, nil
}

func dedupeSorted(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
