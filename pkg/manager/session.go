package manager

import (
	"context"
	"sync"

	"github.com/quorumgrid/nodepool/pkg/cache"
	"github.com/quorumgrid/nodepool/pkg/log"
	"github.com/quorumgrid/nodepool/pkg/pool"
)

// Session is a granted cluster acquisition held by one test worker:
// the instance handle, the resource locks, and the instance-scoped
// fixture cache.
type Session struct {
	mgr   *Manager
	grant *pool.Grant
	cache *cache.Cache

	mu            sync.Mutex
	released      bool
	restartMarked bool
}

// Instance returns the held cluster instance
func (s *Session) Instance() *pool.Instance {
	return s.grant.Instance
}

// Cache returns the fixture cache scoped to the held instance. Entries
// survive across sessions on the same incarnation and vanish when the
// instance restarts.
func (s *Session) Cache() *cache.Cache {
	return s.cache
}

// Resources returns the resource lock names held by this session
func (s *Session) Resources() []string {
	return s.grant.Resources()
}

// Release returns the instance to the pool: resource locks and the
// holder marker are removed and the cache handle closed. Releasing an
// already-released session is a no-op.
func (s *Session) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.mu.Unlock()

	s.mgr.forget(s)

	firstErr := s.cache.Close()
	if err := s.grant.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// RestartOnFailure runs fn and, if it returns an error or panics, marks
// the held instance for a mandatory restart before its next grant. The
// failure itself is never swallowed: the error is returned unchanged and
// a panic is re-raised after the bookkeeping.
func (s *Session) RestartOnFailure(fn func() error) error {
	defer func() {
		if r := recover(); r != nil {
			s.markRestart()
			panic(r)
		}
	}()

	if err := fn(); err != nil {
		s.markRestart()
		return err
	}
	return nil
}

// markRestart flags the instance restart-pending exactly once per
// session, no matter how many scopes fail.
func (s *Session) markRestart() {
	s.mu.Lock()
	if s.restartMarked {
		s.mu.Unlock()
		return
	}
	s.restartMarked = true
	s.mu.Unlock()

	idx := s.grant.Instance.Index
	lg := log.WithInstance(idx)
	if err := s.mgr.pool.MarkRestartPending(context.Background(), idx); err != nil {
		lg.Error().Err(err).Msg("failed to mark instance for restart")
		return
	}
	lg.Warn().Msg("instance marked for restart after test failure")
}

// RestartMarked reports whether a failed scope has already marked the
// instance for restart
func (s *Session) RestartMarked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartMarked
}
