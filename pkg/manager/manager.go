package manager

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quorumgrid/nodepool/pkg/cache"
	"github.com/quorumgrid/nodepool/pkg/config"
	"github.com/quorumgrid/nodepool/pkg/filelock"
	"github.com/quorumgrid/nodepool/pkg/log"
	"github.com/quorumgrid/nodepool/pkg/pool"
	"github.com/quorumgrid/nodepool/pkg/resources"
	"github.com/quorumgrid/nodepool/pkg/supervisor"
	"github.com/quorumgrid/nodepool/pkg/types"
)

// Manager hands out cluster instances to test workers. It composes the
// resource locking table and the instance pool over a shared lock
// directory; any number of worker processes may run their own Manager
// against the same directory.
type Manager struct {
	cfg    *config.Config
	locker *filelock.Locker
	table  *resources.Table
	pool   *pool.Pool
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// GetOptions describes what a worker needs from Get.
type GetOptions struct {
	// Resources are named sub-resources that must all be held
	// exclusively for the session (e.g. "node-pool2").
	Resources []string
	// Singleton requires an instance used by no one else.
	Singleton bool
	// Cleanup forces a restart of the chosen instance before handover.
	Cleanup bool
	// StartCmd overrides the configured start script.
	StartCmd string
}

// New creates a Manager from validated configuration.
func New(cfg *config.Config) (*Manager, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	locker := filelock.NewLocker(cfg.LockDir).
		WithPollInterval(cfg.PollInterval).
		WithStaleGrace(cfg.StaleGrace)
	table := resources.NewTable(locker)

	factory := func(instance int, startCmd, dataDir string) pool.Starter {
		script := cfg.StartScript
		if startCmd != "" {
			script = startCmd
		}
		sup := supervisor.New(instance, script).
			WithStopScript(cfg.StopScript).
			WithArgs(strconv.Itoa(instance), dataDir).
			WithEnv("NODEPOOL_INSTANCE="+strconv.Itoa(instance)).
			WithStartupTimeout(cfg.StartupTimeout).
			WithDrainTimeout(cfg.DrainTimeout)
		if len(cfg.ReadyCmd) > 0 {
			sup = sup.WithProbe(supervisor.NewExecProbe(cfg.ReadyCmd))
		}
		return sup
	}

	p := pool.New(locker, table, factory, cfg.MaxInstances).
		WithPollInterval(cfg.PollInterval)

	return &Manager{
		cfg:      cfg,
		locker:   locker,
		table:    table,
		pool:     p,
		logger:   log.WithComponent("manager"),
		sessions: make(map[*Session]struct{}),
	}, nil
}

// Get acquires a cluster instance satisfying opts, blocking up to the
// configured lock timeout. The returned session must be released when
// the test is done with the instance.
func (m *Manager) Get(ctx context.Context, opts GetOptions) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager is closed")
	}
	m.mu.Unlock()

	req := types.LockRequest{
		Resources: opts.Resources,
		Singleton: opts.Singleton,
		Cleanup:   opts.Cleanup,
		StartCmd:  opts.StartCmd,
	}

	grant, err := m.pool.FindOrWait(ctx, req, m.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}

	c, err := cache.Open(grant.Instance.DataDir)
	if err != nil {
		if rerr := grant.Release(); rerr != nil {
			m.logger.Error().Err(rerr).Msg("release after cache open failure")
		}
		return nil, err
	}

	s := &Session{
		mgr:   m,
		grant: grant,
		cache: c,
	}

	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	return s, nil
}

// Close releases every session still held by this process. It does not
// stop the cluster instances; other workers may be using them.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopAll stops every cluster instance and resets the pool. Intended
// for end-of-test-session teardown by the last worker standing.
func (m *Manager) StopAll(ctx context.Context) error {
	if err := m.Close(); err != nil {
		m.logger.Error().Err(err).Msg("session release during stop-all")
	}
	return m.pool.StopAll(ctx)
}

// Pool returns the underlying instance pool (used by the CLI)
func (m *Manager) Pool() *pool.Pool {
	return m.pool
}

// Locker returns the underlying locker (used by the CLI)
func (m *Manager) Locker() *filelock.Locker {
	return m.locker
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}
