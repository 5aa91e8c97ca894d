package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumgrid/nodepool/pkg/cache"
	"github.com/quorumgrid/nodepool/pkg/filelock"
	"github.com/quorumgrid/nodepool/pkg/log"
	"github.com/quorumgrid/nodepool/pkg/metrics"
	"github.com/quorumgrid/nodepool/pkg/resources"
	"github.com/quorumgrid/nodepool/pkg/types"

	"github.com/google/uuid"
)

const (
	defaultPollInterval = time.Second
	defaultMetaTimeout  = 30 * time.Second
)

// Starter is the subset of the supervisor the pool depends on.
type Starter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Logs() string
	// PID returns the start script's process group leader, 0 when this
	// process never started it.
	PID() int
}

// StarterFactory builds the process-lifecycle handle for one slot. The
// pool calls it when a slot must be started, restarted or stopped.
type StarterFactory func(instance int, startCmd, dataDir string) Starter

// Pool is the fixed-size set of cluster instance slots. All slot state
// lives in the lock directory; a Pool value carries no authority of its
// own and any number of worker processes may operate one concurrently.
type Pool struct {
	dir          string
	maxInstances int
	locker       *filelock.Locker
	table        *resources.Table
	factory      StarterFactory
	pollInterval time.Duration
	metaTimeout  time.Duration
	logger       zerolog.Logger

	mu       sync.Mutex
	starters map[string]Starter
}

// New creates a Pool of maxInstances slots coordinated through the
// given locker's directory
func New(locker *filelock.Locker, table *resources.Table, factory StarterFactory, maxInstances int) *Pool {
	return &Pool{
		dir:          locker.Dir(),
		maxInstances: maxInstances,
		locker:       locker,
		table:        table,
		factory:      factory,
		pollInterval: defaultPollInterval,
		metaTimeout:  defaultMetaTimeout,
		logger:       log.WithComponent("pool"),
		starters:     make(map[string]Starter),
	}
}

// WithPollInterval sets the interval between selection passes while
// waiting for a compatible slot
func (p *Pool) WithPollInterval(d time.Duration) *Pool {
	p.pollInterval = d
	return p
}

// WithMetaTimeout sets the timeout for blocking meta-lock acquisitions
func (p *Pool) WithMetaTimeout(d time.Duration) *Pool {
	p.metaTimeout = d
	return p
}

// FindOrWait selects or waits for a cluster instance satisfying the
// request. Selection prefers an already-running compatible instance; a
// restart-pending instance with no remaining holders is restarted; a
// never-started slot is started fresh. When the pool is saturated the
// call polls with backoff until a slot frees or the timeout elapses
// (first-free-wins, no FIFO fairness). Startup failures are fatal for
// the slot and surface as *types.StartupTimeoutError.
func (p *Pool) FindOrWait(ctx context.Context, req types.LockRequest, timeout time.Duration) (*Grant, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		grant, err := p.scanOnce(ctx, req)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			metrics.SessionWaitSeconds.Observe(time.Since(start).Seconds())
			metrics.SessionsGrantedTotal.Inc()
			return grant, nil
		}

		if time.Now().After(deadline) {
			return nil, &types.LockTimeoutError{Resources: req.Resources, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("instance acquisition cancelled: %w", ctx.Err())
		case <-time.After(p.pollInterval):
		}
	}
}

// scanOnce makes one selection pass over all slots. It returns a nil
// grant (and nil error) when nothing was grantable this round.
func (p *Pool) scanOnce(ctx context.Context, req types.LockRequest) (*Grant, error) {
	// Running instances first so fresh slots stay in reserve.
	for idx := 0; idx < p.maxInstances; idx++ {
		grant, err := p.inspectSlot(ctx, idx, req, false)
		if err != nil || grant != nil {
			return grant, err
		}
	}
	for idx := 0; idx < p.maxInstances; idx++ {
		grant, err := p.inspectSlot(ctx, idx, req, true)
		if err != nil || grant != nil {
			return grant, err
		}
	}
	return nil, nil
}

// inspectSlot examines one slot under its meta lock and grants it when
// compatible. startFresh selects which selection phase runs: reuse of
// running instances, or starting never-used slots.
func (p *Pool) inspectSlot(ctx context.Context, idx int, req types.LockRequest, startFresh bool) (*Grant, error) {
	meta, ok, err := p.locker.TryAcquire(slotMetaName(idx))
	if err != nil {
		return nil, fmt.Errorf("slot %d meta lock: %w", idx, err)
	}
	if !ok {
		// Another worker is inspecting or starting this slot right now.
		return nil, nil
	}
	defer meta.Release()

	st, err := p.readState(idx)
	if err != nil {
		p.logger.Error().Err(err).Int("slot", idx).Msg("unreadable slot state, skipping")
		return nil, nil
	}

	holders, err := p.liveHolders(idx)
	if err != nil {
		return nil, fmt.Errorf("slot %d holders: %w", idx, err)
	}

	switch st.State {
	case types.InstanceStateDead:
		return nil, nil

	case types.InstanceStateStarting, types.InstanceStateRestartPending:
		// A live startup holds the meta lock for its whole duration, so
		// reading "starting" under the lock proves the starting worker
		// died. Recover the slot with a full stop/start cycle, same as
		// a restart mark.
		if startFresh || len(holders) > 0 {
			return nil, nil
		}
		if err := p.cycleInstance(ctx, idx, st, req.StartCmd, true); err != nil {
			return nil, err
		}
		return p.grantSlot(ctx, idx, req)

	case types.InstanceStateFree:
		if !startFresh {
			return nil, nil
		}
		if err := p.cycleInstance(ctx, idx, st, req.StartCmd, false); err != nil {
			return nil, err
		}
		return p.grantSlot(ctx, idx, req)

	case types.InstanceStateReady:
		if startFresh {
			return nil, nil
		}
		if req.StartCmd != st.StartCmd {
			return nil, nil
		}
		if anyExclusive(holders) {
			return nil, nil
		}
		if (req.Singleton || req.Cleanup) && len(holders) > 0 {
			return nil, nil
		}
		if req.Cleanup {
			if err := p.cycleInstance(ctx, idx, st, req.StartCmd, true); err != nil {
				return nil, err
			}
		}
		return p.grantSlot(ctx, idx, req)

	default:
		p.logger.Warn().Int("slot", idx).Str("state", string(st.State)).Msg("unknown slot state")
		return nil, nil
	}
}

// grantSlot locks the requested resources on the slot and drops a
// holder marker. Called with the slot meta lock held and the slot in
// ready state. A contended resource makes the slot incompatible for
// this pass, not an error.
func (p *Pool) grantSlot(ctx context.Context, idx int, req types.LockRequest) (*Grant, error) {
	names := make([]string, 0, len(req.Resources))
	for _, r := range req.Resources {
		names = append(names, slotResourceName(idx, r))
	}

	held, err := p.table.AcquireAll(ctx, names, 0)
	if err != nil {
		if errors.Is(err, types.ErrLockTimeout) || errors.Is(err, types.ErrPartialAcquisition) {
			return nil, nil
		}
		return nil, err
	}

	holderPath, _, err := p.writeHolder(idx, req.Singleton)
	if err != nil {
		if rerr := held.Release(); rerr != nil {
			p.logger.Error().Err(rerr).Msg("rollback after holder marker failure")
		}
		return nil, err
	}

	st, err := p.readState(idx)
	if err != nil {
		st = &types.SlotState{}
	}

	p.logger.Info().
		Int("slot", idx).
		Strs("resources", req.Resources).
		Bool("singleton", req.Singleton).
		Msg("instance granted")

	return &Grant{
		Instance: &Instance{
			Index:     idx,
			DataDir:   slotDataDir(p.dir, idx),
			StartCmd:  st.StartCmd,
			SessionID: st.SessionID,
		},
		held:       held,
		holderPath: holderPath,
		pool:       p,
	}, nil
}

// cycleInstance transitions a slot through starting to ready (or dead).
// Called with the meta lock held; the lock stays held for the whole
// startup so other workers skip the slot instead of piling up on it.
// When stopFirst is set the previous incarnation is stopped and the
// slot's fixture cache invalidated before the new start.
func (p *Pool) cycleInstance(ctx context.Context, idx int, st *types.SlotState, startCmd string, stopFirst bool) error {
	dataDir := slotDataDir(p.dir, idx)
	starter := p.getStarter(idx, startCmd, dataDir)

	prev := st.State
	prevPGID := st.PGID
	st.State = types.InstanceStateStarting
	st.StartCmd = startCmd
	st.PGID = 0
	if err := p.writeState(idx, st); err != nil {
		return err
	}

	if stopFirst {
		if err := starter.Stop(ctx); err != nil {
			p.logger.Error().Err(err).Int("slot", idx).Msg("stop before restart failed")
		}
		// The incarnation may have been started by another worker whose
		// process handle we do not have; the recorded process group is
		// the cross-process fallback.
		terminateGroup(prevPGID)
		if err := cache.InvalidateDir(dataDir); err != nil {
			p.logger.Error().Err(err).Int("slot", idx).Msg("fixture cache invalidation failed")
		}
		if prev == types.InstanceStateRestartPending {
			metrics.InstanceRestartsTotal.Inc()
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create instance data dir: %w", err)
	}

	if err := starter.Start(ctx); err != nil {
		st.State = types.InstanceStateDead
		if werr := p.writeState(idx, st); werr != nil {
			p.logger.Error().Err(werr).Int("slot", idx).Msg("failed to mark slot dead")
		}
		p.logger.Error().Err(err).Int("slot", idx).Msg("instance startup failed, slot marked dead")
		return err
	}

	st.State = types.InstanceStateReady
	st.SessionID = uuid.New().String()
	st.StartedAt = time.Now().UTC()
	st.PGID = starter.PID()
	return p.writeState(idx, st)
}

// MarkRestartPending marks a slot for a mandatory stop/start cycle
// before its next grant. Used by restart-on-failure scopes. Marking a
// dead slot is a no-op.
func (p *Pool) MarkRestartPending(ctx context.Context, idx int) error {
	return p.locker.WithLock(ctx, slotMetaName(idx), p.metaTimeout, func() error {
		st, err := p.readState(idx)
		if err != nil {
			return err
		}
		if st.State == types.InstanceStateDead {
			return nil
		}
		st.State = types.InstanceStateRestartPending
		return p.writeState(idx, st)
	})
}

// getStarter returns the lifecycle handle for a slot, reusing the one
// this process created earlier so a restart can signal the process
// group it started itself. Keyed by start command as well: an override
// must not reuse a handle bound to the default script.
func (p *Pool) getStarter(idx int, startCmd, dataDir string) Starter {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := fmt.Sprintf("%d|%s", idx, startCmd)
	if s, ok := p.starters[key]; ok {
		return s
	}
	s := p.factory(idx, startCmd, dataDir)
	p.starters[key] = s
	return s
}

// SlotStatus is an advisory snapshot of one slot for inspection tools.
type SlotStatus struct {
	Index     int
	State     types.InstanceState
	StartCmd  string
	StartedAt time.Time
	Holders   []types.HolderInfo
	Resources []string
}

// Statuses returns an advisory snapshot of every slot. It takes no
// locks, so the answer may be stale by the time it is rendered.
func (p *Pool) Statuses() ([]SlotStatus, error) {
	lockNames, err := p.locker.List()
	if err != nil {
		return nil, err
	}

	statuses := make([]SlotStatus, 0, p.maxInstances)
	for idx := 0; idx < p.maxInstances; idx++ {
		st, err := p.readState(idx)
		if err != nil {
			return nil, err
		}
		holders, err := p.liveHolders(idx)
		if err != nil {
			return nil, err
		}

		var res []string
		prefix := fmt.Sprintf("slot%d.res.", idx)
		for _, n := range lockNames {
			if len(n) > len(prefix) && n[:len(prefix)] == prefix {
				res = append(res, n[len(prefix):])
			}
		}

		statuses = append(statuses, SlotStatus{
			Index:     idx,
			State:     st.State,
			StartCmd:  st.StartCmd,
			StartedAt: st.StartedAt,
			Holders:   holders,
			Resources: res,
		})
	}
	return statuses, nil
}

// StopAll stops every instance and resets the slots to free. Intended
// for end-of-session teardown and "nodepool stop-all".
func (p *Pool) StopAll(ctx context.Context) error {
	var firstErr error
	for idx := 0; idx < p.maxInstances; idx++ {
		err := p.locker.WithLock(ctx, slotMetaName(idx), p.metaTimeout, func() error {
			st, err := p.readState(idx)
			if err != nil {
				return err
			}
			if st.State == types.InstanceStateFree {
				return nil
			}

			starter := p.getStarter(idx, st.StartCmd, slotDataDir(p.dir, idx))
			if err := starter.Stop(ctx); err != nil {
				return err
			}
			terminateGroup(st.PGID)
			if err := cache.InvalidateDir(slotDataDir(p.dir, idx)); err != nil {
				p.logger.Error().Err(err).Int("slot", idx).Msg("fixture cache invalidation failed")
			}

			if err := os.Remove(slotStateFile(p.dir, idx)); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Clean sweeps stale locks and dead-worker holder markers from the lock
// directory. Returns the names of reclaimed locks.
func (p *Pool) Clean() ([]string, error) {
	reclaimed, err := p.locker.SweepStale()
	if err != nil {
		return nil, err
	}
	for idx := 0; idx < p.maxInstances; idx++ {
		if _, err := p.liveHolders(idx); err != nil {
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

// MaxInstances returns the pool size
func (p *Pool) MaxInstances() int {
	return p.maxInstances
}
