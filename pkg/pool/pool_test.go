package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumgrid/nodepool/pkg/filelock"
	"github.com/quorumgrid/nodepool/pkg/resources"
	"github.com/quorumgrid/nodepool/pkg/types"
)

// fakeStarter stands in for the supervisor so selection logic can be
// tested without real cluster processes.
type fakeStarter struct {
	mu        sync.Mutex
	starts    int
	stops     int
	running   bool
	failStart bool
	instance  int
}

func (f *fakeStarter) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return &types.StartupTimeoutError{Instance: f.instance, Timeout: time.Second, Message: "probe never succeeded"}
	}
	f.starts++
	f.running = true
	return nil
}

func (f *fakeStarter) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeStarter) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeStarter) Logs() string { return "" }

func (f *fakeStarter) PID() int { return 0 }

func (f *fakeStarter) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeFactory struct {
	mu        sync.Mutex
	starters  map[int]*fakeStarter
	failSlots map[int]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{starters: make(map[int]*fakeStarter), failSlots: make(map[int]bool)}
}

func (ff *fakeFactory) factory(instance int, startCmd, dataDir string) Starter {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if s, ok := ff.starters[instance]; ok {
		return s
	}
	s := &fakeStarter{instance: instance, failStart: ff.failSlots[instance]}
	ff.starters[instance] = s
	return s
}

func (ff *fakeFactory) get(instance int) *fakeStarter {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.starters[instance]
}

func newTestPool(t *testing.T, maxInstances int) (*Pool, *fakeFactory) {
	t.Helper()
	locker := filelock.NewLocker(t.TempDir()).
		WithPollInterval(5 * time.Millisecond).
		WithStaleGrace(time.Hour)
	table := resources.NewTable(locker)
	ff := newFakeFactory()
	p := New(locker, table, ff.factory, maxInstances).
		WithPollInterval(10 * time.Millisecond)
	return p, ff
}

func TestFindOrWaitStartsFreshInstance(t *testing.T) {
	p, ff := newTestPool(t, 3)
	ctx := context.Background()

	grant, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)
	defer grant.Release()

	assert.Equal(t, 0, grant.Instance.Index)
	assert.NotEmpty(t, grant.Instance.SessionID)

	starts, _ := ff.get(0).counts()
	assert.Equal(t, 1, starts)

	st, err := p.readState(0)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateReady, st.State)
}

func TestConcurrentHoldersShareInstance(t *testing.T) {
	p, ff := newTestPool(t, 3)
	ctx := context.Background()

	g1, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)
	defer g1.Release()

	g2, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)
	defer g2.Release()

	assert.Equal(t, g1.Instance.Index, g2.Instance.Index, "compatible requests share one instance")
	starts, _ := ff.get(0).counts()
	assert.Equal(t, 1, starts, "second grant must not start a new cluster")
}

func TestDisjointResourcesShareInstance(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	g1, err := p.FindOrWait(ctx, types.LockRequest{Resources: []string{"node-pool1"}}, time.Second)
	require.NoError(t, err)
	defer g1.Release()

	g2, err := p.FindOrWait(ctx, types.LockRequest{Resources: []string{"node-pool2"}}, time.Second)
	require.NoError(t, err)
	defer g2.Release()

	assert.Equal(t, g1.Instance.Index, g2.Instance.Index,
		"disjoint resource sets must not contend")
}

func TestOverlappingResourceBlocksUntilRelease(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	g1, err := p.FindOrWait(ctx, types.LockRequest{Resources: []string{"node-pool2"}}, time.Second)
	require.NoError(t, err)

	// Second worker wanting the same resource on a one-slot pool times
	// out while the first holds it.
	_, err = p.FindOrWait(ctx, types.LockRequest{Resources: []string{"node-pool2"}}, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrLockTimeout))

	var lte *types.LockTimeoutError
	require.True(t, errors.As(err, &lte))
	assert.Equal(t, []string{"node-pool2"}, lte.Resources)

	// And is granted promptly once it is released.
	go func() {
		time.Sleep(50 * time.Millisecond)
		g1.Release()
	}()

	g2, err := p.FindOrWait(ctx, types.LockRequest{Resources: []string{"node-pool2"}}, 2*time.Second)
	require.NoError(t, err)
	defer g2.Release()
}

func TestOverlappingResourceSpillsToSecondSlot(t *testing.T) {
	p, ff := newTestPool(t, 2)
	ctx := context.Background()

	g1, err := p.FindOrWait(ctx, types.LockRequest{Resources: []string{"node-pool2"}}, time.Second)
	require.NoError(t, err)
	defer g1.Release()

	g2, err := p.FindOrWait(ctx, types.LockRequest{Resources: []string{"node-pool2"}}, 2*time.Second)
	require.NoError(t, err)
	defer g2.Release()

	assert.NotEqual(t, g1.Instance.Index, g2.Instance.Index,
		"a second instance should be started rather than blocking")
	assert.NotNil(t, ff.get(1))
}

func TestSingletonStartsNewInstance(t *testing.T) {
	p, ff := newTestPool(t, 2)
	ctx := context.Background()

	g1, err := p.FindOrWait(ctx, types.LockRequest{Resources: []string{"node-pool1"}}, time.Second)
	require.NoError(t, err)
	defer g1.Release()

	g2, err := p.FindOrWait(ctx, types.LockRequest{Singleton: true}, 2*time.Second)
	require.NoError(t, err)
	defer g2.Release()

	assert.NotEqual(t, g1.Instance.Index, g2.Instance.Index,
		"singleton must not share an instance with other holders")
	assert.NotNil(t, ff.get(g2.Instance.Index))

	// A later plain request must avoid the singleton's instance.
	g3, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)
	defer g3.Release()
	assert.Equal(t, g1.Instance.Index, g3.Instance.Index)
}

func TestSingletonTimesOutOnSaturatedPool(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	g1, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)
	defer g1.Release()

	_, err = p.FindOrWait(ctx, types.LockRequest{Singleton: true}, 100*time.Millisecond)
	assert.True(t, errors.Is(err, types.ErrLockTimeout))
}

func TestRestartPendingCyclesInstance(t *testing.T) {
	p, ff := newTestPool(t, 1)
	ctx := context.Background()

	g1, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)
	firstSession := g1.Instance.SessionID

	require.NoError(t, p.MarkRestartPending(ctx, 0))
	require.NoError(t, g1.Release())

	g2, err := p.FindOrWait(ctx, types.LockRequest{}, 2*time.Second)
	require.NoError(t, err)
	defer g2.Release()

	starts, stops := ff.get(0).counts()
	assert.Equal(t, 2, starts, "instance must be started again after restart mark")
	assert.Equal(t, 1, stops, "previous incarnation must be stopped first")
	assert.NotEqual(t, firstSession, g2.Instance.SessionID,
		"a restart is a new incarnation")
}

func TestRestartDeferredWhileStillHeld(t *testing.T) {
	p, ff := newTestPool(t, 1)
	ctx := context.Background()

	g1, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)
	g2, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)

	require.NoError(t, p.MarkRestartPending(ctx, 0))
	require.NoError(t, g2.Release())

	// One holder remains: the restart must not happen yet and no new
	// grant can be made.
	_, err = p.FindOrWait(ctx, types.LockRequest{}, 100*time.Millisecond)
	assert.True(t, errors.Is(err, types.ErrLockTimeout))

	starts, stops := ff.get(0).counts()
	assert.Equal(t, 1, starts)
	assert.Zero(t, stops)

	require.NoError(t, g1.Release())

	g3, err := p.FindOrWait(ctx, types.LockRequest{}, 2*time.Second)
	require.NoError(t, err)
	defer g3.Release()

	starts, stops = ff.get(0).counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
}

func TestStartupFailureMarksSlotDead(t *testing.T) {
	p, ff := newTestPool(t, 1)
	ff.failSlots[0] = true
	ctx := context.Background()

	_, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStartupTimeout))

	st, rerr := p.readState(0)
	require.NoError(t, rerr)
	assert.Equal(t, types.InstanceStateDead, st.State)

	// The dead slot is never reused; with no other slot the next
	// request times out instead of retrying the broken startup.
	_, err = p.FindOrWait(ctx, types.LockRequest{}, 100*time.Millisecond)
	assert.True(t, errors.Is(err, types.ErrLockTimeout))
}

func TestCleanupForcesRestartBeforeGrant(t *testing.T) {
	p, ff := newTestPool(t, 1)
	ctx := context.Background()

	g1, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)
	firstSession := g1.Instance.SessionID
	require.NoError(t, g1.Release())

	g2, err := p.FindOrWait(ctx, types.LockRequest{Cleanup: true}, 2*time.Second)
	require.NoError(t, err)
	defer g2.Release()

	starts, stops := ff.get(0).counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
	assert.NotEqual(t, firstSession, g2.Instance.SessionID)
}

func TestStartCmdOverrideGetsOwnInstance(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	g1, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)
	defer g1.Release()

	g2, err := p.FindOrWait(ctx, types.LockRequest{StartCmd: "start-alt.sh"}, 2*time.Second)
	require.NoError(t, err)
	defer g2.Release()

	assert.NotEqual(t, g1.Instance.Index, g2.Instance.Index,
		"an instance started with a different command does not qualify")
	assert.Equal(t, "start-alt.sh", g2.Instance.StartCmd)
}

func TestGrantReleaseIdempotent(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	grant, err := p.FindOrWait(ctx, types.LockRequest{Resources: []string{"r"}}, time.Second)
	require.NoError(t, err)

	require.NoError(t, grant.Release())
	require.NoError(t, grant.Release())
}

func TestStatuses(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	grant, err := p.FindOrWait(ctx, types.LockRequest{Resources: []string{"node-pool3"}}, time.Second)
	require.NoError(t, err)
	defer grant.Release()

	statuses, err := p.Statuses()
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, types.InstanceStateReady, statuses[0].State)
	assert.Len(t, statuses[0].Holders, 1)
	assert.Equal(t, []string{"node-pool3"}, statuses[0].Resources)

	assert.Equal(t, types.InstanceStateFree, statuses[1].State)
	assert.Empty(t, statuses[1].Holders)
}

func TestStopAllResetsPool(t *testing.T) {
	p, ff := newTestPool(t, 2)
	ctx := context.Background()

	grant, err := p.FindOrWait(ctx, types.LockRequest{}, time.Second)
	require.NoError(t, err)
	require.NoError(t, grant.Release())

	require.NoError(t, p.StopAll(ctx))

	_, stops := ff.get(0).counts()
	assert.Equal(t, 1, stops)

	st, err := p.readState(0)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateFree, st.State)
}

func TestTwoWorkersRaceForSameResource(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	type outcome struct {
		grant *Grant
		err   error
	}
	results := make(chan outcome, 2)

	for i := 0; i < 2; i++ {
		go func() {
			g, err := p.FindOrWait(ctx, types.LockRequest{Resources: []string{"node-pool2"}}, 5*time.Second)
			results <- outcome{g, err}
			if err == nil {
				time.Sleep(50 * time.Millisecond)
				g.Release()
			}
		}()
	}

	first := <-results
	second := <-results
	require.NoError(t, first.err, "exactly one worker is granted immediately")
	require.NoError(t, second.err, "the other is granted after release")
}
