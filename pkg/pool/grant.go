package pool

import (
	"os"
	"sync"

	"github.com/quorumgrid/nodepool/pkg/resources"
)

// Instance is a handle to one running cluster instance granted to a
// test worker.
type Instance struct {
	// Index is the slot index in the pool
	Index int
	// DataDir is the instance's state directory (fixture cache, artifacts)
	DataDir string
	// StartCmd is the start command this incarnation was launched with;
	// empty means the configured default
	StartCmd string
	// SessionID identifies the running incarnation; it changes on every
	// restart
	SessionID string
}

// Grant is a granted acquisition: the instance plus everything that must
// be released when the worker is done with it.
type Grant struct {
	Instance *Instance

	held       *resources.Held
	holderPath string
	pool       *Pool

	mu       sync.Mutex
	released bool
}

// Resources returns the held resource lock names
func (g *Grant) Resources() []string {
	if g.held == nil {
		return nil
	}
	return g.held.Names()
}

// Release removes the holder marker and releases all resource locks.
// Releasing an already-released grant is a no-op.
func (g *Grant) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		return nil
	}
	g.released = true

	var firstErr error
	if g.holderPath != "" {
		if err := os.Remove(g.holderPath); err != nil && !os.IsNotExist(err) {
			firstErr = err
		}
	}
	if g.held != nil {
		if err := g.held.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
