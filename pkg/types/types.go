package types

import (
	"time"
)

// InstanceState represents the lifecycle state of a cluster instance slot
type InstanceState string

const (
	// InstanceStateFree means the slot has never been started
	InstanceStateFree InstanceState = "free"
	// InstanceStateStarting means a worker is currently starting the instance
	InstanceStateStarting InstanceState = "starting"
	// InstanceStateReady means the instance passed its readiness probe
	InstanceStateReady InstanceState = "ready"
	// InstanceStateRestartPending means a failed test scope marked the
	// instance dirty; it must be stopped and started before the next grant
	InstanceStateRestartPending InstanceState = "restart-pending"
	// InstanceStateDead means startup failed; the slot is never reused
	InstanceStateDead InstanceState = "dead"
)

// HolderInfo identifies the owner of a lock file or holder marker.
// It is persisted as JSON inside the file so that other worker processes
// can check whether the owner is still alive.
type HolderInfo struct {
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	// Exclusive is set for singleton holders; an instance with a live
	// exclusive holder admits no other sessions.
	Exclusive bool `json:"exclusive,omitempty"`
}

// LockRequest describes what a test worker needs from the pool.
type LockRequest struct {
	// Resources are the named sub-resources (e.g. "node-pool2") that must
	// all be held simultaneously for the duration of the session.
	Resources []string

	// Singleton requires an instance with no other concurrent holders.
	Singleton bool

	// Cleanup forces a stop/start cycle of the chosen instance before it
	// is handed over, for tests that need pristine on-chain state.
	Cleanup bool

	// StartCmd overrides the configured start script. An instance only
	// qualifies if it was started with the same command (or is freshly
	// started with it).
	StartCmd string
}

// SlotState is the per-slot record persisted in the lock directory.
// It is only read or written under the slot's meta lock.
type SlotState struct {
	State     InstanceState `yaml:"state"`
	StartCmd  string        `yaml:"start_cmd,omitempty"`
	SessionID string        `yaml:"session_id,omitempty"`
	StartedAt time.Time     `yaml:"started_at,omitempty"`
	// PGID is the process group of the running incarnation's start
	// script. Persisted so that a worker other than the one that
	// started the instance can still terminate it during a restart.
	PGID int `yaml:"pgid,omitempty"`
}
