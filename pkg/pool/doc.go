/*
Package pool manages the fixed-size set of cluster instance slots shared
by all test-worker processes.

Every slot's lifecycle state (free, starting, ready, restart-pending,
dead) is persisted as a small YAML file in the lock directory, guarded
by a per-slot meta lock; concurrent sessions on an instance are counted
with per-holder marker files whose dead owners are swept automatically.
Selection prefers running compatible instances, restarts dirty ones once
their last holder is gone, starts fresh slots on demand, and otherwise
polls until the pool frees up. A slot whose startup probe never succeeds
is marked dead and never reused.
*/
package pool
