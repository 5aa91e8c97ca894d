/*
Package types defines the shared data model of the nodepool coordination
layer: cluster instance lifecycle states, lock holder identity records,
lock requests, and the typed errors of the failure taxonomy.

All cross-process state derived from these types is persisted in the lock
directory as small JSON or YAML files; no in-memory state is shared
between worker processes.
*/
package types
