/*
Package filelock implements cooperative, advisory mutual exclusion
between independent OS processes using exclusive file creation in a
shared lock directory.

A lock is a file created with O_CREATE|O_EXCL whose JSON payload records
the holder's identity (holder UUID, PID, hostname). Acquisition polls
with a jittered interval up to a caller-supplied timeout; there is no
fairness guarantee between waiters, first-free-wins. A lock file whose
recorded holder no longer exists on the same host is considered stale
after a grace period and reclaimed automatically.

The primitive makes no use of in-memory state for exclusion, so it is
safe across processes, not just goroutines.
*/
package filelock
