/*
Package supervisor owns the process lifecycle of a single cluster
instance: it runs the external start script in its own process group,
captures its output, polls a readiness probe with a bounded timeout, and
performs clean shutdown (stop script or SIGTERM/SIGKILL escalation).

The cluster processes themselves are opaque; the only contract is that
the start script launches them, the probe observes readiness externally,
and stopping an already-stopped instance is harmless.
*/
package supervisor
