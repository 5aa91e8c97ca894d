/*
Package config loads nodepool configuration from a YAML file with
environment-variable overrides (NODEPOOL_LOCK_DIR, NODEPOOL_MAX_INSTANCES,
NODEPOOL_START_SCRIPT, NODEPOOL_STOP_SCRIPT, NODEPOOL_LOG_LEVEL).

The lock directory defaults to a shared path under the system temp dir so
that all test workers on a host coordinate through the same files.
*/
package config
