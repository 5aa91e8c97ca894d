/*
Package metrics exposes Prometheus collectors for the nodepool
coordination layer: lock acquisition outcomes and wait times, stale lock
reclamation, instance start/restart counts and startup duration, and
per-session grant latency.

Collectors are registered at init time; Handler returns the scrape
endpoint handler served by "nodepool metrics".
*/
package metrics
