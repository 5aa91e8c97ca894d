/*
Package manager is the orchestration layer of nodepool: it grants test
workers exclusive or shared access to cluster instances from the pool,
with named resource locks, singleton and cleanup semantics, and a
restart-on-failure scope that marks an instance dirty when a test body
fails while holding it.

All coordination state is filesystem-backed, so a Manager in one worker
process needs no channel to the Managers in the others.
*/
package manager
