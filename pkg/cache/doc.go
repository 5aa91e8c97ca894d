/*
Package cache stores per-instance test fixture data (generated
addresses, derived keys, anything expensive to recompute) in a BoltDB
file inside the instance's state directory.

The cache is shared across tests that reuse the same cluster instance
and is invalidated whenever that instance restarts.
*/
package cache
