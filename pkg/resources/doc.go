/*
Package resources implements the resource locking table: acquiring a set
of named locks all-or-nothing, in deterministic sorted order, with the
partial set rolled back on any failure.
*/
package resources
