// Package lock provides a reference-counted keyed mutex, optionally backed by
// a ports.DistributedLocker for stores shared between processes.
package lock
