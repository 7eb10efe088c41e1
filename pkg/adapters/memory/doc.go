// Package memory provides in-process reference implementations of the
// continuation and run stores. State does not survive a restart.
package memory
