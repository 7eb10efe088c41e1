// Package node wraps user callables with declared named inputs and outputs.
//
// A node body returns any value; Normalize maps it onto a named-output record
// and Check enforces that every declared output is present. Two-stage nodes
// split a suspending operation into a request stage and a resume stage joined
// by a Suspender, which the owning scheduler provides.
package node
