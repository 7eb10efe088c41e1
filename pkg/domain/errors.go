package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Typed errors below unwrap (or match via Is) to one of these,
// so callers can branch with errors.Is without knowing the concrete type.
var (
	// ErrGraphBuild is the parent of every graph construction failure.
	ErrGraphBuild = errors.New("graph build error")

	// ErrGraphSealed is returned when a node is added to an already validated graph.
	ErrGraphSealed = fmt.Errorf("%w: graph is sealed", ErrGraphBuild)

	// ErrContractViolation marks a node body that broke its declared output contract.
	ErrContractViolation = errors.New("node contract violation")

	// ErrMissingOutput is returned when a declared output is absent after normalization.
	ErrMissingOutput = errors.New("missing declared output")

	// ErrTimeout is returned when a suspended wait expires before a reply arrives.
	ErrTimeout = errors.New("wait timed out")

	// ErrUnsupportedCapability is returned when a destination lacks the requested capability.
	ErrUnsupportedCapability = errors.New("unsupported capability")

	// ErrCancelled is returned for nodes terminated by explicit cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrUpstreamFailed marks nodes that can never run because a predecessor failed.
	ErrUpstreamFailed = errors.New("upstream failed")

	// ErrContinuationNotFound is returned when a correlator id is unknown, expired or consumed.
	ErrContinuationNotFound = errors.New("continuation not found")

	// ErrRunNotFound is returned when a run id is unknown to the scheduler or run store.
	ErrRunNotFound = errors.New("run not found")
)

// DuplicateIDError reports a node id (or alias) that is already taken in a graph.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate node id %q", e.ID)
}

func (e *DuplicateIDError) Unwrap() error { return ErrGraphBuild }

// DanglingReferenceError reports an edge pointing at a missing producer or output.
// Output is empty for control (after) references.
type DanglingReferenceError struct {
	NodeID   string
	Producer string
	Output   string
}

func (e *DanglingReferenceError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("node %q references unknown predecessor %q", e.NodeID, e.Producer)
	}
	return fmt.Sprintf("node %q references unknown output %q of %q", e.NodeID, e.Output, e.Producer)
}

func (e *DanglingReferenceError) Unwrap() error { return ErrGraphBuild }

// CycleError lists the node ids forming a cycle, in edge order.
type CycleError struct {
	NodeIDs []string
}

func (e *CycleError) Error() string {
	if len(e.NodeIDs) == 0 {
		return "graph has a cycle"
	}
	path := append(append([]string(nil), e.NodeIDs...), e.NodeIDs[0])
	return fmt.Sprintf("graph has a cycle: %s", strings.Join(path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrGraphBuild }

// MissingOutputError names declared outputs absent from a node's normalized record.
type MissingOutputError struct {
	NodeID  string
	Missing []string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("node %q did not produce declared outputs: %s", e.NodeID, strings.Join(e.Missing, ", "))
}

func (e *MissingOutputError) Is(target error) bool {
	return target == ErrMissingOutput || target == ErrContractViolation
}

// ReturnShapeError is returned when a single non-record value cannot be mapped to outputs.
type ReturnShapeError struct {
	NodeID   string
	Declared []string
	Type     string
}

func (e *ReturnShapeError) Error() string {
	return fmt.Sprintf("node %q returned a single %s but declares %d outputs %v", e.NodeID, e.Type, len(e.Declared), e.Declared)
}

func (e *ReturnShapeError) Unwrap() error { return ErrContractViolation }

// TimeoutError is produced by the expiry sweep for a wait that received no reply.
type TimeoutError struct {
	NodeID       string
	CorrelatorID string
	ExpiresAt    time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %q wait %s expired at %s", e.NodeID, e.CorrelatorID, e.ExpiresAt.Format(time.RFC3339Nano))
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// UnsupportedCapabilityError is returned for an operation a destination does not advertise.
type UnsupportedCapabilityError struct {
	Destination string
	Capability  string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("destination %q does not support %s", e.Destination, e.Capability)
}

func (e *UnsupportedCapabilityError) Unwrap() error { return ErrUnsupportedCapability }

// CancelledError marks a node terminated by run cancellation, a deadline, or a stopped run.
type CancelledError struct {
	RunID  string
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("run %q cancelled", e.RunID)
	}
	return fmt.Sprintf("run %q cancelled: %s", e.RunID, e.Reason)
}

func (e *CancelledError) Unwrap() error { return ErrCancelled }

// ErrorKind classifies a node failure for aggregation and retry decisions.
type ErrorKind string

const (
	KindNode                  ErrorKind = "node"
	KindMissingOutput         ErrorKind = "missing_output"
	KindContractViolation     ErrorKind = "contract_violation"
	KindTimeout               ErrorKind = "timeout"
	KindUnsupportedCapability ErrorKind = "unsupported_capability"
	KindCancelled             ErrorKind = "cancelled"
	KindUpstreamFailed        ErrorKind = "upstream_failed"
	KindGraphBuild            ErrorKind = "graph_build"
)

// KindOf returns the most specific kind for err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrMissingOutput):
		return KindMissingOutput
	case errors.Is(err, ErrContractViolation):
		return KindContractViolation
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrUnsupportedCapability):
		return KindUnsupportedCapability
	case errors.Is(err, ErrUpstreamFailed):
		return KindUpstreamFailed
	case errors.Is(err, ErrGraphBuild):
		return KindGraphBuild
	default:
		return KindNode
	}
}

// NodeFailure is one entry of a RunError.
type NodeFailure struct {
	NodeID  string    `json:"node_id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// RunError is returned by AwaitResult when a run ends in a failed state.
// It enumerates every failed node; errors.Is/As traverse the node errors.
type RunError struct {
	RunID    string
	Failures []NodeFailure
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %q failed (%d nodes)", e.RunID, len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s [%s]: %s", f.NodeID, f.Kind, f.Message)
	}
	return b.String()
}

func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// Failure builds a NodeFailure from err.
func Failure(nodeID string, err error) NodeFailure {
	return NodeFailure{
		NodeID:  nodeID,
		Kind:    KindOf(err),
		Message: err.Error(),
		Err:     err,
	}
}
