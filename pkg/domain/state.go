package domain

import (
	"encoding/json"
	"time"
)

// NodeState is the execution state of a node within a run.
type NodeState string

const (
	NodePending NodeState = "pending" // Waiting on predecessors
	NodeReady   NodeState = "ready"   // All predecessors done, not yet dispatched
	NodeRunning NodeState = "running" // Body executing on a worker
	NodeWaiting NodeState = "waiting" // Parked on a continuation
	NodeDone    NodeState = "done"
	NodeFailed  NodeState = "failed"
)

// Terminal reports whether no further transition is expected without a retry.
func (s NodeState) Terminal() bool {
	return s == NodeDone || s == NodeFailed
}

// RunStatus is the aggregate status of a run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// NodeRecord is the persisted view of one node of a run.
type NodeRecord struct {
	State        NodeState      `json:"state"`
	Attempt      int            `json:"attempt"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	CorrelatorID string         `json:"correlator_id,omitempty"`
	Failure      *NodeFailure   `json:"failure,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// RunRecord is the serialisable snapshot of a run, written to a RunStore so a
// restarted scheduler can rebuild the run of a graph registered under GraphName.
type RunRecord struct {
	RunID         string                `json:"run_id"`
	GraphName     string                `json:"graph_name,omitempty"`
	Status        RunStatus             `json:"status"`
	Inputs        json.RawMessage       `json:"inputs,omitempty"`
	Concurrency   int                   `json:"concurrency"`
	GlobalCapKey  string                `json:"global_cap_key,omitempty"`
	FailurePolicy string                `json:"failure_policy,omitempty"`
	Deadline      *time.Time            `json:"deadline,omitempty"`
	Nodes         map[string]NodeRecord `json:"nodes"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}
