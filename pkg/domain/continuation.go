package domain

import (
	"encoding/json"
	"time"
)

// ResumeKind tells the resuming side what shape of reply a wait expects.
type ResumeKind string

const (
	ResumeInput    ResumeKind = "input"    // Free-form reply
	ResumeChoice   ResumeKind = "choice"   // One of a fixed set of options
	ResumeApproval ResumeKind = "approval" // Yes/no decision
	ResumeEvent    ResumeKind = "event"    // Arbitrary external event payload
)

// Continuation is the durable record of a suspended node. It is created when a
// node parks, owned by a ContinuationStore, and consumed exactly once by Take.
type Continuation struct {
	CorrelatorID   string            `json:"correlator_id"`
	RunID          string            `json:"run_id"`
	NodeID         string            `json:"node_id"`
	Attempt        int               `json:"attempt"`
	DestinationKey string            `json:"destination_key"`
	ResumeKind     ResumeKind        `json:"resume_kind"`
	Inputs         json.RawMessage   `json:"inputs,omitempty"`
	Prompt         string            `json:"prompt,omitempty"`
	Choices        []string          `json:"choices,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Expired reports whether the wait is past its expiry at now.
// A zero ExpiresAt never expires.
func (c *Continuation) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Clone returns a deep copy, so stores never share mutable slices with callers.
func (c *Continuation) Clone() *Continuation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Inputs != nil {
		out.Inputs = append(json.RawMessage(nil), c.Inputs...)
	}
	if c.Choices != nil {
		out.Choices = append([]string(nil), c.Choices...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
