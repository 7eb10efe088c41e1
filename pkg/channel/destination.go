package channel

import (
	"context"
	"io"
	"slices"

	"github.com/aretw0/weft/pkg/domain"
)

// Capability is one operation a destination may support.
type Capability string

const (
	CapOutput Capability = "output"
	CapInput  Capability = "input"
	CapChoice Capability = "choice"
	CapFile   Capability = "file"
)

// Capabilities is the set a destination advertises.
type Capabilities []Capability

// Has reports whether c is in the set.
func (cs Capabilities) Has(c Capability) bool {
	return slices.Contains(cs, c)
}

// Message is an outbound notification.
type Message struct {
	RunID  string
	NodeID string
	Text   string
}

// ReplyFunc feeds a reply back to the scheduler that owns the waiting node.
// It reports whether the correlator id matched a waiting node.
type ReplyFunc func(ctx context.Context, payload any) (bool, error)

// Prompt is an outbound request for input.
type Prompt struct {
	CorrelatorID string
	RunID        string
	NodeID       string
	Kind         domain.ResumeKind
	Text         string
	Choices      []string
	// Reply is set when the destination can answer in-process (e.g. a
	// console). Destinations whose replies arrive out of band ignore it.
	Reply ReplyFunc
}

// Destination is a resolved channel endpoint.
type Destination interface {
	Key() Key
	Capabilities() Capabilities
	Send(ctx context.Context, msg Message) error
}

// Asker delivers free-form, approval and event prompts (CapInput).
type Asker interface {
	Ask(ctx context.Context, p Prompt) error
}

// Chooser delivers structured-choice prompts (CapChoice).
type Chooser interface {
	Choose(ctx context.Context, p Prompt) error
}

// FileSender transfers files (CapFile).
type FileSender interface {
	SendFile(ctx context.Context, name string, r io.Reader) error
}

// Factory builds a destination for a key of its scheme.
type Factory func(key Key) (Destination, error)
