package memory

import (
	"context"
	"sync"

	"github.com/aretw0/weft/pkg/domain"
)

// RunStore implements ports.RunStore in memory.
type RunStore struct {
	data map[string]*domain.RunRecord
	mu   sync.RWMutex
}

// NewRunStore creates a new in-memory run store.
func NewRunStore() *RunStore {
	return &RunStore{
		data: make(map[string]*domain.RunRecord),
	}
}

func (s *RunStore) Save(ctx context.Context, rec *domain.RunRecord) error {
	copied := cloneRun(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[rec.RunID] = copied
	return nil
}

func (s *RunStore) Load(ctx context.Context, runID string) (*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return cloneRun(rec), nil
}

func (s *RunStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runID)
	return nil
}

func (s *RunStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids, nil
}

func cloneRun(rec *domain.RunRecord) *domain.RunRecord {
	out := *rec
	if rec.Inputs != nil {
		out.Inputs = append([]byte(nil), rec.Inputs...)
	}
	out.Nodes = make(map[string]domain.NodeRecord, len(rec.Nodes))
	for id, n := range rec.Nodes {
		if n.Outputs != nil {
			outputs := make(map[string]any, len(n.Outputs))
			for k, v := range n.Outputs {
				outputs[k] = v
			}
			n.Outputs = outputs
		}
		if n.Failure != nil {
			f := *n.Failure
			n.Failure = &f
		}
		out.Nodes[id] = n
	}
	return &out
}
