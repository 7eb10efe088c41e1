package global

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/weft/pkg/domain"
)

// recover rebuilds the active runs found in the run store. Only runs of
// graphs registered with WithGraph can be rebuilt; node bodies are code, not
// data. Done nodes keep their outputs, waiting nodes whose continuation is
// still stored keep waiting, and everything else is dispatched again.
func (s *Scheduler) recover(ctx context.Context) error {
	if s.runStore == nil {
		return nil
	}
	ids, err := s.runStore.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := s.runStore.Load(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrRunNotFound) {
				continue
			}
			return err
		}
		if rec.Status.Terminal() {
			continue
		}
		r, err := s.rebuild(ctx, rec)
		if err != nil {
			s.logger.Warn("Skipping unrecoverable run", "run_id", id, "graph", rec.GraphName, "err", err)
			continue
		}
		s.runs[r.id] = r
		s.active = append(s.active, r)
		s.watchDeadline(r)
		s.logger.Info("Run recovered", "run_id", r.id, "graph", rec.GraphName)
	}
	return nil
}

func (s *Scheduler) rebuild(ctx context.Context, rec *domain.RunRecord) (*run, error) {
	g, ok := s.graphs[rec.GraphName]
	if !ok {
		return nil, fmt.Errorf("graph %q is not registered", rec.GraphName)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	var inputs map[string]any
	if len(rec.Inputs) > 0 {
		if err := json.Unmarshal(rec.Inputs, &inputs); err != nil {
			return nil, fmt.Errorf("failed to decode run inputs: %w", err)
		}
	}
	if err := checkInputs(g, inputs); err != nil {
		return nil, err
	}

	cfg := submitConfig{
		runID:       rec.RunID,
		graphName:   rec.GraphName,
		concurrency: rec.Concurrency,
		retry:       s.retry,
		capKey:      rec.GlobalCapKey,
		failure:     FailurePolicy(rec.FailurePolicy),
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = DefaultConcurrency
	}
	if cfg.failure == "" {
		cfg.failure = StopOnFirstFailure
	}
	if rec.Deadline != nil {
		cfg.deadline = *rec.Deadline
	}

	conts, err := s.store.ListByRun(ctx, rec.RunID)
	if err != nil {
		return nil, err
	}
	waiting := make(map[string]*domain.Continuation, len(conts))
	for _, c := range conts {
		waiting[c.NodeID] = c
	}

	r := newRun(cfg, g, inputs, rec.CreatedAt)
	r.updatedAt = s.now()
	for _, ns := range r.order {
		nr, ok := rec.Nodes[ns.n.ID]
		if !ok {
			continue
		}
		ns.attempt = nr.Attempt
		switch nr.State {
		case domain.NodeDone:
			ns.state = domain.NodeDone
			ns.out = nr.Outputs
		case domain.NodeFailed:
			ns.state = domain.NodeFailed
			if nr.Failure != nil {
				f := *nr.Failure
				ns.failure = &f
				ns.err = errors.New(f.Message)
			}
		case domain.NodeWaiting:
			c := waiting[ns.n.ID]
			if c != nil && c.CorrelatorID == nr.CorrelatorID && c.Attempt == nr.Attempt {
				ns.state = domain.NodeWaiting
				ns.correlator = c.CorrelatorID
				ns.expiresAt = c.ExpiresAt
				delete(waiting, ns.n.ID)
			}
		}
		if nr.StartedAt != nil {
			ns.startedAt = *nr.StartedAt
		}
	}
	// Continuations no node waits on any more.
	for _, c := range waiting {
		if err := s.store.Delete(ctx, c.CorrelatorID); err != nil {
			s.logger.Warn("Failed to delete stale continuation", "correlator_id", c.CorrelatorID, "err", err)
		}
	}
	r.countPending()
	return r, nil
}

// reap deletes expired continuations that belong to no known run.
func (s *Scheduler) reap(ctx context.Context) error {
	expired, err := s.store.Expired(ctx, s.now())
	if err != nil {
		return err
	}
	for _, c := range expired {
		if r, ok := s.runs[c.RunID]; ok && r.status == domain.RunActive {
			continue
		}
		if err := s.store.Delete(ctx, c.CorrelatorID); err != nil {
			return err
		}
		s.logger.Info("Reaped expired continuation", "correlator_id", c.CorrelatorID, "run_id", c.RunID, "expired_at", c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
