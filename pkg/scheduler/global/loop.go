package global

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/node"
)

// storeTimeout bounds store calls made from the loop.
const storeTimeout = 5 * time.Second

// loop is the only goroutine that touches run state. It blocks until an
// event arrives, drains whatever else is pending, then dispatches.
func (s *Scheduler) loop() {
	defer s.wg.Done()
	defer s.shutdown()

	// Recovered runs may be complete already, have ready nodes or have
	// expired waits.
	for _, r := range slices.Clone(s.active) {
		s.settle(r)
	}
	s.dispatch()
	s.arm()

	for {
		select {
		case <-s.stop:
			return
		case sub := <-s.submits:
			s.handleSubmit(sub)
		case ev := <-s.resumes:
			s.handleResume(ev)
		case c := <-s.completions:
			s.handleCompletion(c)
		case ev := <-s.retries:
			s.handleRetry(ev)
		case fn := <-s.calls:
			fn()
		case <-s.timer.C:
			s.sweep()
		}
		s.drain()
		s.dispatch()
		s.arm()
	}
}

func (s *Scheduler) drain() {
	for {
		select {
		case sub := <-s.submits:
			s.handleSubmit(sub)
		case ev := <-s.resumes:
			s.handleResume(ev)
		case c := <-s.completions:
			s.handleCompletion(c)
		case ev := <-s.retries:
			s.handleRetry(ev)
		case fn := <-s.calls:
			fn()
		default:
			return
		}
	}
}

// shutdown releases AwaitResult callers of unfinished runs with ErrClosed.
// Their records stay active in the run store so a restart recovers them.
func (s *Scheduler) shutdown() {
	s.timer.Stop()
	for _, r := range s.runs {
		if r.deadline != nil {
			r.deadline.Stop()
		}
	}
	for _, r := range s.active {
		r.err = fmt.Errorf("%w: run %s is still active", ErrClosed, r.id)
		close(r.done)
	}
	s.active = nil
}

func (s *Scheduler) handleSubmit(sub *submission) {
	r := sub.run
	if _, ok := s.runs[r.id]; ok {
		sub.ack <- fmt.Errorf("%w: %s", ErrDuplicateRun, r.id)
		return
	}
	s.runs[r.id] = r
	s.active = append(s.active, r)
	if s.hooks.OnRunSubmit != nil {
		s.hooks.OnRunSubmit(s.ctx, &domain.RunEvent{EventBase: s.event(domain.EventRunSubmit, r.id), Status: r.status, Nodes: len(r.order)})
	}
	s.logger.Debug("Run submitted", "run_id", r.id, "nodes", len(r.order))

	s.watchDeadline(r)
	r.countPending()
	s.save(r)
	sub.ack <- nil
	s.settle(r)
}

func (s *Scheduler) watchDeadline(r *run) {
	if r.cfg.deadline.IsZero() {
		return
	}
	r.deadline = time.AfterFunc(time.Until(r.cfg.deadline), func() {
		s.post(func() {
			if r.status == domain.RunActive {
				s.cancelRun(r, "deadline exceeded")
			}
		})
	})
}

func (s *Scheduler) handleResume(ev *resumeEvent) {
	id := ev.cont.CorrelatorID
	r := s.runs[ev.cont.RunID]
	if r == nil || r.status != domain.RunActive {
		s.logger.Warn("Discarding resume for inactive run", "run_id", ev.cont.RunID, "correlator_id", id)
		ev.ack <- false
		return
	}
	ns := r.nodes[ev.cont.NodeID]
	if ns == nil || ns.attempt != ev.cont.Attempt {
		s.logger.Warn("Discarding resume for stale wait", "run_id", r.id, "node_id", ev.cont.NodeID, "correlator_id", id)
		ev.ack <- false
		return
	}

	switch {
	case ns.state == domain.NodeWaiting && ns.correlator == id:
		r.makeResumed(ns, ev)
		ev.ack <- true
	case ns.state == domain.NodeRunning && ns.reply == nil:
		// Stage A delivered the prompt and the reply overtook its completion.
		ns.early = ev
		ev.ack <- true
	default:
		s.logger.Warn("Discarding resume for node not waiting", "run_id", r.id, "node_id", ns.n.ID, "state", ns.state, "correlator_id", id)
		ev.ack <- false
	}
}

func (s *Scheduler) handleCompletion(c completion) {
	s.busy--
	r := s.runs[c.runID]
	if r == nil {
		return
	}
	ns := r.nodes[c.nodeID]
	r.running--
	s.inUse[r.cfg.capKey]--
	if ns.cancel != nil {
		ns.cancel()
		ns.cancel = nil
	}
	resumed := ns.reply != nil
	ns.reply, ns.resumeInputs = nil, nil

	cont, suspended := node.AsSuspended(c.err)
	if r.status != domain.RunActive {
		if suspended {
			s.discard(cont.CorrelatorID)
		}
		return
	}

	switch {
	case suspended:
		s.park(r, ns, cont)
	case c.err != nil:
		s.fail(r, ns, c.err)
	default:
		s.complete(r, ns, c.out, resumed)
	}
	s.settle(r)
}

func (s *Scheduler) park(r *run, ns *nodeState, cont *domain.Continuation) {
	ns.state = domain.NodeWaiting
	ns.correlator = cont.CorrelatorID
	ns.expiresAt = cont.ExpiresAt
	r.updatedAt = s.now()
	s.nodeEvent(s.hooks.OnNodeWait, domain.EventNodeWait, r, ns, 0)
	s.logger.Debug("Node waiting", "run_id", r.id, "node_id", ns.n.ID, "correlator_id", cont.CorrelatorID)

	if ev := ns.early; ev != nil {
		ns.early = nil
		if ev.cont.CorrelatorID == cont.CorrelatorID {
			r.makeResumed(ns, ev)
		}
	}
	s.save(r)
}

func (s *Scheduler) complete(r *run, ns *nodeState, out node.Outputs, resumed bool) {
	ns.state = domain.NodeDone
	ns.out = out
	ns.finishedAt = s.now()
	r.updatedAt = ns.finishedAt
	s.nodeEvent(s.hooks.OnNodeFinish, domain.EventNodeFinish, r, ns, ns.finishedAt.Sub(ns.startedAt))
	s.logger.Debug("Node done", "run_id", r.id, "node_id", ns.n.ID, "resumed", resumed)

	for _, dep := range r.g.Dependents(ns.n.ID) {
		d := r.nodes[dep]
		if d.state != domain.NodePending {
			continue
		}
		d.remaining--
		if d.remaining == 0 {
			r.makeReady(d)
		}
	}
	s.save(r)
}

// fail applies the retry policy, then the run's failure policy.
func (s *Scheduler) fail(r *run, ns *nodeState, err error) {
	ns.state = domain.NodeFailed
	ns.err = err
	ns.finishedAt = s.now()
	r.updatedAt = ns.finishedAt

	if delay, ok := r.cfg.retry.Next(ns.attempt, err); ok {
		ns.retrying = true
		s.nodeEvent(s.hooks.OnNodeRetry, domain.EventNodeRetry, r, ns, delay)
		s.logger.Info("Retrying node", "run_id", r.id, "node_id", ns.n.ID, "attempt", ns.attempt, "delay", delay, "err", err)
		ev := retryEvent{runID: r.id, nodeID: ns.n.ID, attempt: ns.attempt}
		time.AfterFunc(delay, func() {
			select {
			case s.retries <- ev:
			case <-s.stop:
			}
		})
		s.save(r)
		return
	}

	f := domain.Failure(ns.n.ID, err)
	ns.failure = &f
	s.nodeEvent(s.hooks.OnNodeFinish, domain.EventNodeFinish, r, ns, ns.finishedAt.Sub(ns.startedAt))
	s.logger.Warn("Node failed", "run_id", r.id, "node_id", ns.n.ID, "attempt", ns.attempt, "err", err)

	if r.cfg.failure == ContinueIndependent {
		s.skipDependents(r, ns)
		s.save(r)
		return
	}
	s.abort(r, domain.RunFailed, fmt.Errorf("%w: run stopped after %s failed", domain.ErrUpstreamFailed, ns.n.ID))
}

// skipDependents fails every transitive dependent of ns; none of them can
// have started.
func (s *Scheduler) skipDependents(r *run, ns *nodeState) {
	queue := r.g.Dependents(ns.n.ID)
	for len(queue) > 0 {
		d := r.nodes[queue[0]]
		queue = queue[1:]
		if d.state.Terminal() {
			continue
		}
		r.ready = slices.DeleteFunc(r.ready, func(x *nodeState) bool { return x == d })
		d.state = domain.NodeFailed
		d.err = fmt.Errorf("%w: %s failed", domain.ErrUpstreamFailed, ns.n.ID)
		f := domain.Failure(d.n.ID, d.err)
		d.failure = &f
		queue = append(queue, r.g.Dependents(d.n.ID)...)
	}
}

func (s *Scheduler) handleRetry(ev retryEvent) {
	r := s.runs[ev.runID]
	if r == nil || r.status != domain.RunActive {
		return
	}
	ns := r.nodes[ev.nodeID]
	if ns == nil || !ns.retrying || ns.attempt != ev.attempt {
		return
	}
	ns.retrying = false
	ns.err = nil
	r.makeReady(ns)
}

// cancelRun is the bulk cancellation of a run.
func (s *Scheduler) cancelRun(r *run, reason string) {
	s.logger.Info("Cancelling run", "run_id", r.id, "reason", reason)
	s.abort(r, domain.RunCancelled, &domain.CancelledError{RunID: r.id, Reason: reason})
}

// abort ends an active run with status: in-flight nodes are cancelled, the
// run's continuations are deleted and unfinished nodes fail with err.
func (s *Scheduler) abort(r *run, status domain.RunStatus, err error) {
	r.status = status
	now := s.now()
	for _, ns := range r.order {
		if ns.state.Terminal() && !ns.retrying {
			continue
		}
		if ns.cancel != nil {
			ns.cancel()
		}
		started := ns.state == domain.NodeRunning || ns.state == domain.NodeWaiting
		ns.state = domain.NodeFailed
		ns.retrying = false
		ns.err = err
		ns.correlator = ""
		ns.early = nil
		ns.finishedAt = now
		f := domain.Failure(ns.n.ID, err)
		ns.failure = &f
		if started {
			s.nodeEvent(s.hooks.OnNodeFinish, domain.EventNodeFinish, r, ns, now.Sub(ns.startedAt))
		}
	}
	r.ready, r.resumed = nil, nil

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if ids, derr := s.store.DeleteByRun(ctx, r.id); derr != nil {
		s.logger.Error("Failed to delete continuations of run", "run_id", r.id, "err", derr)
	} else if len(ids) > 0 {
		s.logger.Debug("Deleted continuations of run", "run_id", r.id, "count", len(ids))
	}
	s.finish(r)
}

// settle finishes r once nothing in it can make progress.
func (s *Scheduler) settle(r *run) {
	if r.status != domain.RunActive || r.outstanding() {
		return
	}
	r.status = domain.RunSucceeded
	for _, ns := range r.order {
		if ns.state == domain.NodeFailed {
			r.status = domain.RunFailed
			break
		}
	}
	s.finish(r)
}

func (s *Scheduler) finish(r *run) {
	r.updatedAt = s.now()
	r.result, r.err = r.outcome()
	if r.deadline != nil {
		r.deadline.Stop()
	}
	s.active = slices.DeleteFunc(s.active, func(x *run) bool { return x == r })
	s.save(r)
	close(r.done)

	if s.hooks.OnRunFinish != nil {
		s.hooks.OnRunFinish(s.ctx, &domain.RunEvent{EventBase: s.event(domain.EventRunFinish, r.id), Status: r.status, Nodes: len(r.order)})
	}
	s.logger.Info("Run finished", "run_id", r.id, "status", r.status)
}

// dispatch starts ready nodes while workers are free. A run that was served
// moves to the back of the queue so no run starves the others.
func (s *Scheduler) dispatch() {
	for s.busy < s.workers {
		r, ns := s.next()
		if ns == nil {
			return
		}
		s.start(r, ns)
	}
}

func (s *Scheduler) next() (*run, *nodeState) {
	for k, r := range s.active {
		if !r.hasReady() || r.running >= r.cfg.concurrency || !s.capFree(r.cfg.capKey) {
			continue
		}
		s.active = append(slices.Delete(s.active, k, k+1), r)
		return r, r.pop()
	}
	return nil, nil
}

func (s *Scheduler) capFree(key string) bool {
	limit, ok := s.caps[key]
	return !ok || s.inUse[key] < limit
}

func (s *Scheduler) start(r *run, ns *nodeState) {
	j := job{runID: r.id, node: ns.n, reply: ns.reply}
	if ns.reply == nil {
		ns.attempt++
		j.inputs = r.resolve(ns)
	} else if err := json.Unmarshal(ns.resumeInputs, &j.inputs); err != nil && len(ns.resumeInputs) > 0 {
		ns.reply, ns.resumeInputs = nil, nil
		s.fail(r, ns, fmt.Errorf("failed to decode inputs of %s: %w", ns.n.ID, err))
		s.settle(r)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j.ctx = ctx
	j.attempt = ns.attempt
	ns.cancel = cancel
	ns.state = domain.NodeRunning
	ns.startedAt = s.now()
	r.running++
	s.busy++
	s.inUse[r.cfg.capKey]++

	if ns.reply != nil {
		s.nodeEvent(s.hooks.OnNodeResume, domain.EventNodeResume, r, ns, 0)
	} else {
		s.nodeEvent(s.hooks.OnNodeStart, domain.EventNodeStart, r, ns, 0)
	}
	s.jobs <- j
}

// discard deletes a continuation that no active run owns any more.
func (s *Scheduler) discard(id string) {
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.Warn("Failed to delete orphaned continuation", "correlator_id", id, "err", err)
	}
}

// arm points the timer at the earliest wait expiry.
func (s *Scheduler) arm() {
	var next time.Time
	for _, r := range s.active {
		for _, ns := range r.order {
			if ns.state != domain.NodeWaiting || ns.expiresAt.IsZero() {
				continue
			}
			if next.IsZero() || ns.expiresAt.Before(next) {
				next = ns.expiresAt
			}
		}
	}
	if next.IsZero() {
		s.timer.Stop()
		return
	}
	s.timer.Reset(max(next.Sub(s.now()), 0))
}

// sweep fails waits past their expiry. The continuation is taken first; if a
// resume already took it, that resume is on its way and wins.
func (s *Scheduler) sweep() {
	now := s.now()
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	for _, r := range slices.Clone(s.active) {
		for _, ns := range r.order {
			if r.status != domain.RunActive {
				break
			}
			if ns.state != domain.NodeWaiting || ns.expiresAt.IsZero() || now.Before(ns.expiresAt) {
				continue
			}
			id := ns.correlator
			if _, err := s.store.Take(ctx, id); err != nil {
				if !errors.Is(err, domain.ErrContinuationNotFound) {
					s.logger.Error("Failed to expire continuation", "correlator_id", id, "err", err)
				}
				continue
			}
			s.logger.Info("Wait expired", "run_id", r.id, "node_id", ns.n.ID, "correlator_id", id)
			expiresAt := ns.expiresAt
			ns.correlator, ns.expiresAt = "", time.Time{}
			s.fail(r, ns, &domain.TimeoutError{NodeID: ns.n.ID, CorrelatorID: id, ExpiresAt: expiresAt})
		}
		s.settle(r)
	}
}

func (s *Scheduler) save(r *run) {
	if s.runStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if err := s.runStore.Save(ctx, r.record()); err != nil {
		s.logger.Error("Failed to save run snapshot", "run_id", r.id, "err", err)
	}
}

func (s *Scheduler) event(typ domain.EventType, runID string) domain.EventBase {
	return domain.EventBase{Timestamp: s.now(), Type: typ, RunID: runID}
}

func (s *Scheduler) nodeEvent(hook func(context.Context, *domain.NodeEvent), typ domain.EventType, r *run, ns *nodeState, d time.Duration) {
	if hook == nil {
		return
	}
	hook(s.ctx, &domain.NodeEvent{
		EventBase:    s.event(typ, r.id),
		NodeID:       ns.n.ID,
		State:        ns.state,
		Attempt:      ns.attempt,
		CorrelatorID: ns.correlator,
		Duration:     d,
		Err:          ns.err,
	})
}
