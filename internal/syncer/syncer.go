// Package syncer implements the push-then-pull reconciliation engine.
//
// One cycle drains the offline queue into a collapsed push payload,
// applies the server's ID assignments, then pulls server-side changes
// since the stored watermark and applies them under the last-writer-wins
// rule. The watermark advances only after the pulled window is durably
// applied, so a failed cycle is always safe to rerun.
//
// Only one cycle runs per engine instance. A Sync call made while a
// cycle is in flight attaches to that cycle's result instead of starting
// a second network round trip.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/clinsync/clinsync/internal/model"
	"github.com/clinsync/clinsync/internal/queue"
	"github.com/clinsync/clinsync/internal/store"
)

// Transport sends sync requests to the server. Implementations map
// transport-level failures onto the package error taxonomy.
type Transport interface {
	// Push sends collapsed local changes. lastPulledAt is the client's
	// watermark, used by the server for optimistic staleness checks.
	Push(ctx context.Context, req model.PushRequest, lastPulledAt int64) (*model.PushResponse, error)

	// Pull requests changes since the watermark. A zero lastPulledAt
	// means "everything" (first sync).
	Pull(ctx context.Context, lastPulledAt int64) (*model.PullResponse, error)
}

// State is the engine's position in the sync cycle.
type State int32

const (
	StateIdle State = iota
	StatePushing
	StatePulling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	}
	return "unknown"
}

// CycleResult summarizes one completed (or failed) sync cycle.
type CycleResult struct {
	Pushed           int
	Pulled           int
	ConflictsDropped int
	Rejected         []*ValidationError
	CompletedAt      time.Time
	Err              error
}

// Hooks receive engine lifecycle notifications. All fields are optional.
type Hooks struct {
	OnStateChange func(State)
	OnResult      func(*CycleResult)
}

// Engine orchestrates sync cycles over a local store, its mutation
// tracker and a server transport.
type Engine struct {
	store     *store.Store
	tracker   *queue.Tracker
	transport Transport
	logger    *log.Logger
	hooks     Hooks

	mu       sync.Mutex
	state    State
	inflight *inflight
	paused   bool
}

type inflight struct {
	done   chan struct{}
	result *CycleResult
}

// New creates a sync engine. If logger is nil, a default logger writing
// to stderr is used.
func New(st *store.Store, tracker *queue.Tracker, transport Transport, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{
		store:     st,
		tracker:   tracker,
		transport: transport,
		logger:    logger,
	}
}

// SetHooks registers lifecycle callbacks. Must be called before Sync.
func (e *Engine) SetHooks(h Hooks) {
	e.hooks = h
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Paused reports whether the engine is paused pending re-authentication.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Resume clears the auth pause after external re-authentication.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

// Sync runs one push-then-pull cycle, or attaches to the cycle already
// in flight. A failed cycle leaves dirty flags and the watermark exactly
// as they were.
func (e *Engine) Sync(ctx context.Context) (*CycleResult, error) {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine paused: %w", ErrAuth)
	}
	if fl := e.inflight; fl != nil {
		e.mu.Unlock()
		select {
		case <-fl.done:
			return fl.result, fl.result.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	e.inflight = fl
	e.mu.Unlock()

	result := e.runCycle(ctx)
	result.CompletedAt = time.Now().UTC()

	e.mu.Lock()
	e.inflight = nil
	e.state = StateIdle
	if errors.Is(result.Err, ErrAuth) {
		e.paused = true
	}
	e.mu.Unlock()

	fl.result = result
	close(fl.done)

	e.notifyState(StateIdle)
	if e.hooks.OnResult != nil {
		e.hooks.OnResult(result)
	}
	return result, result.Err
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.notifyState(s)
}

func (e *Engine) notifyState(s State) {
	if e.hooks.OnStateChange != nil {
		e.hooks.OnStateChange(s)
	}
}

// runCycle executes the two phases. Any error transitions back to Idle
// without a watermark advance; the caller records it in the result.
func (e *Engine) runCycle(ctx context.Context) *CycleResult {
	result := &CycleResult{}

	// ---- Push phase ----
	e.setState(StatePushing)

	ops, err := e.tracker.Drain(ctx)
	if err != nil {
		result.Err = fmt.Errorf("failed to drain queue: %w (%w)", err, ErrStorage)
		return result
	}

	watermark, err := e.store.Watermark(ctx)
	if err != nil {
		result.Err = fmt.Errorf("%w (%w)", err, ErrStorage)
		return result
	}

	if len(ops) > 0 {
		pushed, err := buildChangeSet(ops)
		if err != nil {
			result.Err = fmt.Errorf("failed to build push payload: %w (%w)", err, ErrStorage)
			return result
		}

		resp, err := e.transport.Push(ctx, model.PushRequest{Changes: pushed}, watermark)
		if err != nil {
			// Dirty flags and the queue are untouched; next cycle retries.
			result.Err = fmt.Errorf("push failed: %w", err)
			return result
		}

		accepted, rejected := partitionRejected(ops, pushed, resp.Rejected)
		for _, r := range resp.Rejected {
			result.Rejected = append(result.Rejected, &ValidationError{
				EntityType: r.EntityType,
				LocalID:    r.LocalID,
				Reason:     r.Reason,
			})
		}

		if err := e.store.ApplyPushAck(ctx, accepted.changes, resp.IDMap, model.WatermarkTime(resp.AckAt)); err != nil {
			result.Err = fmt.Errorf("failed to apply push ack: %w (%w)", err, ErrStorage)
			return result
		}

		// Rejected ops leave the queue individually; the rest of the
		// batch is acknowledged and stays eligible only if re-written.
		for _, op := range rejected {
			if err := e.tracker.Reject(ctx, op); err != nil {
				result.Err = fmt.Errorf("failed to drop rejected op: %w (%w)", err, ErrStorage)
				return result
			}
		}
		if err := e.tracker.Acknowledge(ctx, accepted.ops); err != nil {
			result.Err = fmt.Errorf("failed to acknowledge queue: %w (%w)", err, ErrStorage)
			return result
		}

		result.Pushed = len(accepted.ops)
		e.logger.Printf("Pushed %d ops (%d rejected)", len(accepted.ops), len(rejected))
	}

	// ---- Pull phase ----
	// Attempted even when the push had nothing to send.
	e.setState(StatePulling)

	pullResp, err := e.transport.Pull(ctx, watermark)
	if err != nil {
		result.Err = fmt.Errorf("pull failed: %w", err)
		return result
	}

	applied, err := e.store.ApplyRemoteChanges(ctx, pullResp.Changes, pullResp.Timestamp)
	if err != nil {
		// Watermark did not advance; the next cycle re-pulls the window.
		result.Err = fmt.Errorf("failed to apply pulled changes: %w (%w)", err, ErrStorage)
		return result
	}

	result.Pulled = applied.Applied
	result.ConflictsDropped = applied.ConflictsDropped
	e.logger.Printf("Pulled %d changes (%d conflicts dropped), watermark=%d",
		applied.Applied, applied.ConflictsDropped, pullResp.Timestamp)

	return result
}

// buildChangeSet converts drained queue ops into the wire payload.
func buildChangeSet(ops []queue.PendingOp) (model.ChangeSet, error) {
	var cs model.ChangeSet

	for _, op := range ops {
		switch op.EntityType {
		case model.EntityPatient:
			if op.Op == model.OpDelete {
				cs.Patients.Deleted = append(cs.Patients.Deleted, op.LocalID)
				continue
			}
			var p model.Patient
			if err := json.Unmarshal(op.Payload, &p); err != nil {
				return cs, fmt.Errorf("corrupt queue payload for patient %s: %w", op.LocalID, err)
			}
			if op.Op == model.OpCreate {
				cs.Patients.Created = append(cs.Patients.Created, p)
			} else {
				cs.Patients.Updated = append(cs.Patients.Updated, p)
			}
		case model.EntityNote:
			if op.Op == model.OpDelete {
				cs.Notes.Deleted = append(cs.Notes.Deleted, op.LocalID)
				continue
			}
			var n model.PatientNote
			if err := json.Unmarshal(op.Payload, &n); err != nil {
				return cs, fmt.Errorf("corrupt queue payload for note %s: %w", op.LocalID, err)
			}
			if op.Op == model.OpCreate {
				cs.Notes.Created = append(cs.Notes.Created, n)
			} else {
				cs.Notes.Updated = append(cs.Notes.Updated, n)
			}
		default:
			return cs, fmt.Errorf("unknown entity type %q in queue", op.EntityType)
		}
	}

	return cs, nil
}

type acceptedBatch struct {
	ops     []queue.PendingOp
	changes model.ChangeSet
}

// partitionRejected splits the pushed batch into the accepted remainder
// and the individually rejected ops. Rejected entities must not have
// their dirty flags cleared or tombstones purged.
func partitionRejected(ops []queue.PendingOp, pushed model.ChangeSet, rejected []model.RejectedOp) (acceptedBatch, []queue.PendingOp) {
	if len(rejected) == 0 {
		return acceptedBatch{ops: ops, changes: pushed}, nil
	}

	rejectedSet := make(map[string]bool, len(rejected))
	for _, r := range rejected {
		rejectedSet[r.EntityType+"/"+r.LocalID] = true
	}

	var accepted acceptedBatch
	var rejectedOps []queue.PendingOp
	for _, op := range ops {
		if rejectedSet[op.EntityType+"/"+op.LocalID] {
			rejectedOps = append(rejectedOps, op)
		} else {
			accepted.ops = append(accepted.ops, op)
		}
	}

	for _, p := range pushed.Patients.Created {
		if !rejectedSet[model.EntityPatient+"/"+p.LocalID] {
			accepted.changes.Patients.Created = append(accepted.changes.Patients.Created, p)
		}
	}
	for _, p := range pushed.Patients.Updated {
		if !rejectedSet[model.EntityPatient+"/"+p.LocalID] {
			accepted.changes.Patients.Updated = append(accepted.changes.Patients.Updated, p)
		}
	}
	for _, id := range pushed.Patients.Deleted {
		if !rejectedSet[model.EntityPatient+"/"+id] {
			accepted.changes.Patients.Deleted = append(accepted.changes.Patients.Deleted, id)
		}
	}
	for _, n := range pushed.Notes.Created {
		if !rejectedSet[model.EntityNote+"/"+n.LocalID] {
			accepted.changes.Notes.Created = append(accepted.changes.Notes.Created, n)
		}
	}
	for _, n := range pushed.Notes.Updated {
		if !rejectedSet[model.EntityNote+"/"+n.LocalID] {
			accepted.changes.Notes.Updated = append(accepted.changes.Notes.Updated, n)
		}
	}
	for _, id := range pushed.Notes.Deleted {
		if !rejectedSet[model.EntityNote+"/"+id] {
			accepted.changes.Notes.Deleted = append(accepted.changes.Notes.Deleted, id)
		}
	}

	return accepted, rejectedOps
}
