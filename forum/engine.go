// Package forum implements the Space, Channel, and Thread state
// managers. Each manager owns its own validator, holdback queue, and
// HLC — no manager holds a reference to another; the Client façade
// mediates cross-manager notifications such as epoch advances.
package forum

import (
	"sync"
	"time"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/hlc"
	"github.com/descord/core/holdback"
	"github.com/descord/core/identity"
	"github.com/descord/core/op"
	"github.com/descord/core/types"
	"github.com/descord/core/validator"
)

// applyFunc mutates a manager's entity state for one accepted envelope.
// Called with the engine's lock held.
type applyFunc func(env *op.Envelope)

// opEngine is the accept/apply/replay machinery shared by every manager
// in this package: build-and-sign locally, or validate-buffer-apply a
// remote envelope, draining the holdback queue as dependencies resolve.
type opEngine struct {
	mu sync.RWMutex

	clock     *hlc.Clock
	validator *validator.Validator
	holdback  *holdback.Queue
	known     map[types.OpId]*op.Envelope
	frontier  map[types.OpId]struct{}
	apply     applyFunc
}

func newOpEngine(apply applyFunc) *opEngine {
	return &opEngine{
		clock:     hlc.New(),
		validator: validator.New(),
		holdback:  holdback.New(),
		known:     make(map[types.OpId]*op.Envelope),
		frontier:  make(map[types.OpId]struct{}),
		apply:     apply,
	}
}

// heads returns the current causal frontier: the subset of known ops not
// yet named as a parent by any other known op. Callers must hold mu.
func (e *opEngine) heads() []types.OpId {
	out := make([]types.OpId, 0, len(e.frontier))
	for id := range e.frontier {
		out = append(out, id)
	}
	return out
}

// submit is the local-mutation entry point: build, sign, validate,
// and apply a fresh envelope, returning it for broadcast.
func (e *opEngine) submit(signer identity.Keypair, space types.SpaceId, channelId *types.ChannelId, threadId *types.ThreadId, typ op.Type, payload interface{}, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	env, err := op.Build(op.Builder{
		SpaceId:   space,
		ChannelId: channelId,
		ThreadId:  threadId,
		Type:      typ,
		Payload:   payload,
		PrevOps:   e.heads(),
		Epoch:     epoch,
		Clock:     e.clock,
		Signer:    signer,
		NowMs:     nowMs,
	})
	if err != nil {
		return nil, err
	}

	res := e.validator.Validate(env, e.known)
	if res.Outcome != validator.Accept {
		return nil, descorderr.New(descorderr.InvalidOperation, "freshly built %s op did not validate (outcome %d)", typ, res.Outcome)
	}
	e.acceptLocked(env)
	return env, nil
}

// receive is the remote-apply entry point, run for every envelope
// arriving over pubsub or DHT replay.
func (e *opEngine) receive(env *op.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiveLocked(env)
}

func (e *opEngine) receiveLocked(env *op.Envelope) error {
	if _, dup := e.known[env.OpId]; dup {
		return nil
	}

	res := e.validator.Validate(env, e.known)
	switch res.Outcome {
	case validator.Accept:
		e.acceptLocked(env)
		return nil
	case validator.Buffered:
		if res.WaitingEpoch {
			return e.holdback.BufferForEpoch(env, env.Epoch, time.Now())
		}
		return e.holdback.Buffer(env, res.MissingParents, time.Now())
	default:
		return res.Err
	}
}

func (e *opEngine) acceptLocked(env *op.Envelope) {
	e.validator.ApplyOp(env)
	e.known[env.OpId] = env
	for _, parent := range env.PrevOps {
		delete(e.frontier, parent)
	}
	e.frontier[env.OpId] = struct{}{}
	e.apply(env)

	for _, ready := range e.holdback.OnOpAccepted(env.OpId) {
		e.receiveLocked(ready)
	}
}

// updateEpoch advances this manager's validator epoch for space and
// drains any ops the holdback queue was keeping back for it. Called by
// the façade after an MLS commit, never by a CRDT op.
func (e *opEngine) updateEpoch(space types.SpaceId, epoch types.EpochId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validator.UpdateEpoch(space, epoch)
	for _, ready := range e.holdback.OnEpochUpdated(space, epoch) {
		e.receiveLocked(ready)
	}
}

// addMember installs a membership row directly in the engine's
// validator, used for the founder path and for a member accepted
// through the Invite/MLS Welcome flow rather than through an AddMember
// op this particular manager observed.
func (e *opEngine) addMember(space types.SpaceId, user types.UserId, epoch types.EpochId, role types.RoleId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validator.AddMember(space, user, epoch, role)
}

// removeMember marks a membership row removed as of epoch directly in
// the engine's validator, used when the façade learns of a removal
// through an MLS commit rather than a CRDT op this manager observed.
func (e *opEngine) removeMember(space types.SpaceId, user types.UserId, epoch types.EpochId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validator.RemoveMember(space, user, epoch)
}

// epoch reports this engine's current validator epoch for space.
func (e *opEngine) epoch(space types.SpaceId) types.EpochId {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.validator.Epoch(space)
}
