// Package validator implements the accept/buffer/reject decision over
// an operation envelope's signature, causal dependencies, and
// epoch/membership state.
package validator

import (
	"github.com/descord/core/descorderr"
	"github.com/descord/core/op"
	"github.com/descord/core/types"
)

// Outcome is the shape of a Validate call's result: accept, buffer, or
// reject.
type Outcome uint8

const (
	Accept Outcome = iota
	Buffered
	Reject
)

// Result is the validator's decision for one envelope.
type Result struct {
	Outcome Outcome

	// MissingParents is populated when Outcome is Buffered due to unknown
	// causal parents; empty (not nil) when Buffered due to a future epoch.
	MissingParents []types.OpId
	// WaitingEpoch is true when this Buffered result is keyed on the
	// Space's epoch rather than on specific parent ops.
	WaitingEpoch bool

	// Err carries the reject reason as a *descorderr.Error when Outcome
	// is Reject.
	Err error
}

func accept() Result { return Result{Outcome: Accept} }

func bufferedOn(missing []types.OpId) Result {
	return Result{Outcome: Buffered, MissingParents: missing}
}

func bufferedOnEpoch() Result {
	return Result{Outcome: Buffered, MissingParents: []types.OpId{}, WaitingEpoch: true}
}

func reject(kind descorderr.Kind, format string, args ...interface{}) Result {
	return Result{Outcome: Reject, Err: descorderr.New(kind, format, args...)}
}

// membershipRecord is the validator's own view of a user's window of
// membership in a Space, independent of the CRDT-visible Space.MemberRoles
// map: per Space, it tracks per user (joined_at_epoch, removed_at_epoch?)
// and current role.
type membershipRecord struct {
	joinedAt  types.EpochId
	removedAt *types.EpochId
	role      types.RoleId
}

// Validator holds the per-manager acceptance state: known Space epochs,
// membership windows, and the set of already-accepted op ids.
type Validator struct {
	spaceEpochs map[types.SpaceId]types.EpochId
	memberships map[types.SpaceId]map[types.UserId]*membershipRecord
	seenOps     map[types.OpId]struct{}
}

// New builds an empty validator.
func New() *Validator {
	return &Validator{
		spaceEpochs: make(map[types.SpaceId]types.EpochId),
		memberships: make(map[types.SpaceId]map[types.UserId]*membershipRecord),
		seenOps:     make(map[types.OpId]struct{}),
	}
}

// Validate implements the accept_op algorithm: signature, then
// causality, then epoch/membership, then duplicate.
func (v *Validator) Validate(env *op.Envelope, knownOps map[types.OpId]*op.Envelope) Result {
	if !env.Verify() {
		return reject(descorderr.InvalidSignature, "signature does not verify for author %s", env.Author)
	}

	var missing []types.OpId
	for _, parent := range env.PrevOps {
		if _, ok := knownOps[parent]; !ok {
			missing = append(missing, parent)
		}
	}
	if len(missing) > 0 {
		return bufferedOn(missing)
	}

	localEpoch := v.spaceEpochs[env.SpaceId]
	if env.Epoch > localEpoch {
		return bufferedOnEpoch()
	}

	// CreateSpace and UseInvite are self-bootstrapping: the founder, and
	// an invite redeemer, cannot already be a member at the time they
	// sign the op that makes them one.
	if env.Type != op.CreateSpace && env.Type != op.UseInvite {
		if res, rejected := v.checkMembership(env); rejected {
			return res
		}
	}

	if _, seen := v.seenOps[env.OpId]; seen {
		return reject(descorderr.Duplicate, "operation %s already accepted", env.OpId)
	}

	return accept()
}

func (v *Validator) checkMembership(env *op.Envelope) (Result, bool) {
	members := v.memberships[env.SpaceId]
	if members == nil {
		return reject(descorderr.Membership, "author %s is not a member of space %s", env.Author, env.SpaceId), true
	}
	record, ok := members[env.Author]
	if !ok {
		return reject(descorderr.Membership, "author %s is not a member of space %s", env.Author, env.SpaceId), true
	}
	if record.joinedAt > env.Epoch {
		return reject(descorderr.Membership, "author %s joined at epoch %d, after op epoch %d", env.Author, record.joinedAt, env.Epoch), true
	}
	if record.removedAt != nil && *record.removedAt <= env.Epoch {
		return reject(descorderr.Membership, "author %s was removed at epoch %d, at or before op epoch %d", env.Author, *record.removedAt, env.Epoch), true
	}
	return Result{}, false
}

// ApplyOp updates seen_ops, the Space's epoch bookkeeping (CreateSpace),
// and the membership rows (AddMember/RemoveMember/AssignRole) after an
// envelope has been accepted. Must be called under the owning manager's
// exclusive lock.
func (v *Validator) ApplyOp(env *op.Envelope) {
	v.seenOps[env.OpId] = struct{}{}

	switch env.Type {
	case op.CreateSpace:
		v.spaceEpochs[env.SpaceId] = 0
		v.memberships[env.SpaceId] = map[types.UserId]*membershipRecord{
			env.Author: {joinedAt: 0},
		}

	case op.AddMember:
		var payload op.AddMemberPayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		v.memberOf(env.SpaceId)[payload.UserId] = &membershipRecord{
			joinedAt: env.Epoch,
			role:     payload.RoleId,
		}

	case op.RemoveMember:
		var payload op.RemoveMemberPayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if record, ok := v.memberOf(env.SpaceId)[payload.UserId]; ok {
			epoch := env.Epoch
			record.removedAt = &epoch
		}

	case op.UseInvite:
		v.memberOf(env.SpaceId)[env.Author] = &membershipRecord{joinedAt: env.Epoch}

	case op.AssignRole:
		var payload op.AssignRolePayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		members := v.memberOf(env.SpaceId)
		record, ok := members[payload.UserId]
		if !ok {
			record = &membershipRecord{joinedAt: env.Epoch}
			members[payload.UserId] = record
		}
		record.role = payload.RoleId
	}
}

func (v *Validator) memberOf(space types.SpaceId) map[types.UserId]*membershipRecord {
	m := v.memberships[space]
	if m == nil {
		m = make(map[types.UserId]*membershipRecord)
		v.memberships[space] = m
	}
	return m
}

// UpdateEpoch advances the local epoch for a Space — only ever called
// after processing an MLS commit, never by a CRDT op.
func (v *Validator) UpdateEpoch(space types.SpaceId, epoch types.EpochId) {
	v.spaceEpochs[space] = epoch
}

// Epoch returns the validator's current view of a Space's epoch.
func (v *Validator) Epoch(space types.SpaceId) types.EpochId {
	return v.spaceEpochs[space]
}

// AddMember directly installs a membership row, used by the founder path
// (CreateSpace already adds the author) and by tests constructing
// fixtures without round-tripping through ApplyOp.
func (v *Validator) AddMember(space types.SpaceId, user types.UserId, epoch types.EpochId, role types.RoleId) {
	v.memberOf(space)[user] = &membershipRecord{joinedAt: epoch, role: role}
}

// RemoveMember directly marks user removed as of epoch, mirroring
// ApplyOp's op.RemoveMember case for a manager that never observes a
// RemoveMember envelope itself (the Channel and Thread managers learn of
// removal only through the façade's MLS commit handling, not a CRDT op
// routed to them directly).
func (v *Validator) RemoveMember(space types.SpaceId, user types.UserId, epoch types.EpochId) {
	if record, ok := v.memberOf(space)[user]; ok {
		removedAt := epoch
		record.removedAt = &removedAt
	}
}
