package forum

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/identity"
	"github.com/descord/core/op"
	"github.com/descord/core/types"
)

const inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const inviteCodeLength = 8

// SpaceManager owns the set of Spaces this replica knows about: their
// roster, roles, visibility, and invites. It never references a
// ChannelManager, ThreadManager, or the MLS layer; the Client façade
// mediates any epoch or membership-delta notification those layers
// need.
type SpaceManager struct {
	engine *opEngine

	mu     sync.RWMutex
	spaces map[types.SpaceId]*types.Space
}

// NewSpaceManager builds an empty manager.
func NewSpaceManager() *SpaceManager {
	sm := &SpaceManager{spaces: make(map[types.SpaceId]*types.Space)}
	sm.engine = newOpEngine(sm.applyOp)
	return sm
}

// Get returns a Space by id.
func (sm *SpaceManager) Get(id types.SpaceId) (*types.Space, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.spaces[id]
	return s, ok
}

// ListSpaces returns every Space this replica currently knows about.
func (sm *SpaceManager) ListSpaces() []*types.Space {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*types.Space, 0, len(sm.spaces))
	for _, s := range sm.spaces {
		out = append(out, s)
	}
	return out
}

// Epoch reports the manager's current validator epoch for a Space.
func (sm *SpaceManager) Epoch(id types.SpaceId) types.EpochId { return sm.engine.epoch(id) }

// UpdateEpoch advances the manager's validator epoch after an MLS commit.
func (sm *SpaceManager) UpdateEpoch(id types.SpaceId, epoch types.EpochId) {
	sm.engine.updateEpoch(id, epoch)
}

// Receive validates and, if accepted, applies a remote envelope.
func (sm *SpaceManager) Receive(env *op.Envelope) error { return sm.engine.receive(env) }

// CreateSpace founds a new Space with the caller as sole member and
// administrator. Default role is a bare member role with no
// administrator bit.
func (sm *SpaceManager) CreateSpace(signer identity.Keypair, name string, description *string, visibility types.SpaceVisibility, membershipMode types.MembershipMode, nowMs uint64) (*types.Space, *op.Envelope, error) {
	spaceId := types.NewSpaceId()
	payload := op.CreateSpacePayload{Name: name, Description: description}

	env, err := sm.engine.submit(signer, spaceId, nil, nil, op.CreateSpace, payload, 0, nowMs)
	if err != nil {
		return nil, nil, err
	}

	sm.mu.Lock()
	space := sm.spaces[spaceId]
	space.Visibility = visibility
	space.MembershipMode = membershipMode
	sm.mu.Unlock()

	return space, env, nil
}

// AddMember submits an AddMember op granting role to user.
func (sm *SpaceManager) AddMember(signer identity.Keypair, space types.SpaceId, user types.UserId, role types.RoleId, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	return sm.engine.submit(signer, space, nil, nil, op.AddMember, op.AddMemberPayload{UserId: user, RoleId: role}, epoch, nowMs)
}

// RemoveMember submits a RemoveMember op.
func (sm *SpaceManager) RemoveMember(signer identity.Keypair, space types.SpaceId, user types.UserId, reason *string, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	return sm.engine.submit(signer, space, nil, nil, op.RemoveMember, op.RemoveMemberPayload{UserId: user, Reason: reason}, epoch, nowMs)
}

// AssignRole submits an AssignRole op. Rejects locally if the caller's
// current role is not strictly senior to the target role.
func (sm *SpaceManager) AssignRole(signer identity.Keypair, space types.SpaceId, user types.UserId, role types.RoleId, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	sm.mu.RLock()
	s, ok := sm.spaces[space]
	sm.mu.RUnlock()
	if !ok {
		return nil, descorderr.New(descorderr.NotFound, "space %s not found", space)
	}
	if assignerRole, ok := s.MemberRoles[signer.UserId()]; !ok || !s.CanAssignRole(assignerRole, role) {
		return nil, descorderr.New(descorderr.Permission, "caller may not assign role %s", role)
	}
	return sm.engine.submit(signer, space, nil, nil, op.AssignRole, op.AssignRolePayload{UserId: user, RoleId: role}, epoch, nowMs)
}

// RemoveRole submits a RemoveRole op, demoting user back to the Space's
// default role. Rejects locally under the same seniority rule as AssignRole.
func (sm *SpaceManager) RemoveRole(signer identity.Keypair, space types.SpaceId, user types.UserId, role types.RoleId, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	sm.mu.RLock()
	s, ok := sm.spaces[space]
	sm.mu.RUnlock()
	if !ok {
		return nil, descorderr.New(descorderr.NotFound, "space %s not found", space)
	}
	if assignerRole, ok := s.MemberRoles[signer.UserId()]; !ok || !s.CanAssignRole(assignerRole, role) {
		return nil, descorderr.New(descorderr.Permission, "caller may not remove role %s", role)
	}
	return sm.engine.submit(signer, space, nil, nil, op.RemoveRole, op.RemoveRolePayload{UserId: user, RoleId: role}, epoch, nowMs)
}

// MuteUser submits a MuteUser op silencing user for durationSecs from the
// op's timestamp; a nil durationSecs lifts any existing mute.
func (sm *SpaceManager) MuteUser(signer identity.Keypair, space types.SpaceId, user types.UserId, durationSecs *uint64, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	return sm.engine.submit(signer, space, nil, nil, op.MuteUser, op.MuteUserPayload{UserId: user, DurationSecs: durationSecs}, epoch, nowMs)
}

// BanUser submits a BanUser op. Unlike RemoveMember, a ban carries a
// reason but does not by itself advance the MLS epoch, and no
// RemoveMember is issued alongside it.
func (sm *SpaceManager) BanUser(signer identity.Keypair, space types.SpaceId, user types.UserId, reason *string, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	return sm.engine.submit(signer, space, nil, nil, op.BanUser, op.BanUserPayload{UserId: user, Reason: reason}, epoch, nowMs)
}

// UpdateVisibility submits an UpdateSpaceVisibility op.
func (sm *SpaceManager) UpdateVisibility(signer identity.Keypair, space types.SpaceId, visibility types.SpaceVisibility, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	return sm.engine.submit(signer, space, nil, nil, op.UpdateSpaceVisibility, op.UpdateSpaceVisibilityPayload{Visibility: visibility}, epoch, nowMs)
}

// CreateInvite mints a fresh code, gated by the Space's InvitePermissions
// and the caller's role.
func (sm *SpaceManager) CreateInvite(signer identity.Keypair, space types.SpaceId, maxUses *uint32, ttl *time.Duration, epoch types.EpochId, nowMs uint64) (*types.Invite, *op.Envelope, error) {
	sm.mu.RLock()
	s, ok := sm.spaces[space]
	sm.mu.RUnlock()
	if !ok {
		return nil, nil, descorderr.New(descorderr.NotFound, "space %s not found", space)
	}
	if !canCreateInvite(s, signer.UserId()) {
		return nil, nil, descorderr.New(descorderr.Permission, "caller may not create invites in space %s", space)
	}

	code, err := randomInviteCode()
	if err != nil {
		return nil, nil, descorderr.Wrap(descorderr.Crypto, err, "generate invite code")
	}

	invite := types.Invite{
		Id:        types.NewInviteId(),
		SpaceId:   space,
		Creator:   signer.UserId(),
		Code:      code,
		MaxUses:   maxUses,
		CreatedAt: time.UnixMilli(int64(nowMs)),
	}
	if ttl != nil {
		expiry := invite.CreatedAt.Add(*ttl)
		invite.ExpiresAt = &expiry
	}

	env, err := sm.engine.submit(signer, space, nil, nil, op.CreateInvite, op.CreateInvitePayload{Invite: invite}, epoch, nowMs)
	if err != nil {
		return nil, nil, err
	}
	return &invite, env, nil
}

// RevokeInvite submits a RevokeInvite op.
func (sm *SpaceManager) RevokeInvite(signer identity.Keypair, space types.SpaceId, invite types.InviteId, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	return sm.engine.submit(signer, space, nil, nil, op.RevokeInvite, op.RevokeInvitePayload{InviteId: invite}, epoch, nowMs)
}

// UseInvite redeems a code, submitting an AddMember-equivalent UseInvite
// op for the caller themself.
func (sm *SpaceManager) UseInvite(signer identity.Keypair, space types.SpaceId, invite types.InviteId, code string, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	sm.mu.RLock()
	s, ok := sm.spaces[space]
	sm.mu.RUnlock()
	if !ok {
		return nil, descorderr.New(descorderr.NotFound, "space %s not found", space)
	}
	inv, ok := s.Invites[invite]
	if !ok || inv.Code != code || !inv.IsValid(time.UnixMilli(int64(nowMs))) {
		return nil, descorderr.New(descorderr.InvalidOperation, "invite %s is not valid", invite)
	}
	return sm.engine.submit(signer, space, nil, nil, op.UseInvite, op.UseInvitePayload{InviteId: invite, Code: code}, epoch, nowMs)
}

func canCreateInvite(s *types.Space, user types.UserId) bool {
	roleId, isMember := s.MemberRoles[user]
	if !isMember {
		return false
	}
	switch s.InvitePermissions.WhoCanInvite {
	case types.InviteCreatorEveryone:
		return true
	case types.InviteCreatorAdminAndModerator:
		return s.HasPermission(user, types.PermKickMembers) || s.HasPermission(user, types.PermAdministrator)
	case types.InviteCreatorAdminOnly:
		role, ok := s.Roles[roleId]
		return ok && role.Permissions.Has(types.PermAdministrator)
	default:
		return false
	}
}

func randomInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, inviteCodeLength)
	for i, b := range buf {
		out[i] = inviteCodeAlphabet[int(b)%len(inviteCodeAlphabet)]
	}
	return string(out), nil
}

// applyOp is the engine's entity-mutation callback: dispatch on the
// envelope's op type and mutate the in-memory Space it targets.
func (sm *SpaceManager) applyOp(env *op.Envelope) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch env.Type {
	case op.CreateSpace:
		var payload op.CreateSpacePayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		adminRole := types.Role{Id: types.NewRoleId(), Name: "Admin", Permissions: types.PermissionsAdmin, Position: 100}
		moderatorRole := types.Role{Id: types.NewRoleId(), Name: "Moderator", Permissions: types.PermissionsModerator, Position: 50}
		memberRole := types.Role{Id: types.NewRoleId(), Name: "Member", Permissions: types.PermissionsMember, Position: 0}
		sm.spaces[env.SpaceId] = &types.Space{
			Id:                env.SpaceId,
			Name:              payload.Name,
			Description:       payload.Description,
			Owner:             env.Author,
			Roles:             map[types.RoleId]types.Role{adminRole.Id: adminRole, moderatorRole.Id: moderatorRole, memberRole.Id: memberRole},
			MemberRoles:       map[types.UserId]types.RoleId{env.Author: adminRole.Id},
			DefaultRole:       memberRole.Id,
			Visibility:        types.VisibilityPublic,
			MembershipMode:    types.MembershipModeOpen,
			Invites:           make(map[types.InviteId]types.Invite),
			InvitePermissions: types.DefaultInvitePermissions(),
			JoinedAtEpoch:     map[types.UserId]types.EpochId{env.Author: 0},
			RemovedAtEpoch:    map[types.UserId]types.EpochId{},
			MutedUntil:        map[types.UserId]time.Time{},
			BanReason:         map[types.UserId]string{},
		}

	case op.UpdateSpaceVisibility:
		var payload op.UpdateSpaceVisibilityPayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if s, ok := sm.spaces[env.SpaceId]; ok {
			s.Visibility = payload.Visibility
		}

	case op.AddMember:
		var payload op.AddMemberPayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if s, ok := sm.spaces[env.SpaceId]; ok {
			s.MemberRoles[payload.UserId] = payload.RoleId
			s.JoinedAtEpoch[payload.UserId] = env.Epoch
			delete(s.RemovedAtEpoch, payload.UserId)
		}

	case op.RemoveMember:
		var payload op.RemoveMemberPayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if s, ok := sm.spaces[env.SpaceId]; ok {
			delete(s.MemberRoles, payload.UserId)
			s.RemovedAtEpoch[payload.UserId] = env.Epoch
		}

	case op.AssignRole:
		var payload op.AssignRolePayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if s, ok := sm.spaces[env.SpaceId]; ok {
			s.MemberRoles[payload.UserId] = payload.RoleId
		}

	case op.RemoveRole:
		var payload op.RemoveRolePayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if s, ok := sm.spaces[env.SpaceId]; ok {
			s.MemberRoles[payload.UserId] = s.DefaultRole
		}

	case op.MuteUser:
		var payload op.MuteUserPayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if s, ok := sm.spaces[env.SpaceId]; ok {
			if payload.DurationSecs == nil {
				delete(s.MutedUntil, payload.UserId)
			} else {
				s.MutedUntil[payload.UserId] = time.UnixMilli(int64(env.Timestamp)).Add(time.Duration(*payload.DurationSecs) * time.Second)
			}
		}

	case op.BanUser:
		var payload op.BanUserPayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if s, ok := sm.spaces[env.SpaceId]; ok {
			reason := ""
			if payload.Reason != nil {
				reason = *payload.Reason
			}
			s.BanReason[payload.UserId] = reason
		}

	case op.CreateInvite:
		var payload op.CreateInvitePayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if s, ok := sm.spaces[env.SpaceId]; ok {
			s.Invites[payload.Invite.Id] = payload.Invite
		}

	case op.RevokeInvite:
		var payload op.RevokeInvitePayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if s, ok := sm.spaces[env.SpaceId]; ok {
			if inv, ok := s.Invites[payload.InviteId]; ok {
				inv.Revoked = true
				s.Invites[payload.InviteId] = inv
			}
		}

	case op.UseInvite:
		var payload op.UseInvitePayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		s, ok := sm.spaces[env.SpaceId]
		if !ok {
			return
		}
		inv, ok := s.Invites[payload.InviteId]
		if !ok {
			return
		}
		inv.Uses++
		s.Invites[payload.InviteId] = inv
		s.MemberRoles[env.Author] = s.DefaultRole
		s.JoinedAtEpoch[env.Author] = env.Epoch
		delete(s.RemovedAtEpoch, env.Author)
	}
}
