package types

import "time"

// SpaceVisibility gates discoverability and invite requirements. Each
// variant carries observable behavior consumed by the façade and DHT
// adapters, not just a label.
type SpaceVisibility uint8

const (
	VisibilityPublic SpaceVisibility = iota
	VisibilityPrivate
	VisibilityHidden
)

// IsDiscoverable reports whether the Space may be surfaced by scan/search.
func (v SpaceVisibility) IsDiscoverable() bool { return v == VisibilityPublic }

// RequiresInvite reports whether joining requires a valid invite.
func (v SpaceVisibility) RequiresInvite() bool { return v != VisibilityPublic }

// IsHidden reports whether the façade must withhold this Space's ID
// from any discovery-oriented pubsub announcement.
func (v SpaceVisibility) IsHidden() bool { return v == VisibilityHidden }

// MembershipMode determines whether a Space maintains an MLS group.
type MembershipMode uint8

const (
	MembershipModeOpen MembershipMode = iota
	MembershipModeMLS
)

// InviteCreatorRole gates who may create invites under a Space's policy.
type InviteCreatorRole uint8

const (
	InviteCreatorAdminOnly InviteCreatorRole = iota
	InviteCreatorAdminAndModerator
	InviteCreatorEveryone
)

// InvitePermissions carries defaults ported from the original's
// InvitePermissions (max_age_hours: Some(168), max_uses_default: 10).
type InvitePermissions struct {
	WhoCanInvite  InviteCreatorRole
	MaxAgeHours   *uint32
	MaxUsesDefault uint32
}

// DefaultInvitePermissions mirrors the original's Default impl.
func DefaultInvitePermissions() InvitePermissions {
	maxAge := uint32(168)
	return InvitePermissions{
		WhoCanInvite:   InviteCreatorEveryone,
		MaxAgeHours:    &maxAge,
		MaxUsesDefault: 10,
	}
}

// Invite is an 8-alphanumeric-code join token for a Space. Field tags give
// it a canonical CBOR encoding when embedded in a CreateInvite op payload.
type Invite struct {
	Id        InviteId   `cbor:"0,keyasint"`
	SpaceId   SpaceId    `cbor:"1,keyasint"`
	Creator   UserId     `cbor:"2,keyasint"`
	Code      string     `cbor:"3,keyasint"`
	MaxUses   *uint32    `cbor:"4,keyasint,omitempty"`
	ExpiresAt *time.Time `cbor:"5,keyasint,omitempty"`
	Uses      uint32     `cbor:"6,keyasint"`
	CreatedAt time.Time  `cbor:"7,keyasint"`
	Revoked   bool       `cbor:"8,keyasint"`
}

// IsValid checks revoked, then expiry, then use count — in that order,
// mirroring the original's Invite::is_valid.
func (i Invite) IsValid(now time.Time) bool {
	if i.Revoked {
		return false
	}
	if i.ExpiresAt != nil && !now.Before(*i.ExpiresAt) {
		return false
	}
	if i.MaxUses != nil && i.Uses >= *i.MaxUses {
		return false
	}
	return true
}

// Space is the top-level forum container.
type Space struct {
	Id                SpaceId
	Name              string
	Description       *string
	Owner             UserId
	Roles             map[RoleId]Role
	MemberRoles       map[UserId]RoleId
	DefaultRole       RoleId
	Visibility        SpaceVisibility
	MembershipMode    MembershipMode
	Invites           map[InviteId]Invite
	InvitePermissions InvitePermissions
	Epoch             EpochId

	// JoinedAtEpoch/RemovedAtEpoch track membership windows per user,
	// consulted by the validator (component D) for the membership test
	// independent of the CRDT-visible MemberRoles map, so a removed
	// user's historical epoch window survives role bookkeeping churn.
	JoinedAtEpoch  map[UserId]EpochId
	RemovedAtEpoch map[UserId]EpochId

	// MutedUntil and BanReason are moderation state a member in good
	// standing may still carry: muting and banning gate posting and
	// visibility, not membership or encryption group participation.
	MutedUntil map[UserId]time.Time
	BanReason  map[UserId]string
}

// IsMuted reports whether user's mute window covers now.
func (s *Space) IsMuted(user UserId, now time.Time) bool {
	until, ok := s.MutedUntil[user]
	return ok && now.Before(until)
}

// IsBanned reports whether user currently carries a ban record.
func (s *Space) IsBanned(user UserId) bool {
	_, ok := s.BanReason[user]
	return ok
}

// HasPermission resolves a user's role and checks the bit.
func (s *Space) HasPermission(user UserId, perm Permission) bool {
	roleId, ok := s.MemberRoles[user]
	if !ok {
		return false
	}
	role, ok := s.Roles[roleId]
	if !ok {
		return false
	}
	return role.Permissions.Has(perm)
}

// IsMember reports current (non-removed) membership.
func (s *Space) IsMember(user UserId) bool {
	if _, removed := s.RemovedAtEpoch[user]; removed {
		return false
	}
	_, joined := s.JoinedAtEpoch[user]
	return joined
}

// CanAssignRole reports whether assigner (at its role position) may
// assign/remove target, which must be strictly lower in the hierarchy.
func (s *Space) CanAssignRole(assigner, target RoleId) bool {
	assignerRole, ok := s.Roles[assigner]
	if !ok {
		return false
	}
	targetRole, ok := s.Roles[target]
	if !ok {
		return false
	}
	return assignerRole.Position > targetRole.Position
}
