package op

import "github.com/descord/core/types"

// Type is the operation discriminant. Payload shape is keyed on this tag;
// no runtime type identifier is needed beyond it.
type Type uint8

const (
	CreateSpace Type = iota
	UpdateSpaceVisibility
	CreateChannel
	UpdateChannel
	ArchiveChannel
	CreateThread
	PostMessage
	EditMessage
	DeleteMessage
	AddMember
	RemoveMember
	AssignRole
	RemoveRole
	MuteUser
	BanUser
	CreateInvite
	RevokeInvite
	UseInvite
)

func (t Type) String() string {
	switch t {
	case CreateSpace:
		return "CreateSpace"
	case UpdateSpaceVisibility:
		return "UpdateSpaceVisibility"
	case CreateChannel:
		return "CreateChannel"
	case UpdateChannel:
		return "UpdateChannel"
	case ArchiveChannel:
		return "ArchiveChannel"
	case CreateThread:
		return "CreateThread"
	case PostMessage:
		return "PostMessage"
	case EditMessage:
		return "EditMessage"
	case DeleteMessage:
		return "DeleteMessage"
	case AddMember:
		return "AddMember"
	case RemoveMember:
		return "RemoveMember"
	case AssignRole:
		return "AssignRole"
	case RemoveRole:
		return "RemoveRole"
	case MuteUser:
		return "MuteUser"
	case BanUser:
		return "BanUser"
	case CreateInvite:
		return "CreateInvite"
	case RevokeInvite:
		return "RevokeInvite"
	case UseInvite:
		return "UseInvite"
	default:
		return "Unknown"
	}
}

// Each payload type below is the per-variant struct for one OpType. Field
// tags are fixed so a single canonical-serialization routine (Envelope's
// CBOR encoding, see envelope.go) gives fixed tag numbers and fixed
// field ordering across every variant.

type CreateSpacePayload struct {
	Name        string  `cbor:"0,keyasint"`
	Description *string `cbor:"1,keyasint,omitempty"`
}

type UpdateSpaceVisibilityPayload struct {
	Visibility types.SpaceVisibility `cbor:"0,keyasint"`
}

type CreateChannelPayload struct {
	Name        string  `cbor:"0,keyasint"`
	Description *string `cbor:"1,keyasint,omitempty"`
}

type UpdateChannelPayload struct {
	Name        *string `cbor:"0,keyasint,omitempty"`
	Description *string `cbor:"1,keyasint,omitempty"`
}

// CreateThreadPayload carries a caller-chosen FirstMessageId end to end so
// local mutation and remote apply converge on the same first message id,
// rather than each side independently generating a fresh random id that
// would diverge across replicas.
type CreateThreadPayload struct {
	Title          *string        `cbor:"0,keyasint,omitempty"`
	FirstMessage   string         `cbor:"1,keyasint"`
	FirstMessageId types.MessageId `cbor:"2,keyasint"`
}

type PostMessagePayload struct {
	MessageId types.MessageId `cbor:"0,keyasint"`
	Content   string          `cbor:"1,keyasint"`
}

type EditMessagePayload struct {
	MessageId  types.MessageId `cbor:"0,keyasint"`
	NewContent string          `cbor:"1,keyasint"`
}

type DeleteMessagePayload struct {
	MessageId types.MessageId `cbor:"0,keyasint"`
	Reason    *string         `cbor:"1,keyasint,omitempty"`
}

type AddMemberPayload struct {
	UserId types.UserId `cbor:"0,keyasint"`
	RoleId types.RoleId `cbor:"1,keyasint"`
}

type RemoveMemberPayload struct {
	UserId types.UserId `cbor:"0,keyasint"`
	Reason *string      `cbor:"1,keyasint,omitempty"`
}

type AssignRolePayload struct {
	UserId    types.UserId     `cbor:"0,keyasint"`
	RoleId    types.RoleId     `cbor:"1,keyasint"`
	ChannelId *types.ChannelId `cbor:"2,keyasint,omitempty"`
}

type RemoveRolePayload struct {
	UserId    types.UserId     `cbor:"0,keyasint"`
	RoleId    types.RoleId     `cbor:"1,keyasint"`
	ChannelId *types.ChannelId `cbor:"2,keyasint,omitempty"`
}

type MuteUserPayload struct {
	UserId       types.UserId `cbor:"0,keyasint"`
	DurationSecs *uint64      `cbor:"1,keyasint,omitempty"`
}

type BanUserPayload struct {
	UserId types.UserId `cbor:"0,keyasint"`
	Reason *string      `cbor:"1,keyasint,omitempty"`
}

type CreateInvitePayload struct {
	Invite types.Invite `cbor:"0,keyasint"`
}

type RevokeInvitePayload struct {
	InviteId types.InviteId `cbor:"0,keyasint"`
}

type UseInvitePayload struct {
	InviteId types.InviteId `cbor:"0,keyasint"`
	Code     string         `cbor:"1,keyasint"`
}
