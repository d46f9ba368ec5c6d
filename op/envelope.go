// Package op implements component C: the signed, typed operation envelope
// every state manager builds, broadcasts, and replays.
package op

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/hlc"
	"github.com/descord/core/identity"
	"github.com/descord/core/types"
)

// Envelope is immutable after Build returns it. Field tags are fixed so
// SigningBytes (and the full wire encoding) are stable across encoders.
type Envelope struct {
	OpId      types.OpId       `cbor:"0,keyasint"`
	SpaceId   types.SpaceId    `cbor:"1,keyasint"`
	ChannelId *types.ChannelId `cbor:"2,keyasint,omitempty"`
	ThreadId  *types.ThreadId  `cbor:"3,keyasint,omitempty"`
	Type      Type             `cbor:"4,keyasint"`
	Payload   cbor.RawMessage  `cbor:"5,keyasint"`
	PrevOps   []types.OpId     `cbor:"6,keyasint"`
	Author    types.UserId     `cbor:"7,keyasint"`
	Epoch     types.EpochId    `cbor:"8,keyasint"`
	HLC       hlc.Value        `cbor:"9,keyasint"`
	Timestamp uint64           `cbor:"10,keyasint"`
	Signature types.Signature  `cbor:"11,keyasint"`
}

// signingView is the same envelope minus the Signature field — canonical
// serialization omits the signature field itself.
type signingView struct {
	OpId      types.OpId       `cbor:"0,keyasint"`
	SpaceId   types.SpaceId    `cbor:"1,keyasint"`
	ChannelId *types.ChannelId `cbor:"2,keyasint,omitempty"`
	ThreadId  *types.ThreadId  `cbor:"3,keyasint,omitempty"`
	Type      Type             `cbor:"4,keyasint"`
	Payload   cbor.RawMessage  `cbor:"5,keyasint"`
	PrevOps   []types.OpId     `cbor:"6,keyasint"`
	Author    types.UserId     `cbor:"7,keyasint"`
	Epoch     types.EpochId    `cbor:"8,keyasint"`
	HLC       hlc.Value        `cbor:"9,keyasint"`
	Timestamp uint64           `cbor:"10,keyasint"`
}

func (e *Envelope) signingView() signingView {
	return signingView{
		OpId: e.OpId, SpaceId: e.SpaceId, ChannelId: e.ChannelId, ThreadId: e.ThreadId,
		Type: e.Type, Payload: e.Payload, PrevOps: e.PrevOps, Author: e.Author,
		Epoch: e.Epoch, HLC: e.HLC, Timestamp: e.Timestamp,
	}
}

// SigningBytes returns the canonical bytes this envelope's signature is
// computed over.
func (e *Envelope) SigningBytes() ([]byte, error) {
	return encodeCanonical(e.signingView())
}

// Encode returns the full canonical wire encoding, signature included.
func (e *Envelope) Encode() ([]byte, error) { return encodeCanonical(e) }

// Decode parses a full wire-encoded envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := decodeCanonical(data, &e); err != nil {
		return nil, descorderr.Wrap(descorderr.Storage, err, "decode operation envelope")
	}
	return &e, nil
}

// Builder gathers the fields a state manager must supply to construct one
// envelope; Build validates, serializes the payload, and signs it.
type Builder struct {
	SpaceId   types.SpaceId
	ChannelId *types.ChannelId
	ThreadId  *types.ThreadId
	Type      Type
	Payload   interface{}
	PrevOps   []types.OpId
	Epoch     types.EpochId
	Clock     *hlc.Clock
	Signer    identity.Keypair
	// NowMs is the wall-clock millisecond timestamp recorded for display
	// only, and carries no ordering authority. Callers pass it explicitly
	// so tests do not depend on wall-clock time.
	NowMs uint64
}

// Build assembles, validates, and signs a new envelope. op_id is
// fresh-random (not derived) so two parallel drafts of the same logical
// change can coexist in the log without colliding.
func Build(b Builder) (*Envelope, error) {
	if err := checkPayloadType(b.Type, b.Payload); err != nil {
		return nil, err
	}
	payloadBytes, err := encodePayload(b.Payload)
	if err != nil {
		return nil, descorderr.Wrap(descorderr.InvalidOperation, err, "encode %s payload", b.Type)
	}

	prevOps := b.PrevOps
	if prevOps == nil {
		prevOps = []types.OpId{}
	}

	env := &Envelope{
		OpId:      types.NewOpId(),
		SpaceId:   b.SpaceId,
		ChannelId: b.ChannelId,
		ThreadId:  b.ThreadId,
		Type:      b.Type,
		Payload:   payloadBytes,
		PrevOps:   prevOps,
		Author:    b.Signer.UserId(),
		Epoch:     b.Epoch,
		HLC:       b.Clock.Tick(),
		Timestamp: b.NowMs,
	}

	signingBytes, err := env.SigningBytes()
	if err != nil {
		return nil, descorderr.Wrap(descorderr.InvalidOperation, err, "compute signing bytes")
	}
	env.Signature = b.Signer.Sign(signingBytes)
	return env, nil
}

// Verify checks the envelope's signature against its canonical bytes and
// claimed author.
func (e *Envelope) Verify() bool {
	signingBytes, err := e.SigningBytes()
	if err != nil {
		return false
	}
	return identity.Verify(e.Author, signingBytes, e.Signature)
}

// DependsOn reports whether this op causally names other as a parent.
func (e *Envelope) DependsOn(other types.OpId) bool {
	for _, p := range e.PrevOps {
		if p == other {
			return true
		}
	}
	return false
}

// DecodePayload unmarshals the envelope's raw payload into a concrete,
// per-type payload struct. Callers dispatch on e.Type first.
func DecodePayload(e *Envelope, out interface{}) error {
	if err := canonicalDecMode.Unmarshal(e.Payload, out); err != nil {
		return descorderr.Wrap(descorderr.InvalidOperation, err, "decode %s payload", e.Type)
	}
	return nil
}

// checkPayloadType rejects envelope construction when the supplied
// payload Go type does not match the declared op Type, failing with
// InvalidOperation if the payload is inconsistent with the type tag.
func checkPayloadType(t Type, payload interface{}) error {
	want := payloadTypeFor(t)
	if want == nil {
		return descorderr.New(descorderr.InvalidOperation, "unknown operation type %d", t)
	}
	if fmt.Sprintf("%T", payload) != fmt.Sprintf("%T", want) {
		return descorderr.New(descorderr.InvalidOperation, "%s requires payload type %T, got %T", t, want, payload)
	}
	return nil
}

func payloadTypeFor(t Type) interface{} {
	switch t {
	case CreateSpace:
		return CreateSpacePayload{}
	case UpdateSpaceVisibility:
		return UpdateSpaceVisibilityPayload{}
	case CreateChannel:
		return CreateChannelPayload{}
	case UpdateChannel:
		return UpdateChannelPayload{}
	case ArchiveChannel:
		return struct{}{}
	case CreateThread:
		return CreateThreadPayload{}
	case PostMessage:
		return PostMessagePayload{}
	case EditMessage:
		return EditMessagePayload{}
	case DeleteMessage:
		return DeleteMessagePayload{}
	case AddMember:
		return AddMemberPayload{}
	case RemoveMember:
		return RemoveMemberPayload{}
	case AssignRole:
		return AssignRolePayload{}
	case RemoveRole:
		return RemoveRolePayload{}
	case MuteUser:
		return MuteUserPayload{}
	case BanUser:
		return BanUserPayload{}
	case CreateInvite:
		return CreateInvitePayload{}
	case RevokeInvite:
		return RevokeInvitePayload{}
	case UseInvite:
		return UseInvitePayload{}
	default:
		return nil
	}
}
