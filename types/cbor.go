package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// The identifier and digest types below hand-roll MarshalCBOR/UnmarshalCBOR
// so their canonical encoding is a plain CBOR byte string (the wire shape
// every other example repo in the pack uses for fixed-size keys/hashes),
// not the default array-of-uints CBOR would otherwise produce for a Go
// array type.

func marshalFixedBytes(b []byte) ([]byte, error) { return cbor.Marshal(b) }

func unmarshalFixedBytes(data []byte, out []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != len(out) {
		return fmt.Errorf("types: expected %d raw bytes, got %d", len(out), len(raw))
	}
	copy(out, raw)
	return nil
}

func (u UserId) MarshalCBOR() ([]byte, error)    { return marshalFixedBytes(u[:]) }
func (u *UserId) UnmarshalCBOR(b []byte) error   { return unmarshalFixedBytes(b, u[:]) }
func (h ContentHash) MarshalCBOR() ([]byte, error)  { return marshalFixedBytes(h[:]) }
func (h *ContentHash) UnmarshalCBOR(b []byte) error { return unmarshalFixedBytes(b, h[:]) }
func (s Signature) MarshalCBOR() ([]byte, error)    { return marshalFixedBytes(s[:]) }
func (s *Signature) UnmarshalCBOR(b []byte) error   { return unmarshalFixedBytes(b, s[:]) }

func marshalUUID(u uuid.UUID) ([]byte, error) { return cbor.Marshal(u[:]) }

func unmarshalUUID(data []byte, out *uuid.UUID) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := uuid.FromBytes(raw)
	if err != nil {
		return err
	}
	*out = parsed
	return nil
}

func (id SpaceId) MarshalCBOR() ([]byte, error)    { return marshalUUID(id.UUID) }
func (id *SpaceId) UnmarshalCBOR(b []byte) error   { return unmarshalUUID(b, &id.UUID) }
func (id ChannelId) MarshalCBOR() ([]byte, error)  { return marshalUUID(id.UUID) }
func (id *ChannelId) UnmarshalCBOR(b []byte) error { return unmarshalUUID(b, &id.UUID) }
func (id ThreadId) MarshalCBOR() ([]byte, error)   { return marshalUUID(id.UUID) }
func (id *ThreadId) UnmarshalCBOR(b []byte) error  { return unmarshalUUID(b, &id.UUID) }
func (id MessageId) MarshalCBOR() ([]byte, error)  { return marshalUUID(id.UUID) }
func (id *MessageId) UnmarshalCBOR(b []byte) error { return unmarshalUUID(b, &id.UUID) }
func (id OpId) MarshalCBOR() ([]byte, error)       { return marshalUUID(id.UUID) }
func (id *OpId) UnmarshalCBOR(b []byte) error      { return unmarshalUUID(b, &id.UUID) }
func (id InviteId) MarshalCBOR() ([]byte, error)   { return marshalUUID(id.UUID) }
func (id *InviteId) UnmarshalCBOR(b []byte) error  { return unmarshalUUID(b, &id.UUID) }
func (id RoleId) MarshalCBOR() ([]byte, error)     { return marshalUUID(id.UUID) }
func (id *RoleId) UnmarshalCBOR(b []byte) error    { return unmarshalUUID(b, &id.UUID) }
