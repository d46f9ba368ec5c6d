// Package types defines the data model shared across every core
// component: identifiers, Space/Channel/Thread/Message/Invite records,
// and the roles/permissions that gate operations on them.
package types

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/google/uuid"
)

// UserId is a 32-byte Ed25519 public key; the public key *is* the identity.
type UserId [ed25519.PublicKeySize]byte

func (u UserId) String() string { return hex.EncodeToString(u[:8]) }

// Bytes returns the raw 32-byte key.
func (u UserId) Bytes() []byte { return u[:] }

// UserIdFromPublicKey builds a UserId from a verified Ed25519 public key.
func UserIdFromPublicKey(pub ed25519.PublicKey) UserId {
	var u UserId
	copy(u[:], pub)
	return u
}

// uuidID is the shared representation for every 128-bit random
// identifier kind (SpaceId, ChannelId, ThreadId, MessageId, OpId,
// InviteId, RoleId).
type uuidID struct{ uuid.UUID }

func newUUID() uuid.UUID { return uuid.New() }

type (
	SpaceId   struct{ uuid.UUID }
	ChannelId struct{ uuid.UUID }
	ThreadId  struct{ uuid.UUID }
	MessageId struct{ uuid.UUID }
	OpId      struct{ uuid.UUID }
	InviteId  struct{ uuid.UUID }
	RoleId    struct{ uuid.UUID }
)

func (id SpaceId) Bytes() []byte   { return id.UUID[:] }
func (id ChannelId) Bytes() []byte { return id.UUID[:] }
func (id ThreadId) Bytes() []byte  { return id.UUID[:] }
func (id MessageId) Bytes() []byte { return id.UUID[:] }
func (id OpId) Bytes() []byte      { return id.UUID[:] }
func (id InviteId) Bytes() []byte  { return id.UUID[:] }
func (id RoleId) Bytes() []byte    { return id.UUID[:] }

func NewSpaceId() SpaceId     { return SpaceId{newUUID()} }
func NewChannelId() ChannelId { return ChannelId{newUUID()} }
func NewThreadId() ThreadId   { return ThreadId{newUUID()} }
func NewMessageId() MessageId { return MessageId{newUUID()} }
func NewOpId() OpId           { return OpId{newUUID()} }
func NewInviteId() InviteId   { return InviteId{newUUID()} }
func NewRoleId() RoleId       { return RoleId{newUUID()} }

// EpochId is a monotone counter advanced only by MLS commits.
type EpochId uint64

// ContentHash is a SHA-256 digest of plaintext content.
type ContentHash [32]byte

func (h ContentHash) String() string { return hex.EncodeToString(h[:]) }

// BlobHash is an alias kept distinct for readability at call sites.
type BlobHash = ContentHash

// Signature is a 64-byte Ed25519 signature.
type Signature [ed25519.SignatureSize]byte
