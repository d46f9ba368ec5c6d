package dht

import (
	"context"

	"github.com/libp2p/go-libp2p-core/peer"
)

// Topic renders the three pub/sub topics the core uses. hexId is any
// hex-encoded id (Space or User) the caller already has on hand.
func SpaceOpsTopic(hexSpaceId string) string    { return "space/" + hexSpaceId }
func SpaceMLSTopic(hexSpaceId string) string    { return "space/" + hexSpaceId + "/mls" }
func UserWelcomeTopic(hexUserId string) string  { return "user/" + hexUserId + "/welcome" }

// Message is one inbound pub/sub delivery.
type Message struct {
	From peer.ID
	Data []byte
}

// PubSub is the network adapter the façade publishes ops, MLS commits,
// and welcomes through. A concrete implementation wires this against a
// real go-libp2p pubsub router; the core only ever depends on this
// interface.
type PubSub interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Unsubscribe(topic string) error
}

// DHT is the network adapter the façade stores and fetches every
// encrypted record through. Keys are always the 32-byte tags this
// package derives; values are always already-encrypted record bytes.
type DHT interface {
	PutValue(ctx context.Context, key [32]byte, value []byte) error
	GetValue(ctx context.Context, key [32]byte) ([]byte, error)
	FindPeers(ctx context.Context, key [32]byte, limit int) ([]peer.AddrInfo, error)
}
