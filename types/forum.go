package types

import "time"

// Channel is a text container inside a Space.
type Channel struct {
	Id          ChannelId
	SpaceId     SpaceId
	Name        string
	Description *string
	Creator     UserId
	CreatedAt   time.Time
	Archived    bool
}

// Thread is a multi-message discussion inside a Channel.
type Thread struct {
	Id             ThreadId
	SpaceId        SpaceId
	ChannelId      ChannelId
	Title          *string
	FirstMessageId MessageId
	Creator        UserId
	CreatedAt      time.Time
	Resolved       bool
	MessageCount   uint64
}

// Message is a leaf content record inside a Thread. Deletion is
// logical: Deleted is set but the record remains in history.
type Message struct {
	Id        MessageId
	ThreadId  ThreadId
	Author    UserId
	Content   string
	CreatedAt time.Time
	EditedAt  *time.Time
	Deleted   bool
}

// KeyPackageBundle is an opaque MLS handshake bundle signed by its owner.
type KeyPackageBundle struct {
	UserId           UserId
	SerializedBundle []byte
	CreatedAt        time.Time
	Signature        Signature
}
