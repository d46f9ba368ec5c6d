// Package client implements the Client façade. It owns one instance of
// each state manager, the blob store, the sync store, the network
// adapters, and the MLS provider, and drives the five-step
// local-mutation flow every high-level action follows: build the op,
// persist it, broadcast it, batch-append it to the DHT, and return the
// new entity.
package client

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/descord/core/blob"
	"github.com/descord/core/crdtsync"
	"github.com/descord/core/descorderr"
	"github.com/descord/core/dht"
	"github.com/descord/core/forum"
	"github.com/descord/core/identity"
	"github.com/descord/core/keypackage"
	"github.com/descord/core/mls"
	"github.com/descord/core/op"
	"github.com/descord/core/storage"
	"github.com/descord/core/telemetry"
	"github.com/descord/core/types"
)

func hexSpace(id types.SpaceId) string { return hex.EncodeToString(id.Bytes()) }

func hexUser(id types.UserId) string { return hex.EncodeToString(id[:]) }

// contextWithTimeout bounds a single DHT/pubsub round trip.
func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// Config gathers everything a Client needs to start. PubSub and Table
// are optional: a nil PubSub makes broadcast a local no-op (broadcast
// failures are always non-fatal); a nil Table makes every DHT operation
// a local no-op, useful for tests that exercise only the in-process op
// flow.
type Config struct {
	Signer  identity.Keypair
	Storage *storage.DB
	PubSub  dht.PubSub
	Table   dht.DHT
	Log     *logrus.Logger
	Metrics *telemetry.Metrics
	// NowMs overrides the wall-clock timestamp source; nil uses time.Now.
	NowMs func() uint64
}

// Client is one replica's entry point: every user-visible action and
// every inbound network event passes through it.
type Client struct {
	signer identity.Keypair

	db        *storage.DB
	blobs     *blob.Store
	blobIndex *blob.Index
	keypkgs   *keypackage.Store
	sync      *crdtsync.Store

	spaces   *forum.SpaceManager
	channels *forum.ChannelManager
	threads  *forum.ThreadManager

	groups map[types.SpaceId]*mls.Group

	// batchMu guards batchLog, the in-memory accumulation of every op this
	// replica has appended to a Space's single ever-growing DHT batch
	// (seq 0, see appendToBatchLog).
	batchMu  sync.Mutex
	batchLog map[types.SpaceId][]*op.Envelope

	pubsub dht.PubSub
	table  dht.DHT

	log     *logrus.Logger
	metrics *telemetry.Metrics
	nowMs   func() uint64
}

// New wires together every component this replica owns.
func New(cfg Config) (*Client, error) {
	blobs, err := blob.NewStore(cfg.Storage.Root())
	if err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = telemetry.NewLogger()
	}
	nowMs := cfg.NowMs
	if nowMs == nil {
		nowMs = func() uint64 { return uint64(time.Now().UnixMilli()) }
	}

	return &Client{
		signer:    cfg.Signer,
		db:        cfg.Storage,
		blobs:     blobs,
		blobIndex: blob.NewIndex(cfg.Storage),
		keypkgs:   keypackage.New(cfg.Signer),
		sync:      crdtsync.NewStore(cfg.Storage),
		spaces:    forum.NewSpaceManager(),
		channels:  forum.NewChannelManager(),
		threads:   forum.NewThreadManager(),
		groups:    make(map[types.SpaceId]*mls.Group),
		batchLog:  make(map[types.SpaceId][]*op.Envelope),
		pubsub:    cfg.PubSub,
		table:     cfg.Table,
		log:       log,
		metrics:   cfg.Metrics,
		nowMs:     nowMs,
	}, nil
}

// UserId returns this replica's own identity.
func (c *Client) UserId() types.UserId { return c.signer.UserId() }

// broadcast publishes env on its Space topic. Failure is logged, never
// returned: the DHT append is the durability backstop.
func (c *Client) broadcast(topic string, env *op.Envelope) {
	if c.pubsub == nil {
		return
	}
	data, err := env.Encode()
	if err != nil {
		c.log.WithError(err).Warn("encode operation for broadcast")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := c.pubsub.Publish(ctx, topic, data); err != nil {
		c.log.WithError(err).WithField("topic", topic).Warn("broadcast failed, relying on DHT durability")
	}
}

// appendToBatchLog batch-appends env to the Space's DHT operation log
// under sequence 0 — a single ever-growing batch rather than scheduled
// multi-op batching, since correctness does not depend on batch
// granularity, only on every accepted op eventually landing in some
// batch the index names.
func (c *Client) appendToBatchLog(space types.SpaceId, env *op.Envelope) {
	if c.table == nil {
		return
	}
	c.batchMu.Lock()
	c.batchLog[space] = append(c.batchLog[space], env)
	envs := append([]*op.Envelope(nil), c.batchLog[space]...)
	c.batchMu.Unlock()

	start := time.Now()
	sealed, err := dht.SealOperationBatch(space, 0, envs)
	if err != nil {
		c.log.WithError(err).Warn("seal operation batch")
		return
	}
	encoded, err := cbor.Marshal(sealed)
	if err != nil {
		c.log.WithError(err).Warn("encode operation batch record")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := dht.OpsBatchKey(space, 0)
	if err := c.table.PutValue(ctx, key, encoded); err != nil {
		c.log.WithError(err).Warn("DHT put failed for operation batch, will retry on next append")
	}
	c.metrics.ObserveDHTLatency("put", start)

	idx := dht.NewOperationBatchIndex(space)
	idx.AddBatch(0, uint64(len(envs)), time.UnixMilli(int64(c.nowMs())))
	idxEncoded, err := cbor.Marshal(idx)
	if err == nil {
		_ = c.table.PutValue(ctx, dht.OpsIndexKey(space), idxEncoded)
	}
}

func (c *Client) recordMetric(env *op.Envelope, outcome string, reason string) {
	if c.metrics == nil {
		return
	}
	switch outcome {
	case "accepted":
		c.metrics.OpsAccepted.WithLabelValues(env.Type.String()).Inc()
	case "buffered":
		c.metrics.OpsBuffered.WithLabelValues(env.Type.String()).Inc()
	case "rejected":
		c.metrics.OpsRejected.WithLabelValues(env.Type.String(), reason).Inc()
	}
}

// CreateSpace founds a new Space, its founding MLS group, and broadcasts
// the CreateSpace op.
func (c *Client) CreateSpace(name string, description *string, visibility types.SpaceVisibility, membershipMode types.MembershipMode) (*types.Space, error) {
	space, env, err := c.spaces.CreateSpace(c.signer, name, description, visibility, membershipMode, c.nowMs())
	if err != nil {
		return nil, err
	}
	c.channels.AddMember(space.Id, c.UserId(), 0, space.DefaultRole)
	c.threads.AddMember(space.Id, c.UserId(), 0, space.DefaultRole)

	founderBoxPub, founderBoxPriv, err := mls.GenerateBoxKeypair()
	if err != nil {
		return nil, err
	}
	group, err := mls.CreateGroup(space.Id, c.UserId(), founderBoxPub, founderBoxPriv)
	if err != nil {
		return nil, err
	}
	c.groups[space.Id] = group

	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space.Id)), env)
	c.appendToBatchLog(space.Id, env)
	return space, nil
}

// ListSpaces returns every Space this replica knows about.
func (c *Client) ListSpaces() []*types.Space { return c.spaces.ListSpaces() }

// GetSpace returns a Space by id.
func (c *Client) GetSpace(id types.SpaceId) (*types.Space, bool) { return c.spaces.Get(id) }

// CreateChannel submits a CreateChannel op against space.
func (c *Client) CreateChannel(space types.SpaceId, name string, description *string) (*types.Channel, error) {
	epoch := c.spaces.Epoch(space)
	channel, env, err := c.channels.CreateChannel(c.signer, space, name, description, epoch, c.nowMs())
	if err != nil {
		return nil, err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return channel, nil
}

// ListChannels returns every Channel under space.
func (c *Client) ListChannels(space types.SpaceId) []*types.Channel { return c.channels.ListChannels(space) }

// UpdateChannel submits an UpdateChannel op.
func (c *Client) UpdateChannel(space types.SpaceId, channel types.ChannelId, name, description *string) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.channels.UpdateChannel(c.signer, space, channel, name, description, epoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// ArchiveChannel submits an ArchiveChannel op.
func (c *Client) ArchiveChannel(space types.SpaceId, channel types.ChannelId) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.channels.ArchiveChannel(c.signer, space, channel, epoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// CreateThread submits a CreateThread op, seeding it with a first message.
func (c *Client) CreateThread(space types.SpaceId, channel types.ChannelId, title *string, firstMessage string) (*types.Thread, error) {
	epoch := c.spaces.Epoch(space)
	thread, env, err := c.threads.CreateThread(c.signer, space, channel, title, firstMessage, epoch, c.nowMs())
	if err != nil {
		return nil, err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	c.indexMessage(thread.Id, thread.FirstMessageId, env)
	return thread, nil
}

// ListThreads returns every Thread under channel.
func (c *Client) ListThreads(channel types.ChannelId) []*types.Thread { return c.threads.ListThreads(channel) }

// PostMessage submits a PostMessage op into thread.
func (c *Client) PostMessage(space types.SpaceId, channel types.ChannelId, thread types.ThreadId, content string) (*types.Message, error) {
	epoch := c.spaces.Epoch(space)
	msg, env, err := c.threads.PostMessage(c.signer, space, channel, thread, content, epoch, c.nowMs())
	if err != nil {
		return nil, err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	c.indexMessage(thread, msg.Id, env)
	return msg, nil
}

// EditMessage submits an EditMessage op.
func (c *Client) EditMessage(space types.SpaceId, channel types.ChannelId, thread types.ThreadId, message types.MessageId, newContent string) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.threads.EditMessage(c.signer, space, channel, thread, message, newContent, epoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// DeleteMessage submits a DeleteMessage op.
func (c *Client) DeleteMessage(space types.SpaceId, channel types.ChannelId, thread types.ThreadId, message types.MessageId, reason *string) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.threads.DeleteMessage(c.signer, space, channel, thread, message, reason, epoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	if err := c.sync.RecordTombstone(thread, message); err != nil {
		c.log.WithError(err).Warn("record tombstone")
	}
	return nil
}

// GetMessage returns a Message by id.
func (c *Client) GetMessage(id types.MessageId) (*types.Message, bool) { return c.threads.GetMessage(id) }

// ListMessages returns every Message in thread, causally ordered.
func (c *Client) ListMessages(thread types.ThreadId) []*types.Message { return c.threads.ListMessages(thread) }

// UpdateVisibility submits an UpdateSpaceVisibility op.
func (c *Client) UpdateVisibility(space types.SpaceId, visibility types.SpaceVisibility) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.spaces.UpdateVisibility(c.signer, space, visibility, epoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// RevokeInvite submits a RevokeInvite op.
func (c *Client) RevokeInvite(space types.SpaceId, invite types.InviteId) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.spaces.RevokeInvite(c.signer, space, invite, epoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// CreateInvite mints an invite code for space.
func (c *Client) CreateInvite(space types.SpaceId, maxUses *uint32, ttl *time.Duration) (*types.Invite, error) {
	epoch := c.spaces.Epoch(space)
	invite, env, err := c.spaces.CreateInvite(c.signer, space, maxUses, ttl, epoch, c.nowMs())
	if err != nil {
		return nil, err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return invite, nil
}

// UseInvite redeems an invite code for this replica's own identity.
func (c *Client) UseInvite(space types.SpaceId, invite types.InviteId, code string) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.spaces.UseInvite(c.signer, space, invite, code, epoch, c.nowMs())
	if err != nil {
		return err
	}
	var defaultRole types.RoleId
	if s, ok := c.spaces.Get(space); ok {
		defaultRole = s.DefaultRole
	}
	c.channels.AddMember(space, c.UserId(), epoch, defaultRole)
	c.threads.AddMember(space, c.UserId(), epoch, defaultRole)
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// AssignRole submits an AssignRole op.
func (c *Client) AssignRole(space types.SpaceId, user types.UserId, role types.RoleId) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.spaces.AssignRole(c.signer, space, user, role, epoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// RemoveRole submits a RemoveRole op.
func (c *Client) RemoveRole(space types.SpaceId, user types.UserId, role types.RoleId) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.spaces.RemoveRole(c.signer, space, user, role, epoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// MuteUser submits a MuteUser op.
func (c *Client) MuteUser(space types.SpaceId, user types.UserId, durationSecs *uint64) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.spaces.MuteUser(c.signer, space, user, durationSecs, epoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// BanUser submits a BanUser op.
func (c *Client) BanUser(space types.SpaceId, user types.UserId, reason *string) error {
	epoch := c.spaces.Epoch(space)
	env, err := c.spaces.BanUser(c.signer, space, user, reason, epoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// indexMessage snapshots a locally authored message into the sync store
// with a fresh per-author sequence tick, enriching it for delta sync.
func (c *Client) indexMessage(thread types.ThreadId, message types.MessageId, env *op.Envelope) {
	clock, err := c.sync.ThreadClock(thread)
	if err != nil {
		c.log.WithError(err).Warn("load thread clock")
		return
	}
	seq := clock.Tick(env.Author)
	snap := crdtsync.MessageSnapshot{
		MessageId: message,
		Author:    env.Author,
		Seq:       seq,
		Timestamp: time.UnixMilli(int64(env.Timestamp)),
		Clock:     clock,
	}
	if err := c.sync.IndexMessage(thread, snap); err != nil {
		c.log.WithError(err).Warn("index message snapshot")
	}
}

// HandleInbound decodes raw bytes delivered over a Space's ops topic and
// routes the result through ReceiveEnvelope.
func (c *Client) HandleInbound(data []byte) error {
	env, err := decodeEnvelope(data)
	if err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "decode inbound operation")
	}
	return c.ReceiveEnvelope(env)
}

// ReceiveEnvelope routes an inbound envelope (delivered over the Space
// ops topic) to the right manager by op type, logging the outcome: the
// façade decodes, routes by op_type to a manager, and logs the result.
func (c *Client) ReceiveEnvelope(env *op.Envelope) error {
	var mgr interface{ Receive(*op.Envelope) error }
	switch env.Type {
	case op.CreateSpace, op.UpdateSpaceVisibility, op.AddMember, op.RemoveMember, op.AssignRole, op.RemoveRole,
		op.CreateInvite, op.RevokeInvite, op.UseInvite, op.MuteUser, op.BanUser:
		mgr = c.spaces
	case op.CreateChannel, op.UpdateChannel, op.ArchiveChannel:
		mgr = c.channels
	case op.CreateThread, op.PostMessage, op.EditMessage, op.DeleteMessage:
		mgr = c.threads
	default:
		return descorderr.New(descorderr.InvalidOperation, "unknown operation type %d", env.Type)
	}

	// Snapshot whether this op's target already exists before Receive
	// applies it, so a re-delivered envelope (pubsub redelivery, or DHT
	// catch-up re-observing something pubsub already delivered) does not
	// tick the sync ledger a second time: engine.receive is idempotent on
	// duplicates but reports that the same way it reports a fresh accept.
	var (
		threadAlreadyKnown  bool
		messageAlreadyKnown bool
	)
	if env.Type == op.CreateThread {
		_, threadAlreadyKnown = c.threads.GetThread(types.ThreadId{UUID: env.OpId.UUID})
	}
	if env.Type == op.PostMessage {
		var payload op.PostMessagePayload
		if op.DecodePayload(env, &payload) == nil {
			_, messageAlreadyKnown = c.threads.GetMessage(payload.MessageId)
		}
	}

	err := mgr.Receive(env)
	if err == nil {
		// A CreateSpace/AddMember/UseInvite op only ever reaches the Space
		// manager above; channels and threads still need to learn the new
		// roster, since each manager tracks membership independently.
		// MLS-gated removal already propagates through ReceiveCommit, so no
		// mirroring is needed for RemoveMember here.
		switch env.Type {
		case op.CreateSpace:
			c.channels.AddMember(env.SpaceId, env.Author, env.Epoch, types.RoleId{})
			c.threads.AddMember(env.SpaceId, env.Author, env.Epoch, types.RoleId{})
		case op.AddMember:
			var payload op.AddMemberPayload
			if op.DecodePayload(env, &payload) == nil {
				c.channels.AddMember(env.SpaceId, payload.UserId, env.Epoch, payload.RoleId)
				c.threads.AddMember(env.SpaceId, payload.UserId, env.Epoch, payload.RoleId)
			}
		case op.UseInvite:
			var role types.RoleId
			if s, ok := c.spaces.Get(env.SpaceId); ok {
				role = s.DefaultRole
			}
			c.channels.AddMember(env.SpaceId, env.Author, env.Epoch, role)
			c.threads.AddMember(env.SpaceId, env.Author, env.Epoch, role)
		}
		if env.Type == op.PostMessage && env.ThreadId != nil && !messageAlreadyKnown {
			var payload op.PostMessagePayload
			if op.DecodePayload(env, &payload) == nil {
				c.indexMessage(*env.ThreadId, payload.MessageId, env)
			}
		}
		if env.Type == op.CreateThread && env.ChannelId != nil && !threadAlreadyKnown {
			var payload op.CreateThreadPayload
			if op.DecodePayload(env, &payload) == nil {
				c.indexMessage(types.ThreadId{UUID: env.OpId.UUID}, payload.FirstMessageId, env)
			}
		}
		if env.Type == op.DeleteMessage && env.ThreadId != nil {
			var payload op.DeleteMessagePayload
			if op.DecodePayload(env, &payload) == nil {
				if tsErr := c.sync.RecordTombstone(*env.ThreadId, payload.MessageId); tsErr != nil {
					c.log.WithError(tsErr).Warn("record tombstone from remote delete")
				}
			}
		}
		c.log.WithField("op_type", env.Type.String()).WithField("op_id", env.OpId).Debug("operation processed")
		return nil
	}

	if descorderr.KindOf(err) == descorderr.Storage {
		return err
	}
	c.recordMetric(env, "rejected", descorderr.KindOf(err).String())
	c.log.WithField("op_type", env.Type.String()).WithError(err).Info("operation rejected")
	return nil
}
