package client

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/dht"
	"github.com/descord/core/keypackage"
	"github.com/descord/core/mls"
	"github.com/descord/core/op"
	"github.com/descord/core/types"
)

// AddMember fetches target's freshest published KeyPackage from the DHT
// (or accepts one supplied directly, for tests without a DHT), issues an
// MLS Add commit, broadcasts the Commit on the Space's MLS topic and the
// Welcome directly to target, advances the epoch across all three state
// managers, and finally submits the AddMember CRDT op tagged with the
// new epoch. The Space epoch only ever advances on an MLS commit.
func (c *Client) AddMember(space types.SpaceId, target types.UserId, role types.RoleId, kp *mls.KeyPackage) error {
	group, ok := c.groups[space]
	if !ok {
		return descorderr.New(descorderr.NotFound, "no local MLS group for space %s", space)
	}

	resolvedKp := kp
	if resolvedKp == nil {
		fetched, err := c.fetchKeyPackage(target)
		if err != nil {
			return err
		}
		resolvedKp = &fetched
	}

	commit, welcome, err := group.AddMember(target, *resolvedKp)
	if err != nil {
		return err
	}

	c.broadcastMLS(space, commit)
	c.sendWelcome(target, welcome)

	newEpoch := group.Epoch()
	c.spaces.UpdateEpoch(space, newEpoch)
	c.channels.UpdateEpoch(space, newEpoch)
	c.threads.UpdateEpoch(space, newEpoch)
	c.channels.AddMember(space, target, newEpoch, role)
	c.threads.AddMember(space, target, newEpoch, role)

	env, err := c.spaces.AddMember(c.signer, space, target, role, newEpoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// RemoveMember issues an MLS Remove commit excluding target, broadcasts
// it, advances the epoch, then submits the RemoveMember CRDT op. Every
// remaining replica's validator rejects any op target signs at this epoch
// or later with Membership.
func (c *Client) RemoveMember(space types.SpaceId, target types.UserId, reason *string) error {
	group, ok := c.groups[space]
	if !ok {
		return descorderr.New(descorderr.NotFound, "no local MLS group for space %s", space)
	}

	commit, err := group.RemoveMember(target)
	if err != nil {
		return err
	}
	c.broadcastMLS(space, commit)

	newEpoch := group.Epoch()
	c.spaces.UpdateEpoch(space, newEpoch)
	c.channels.UpdateEpoch(space, newEpoch)
	c.threads.UpdateEpoch(space, newEpoch)
	c.channels.RemoveMember(space, target, newEpoch)
	c.threads.RemoveMember(space, target, newEpoch)

	env, err := c.spaces.RemoveMember(c.signer, space, target, reason, newEpoch, c.nowMs())
	if err != nil {
		return err
	}
	c.recordMetric(env, "accepted", "")
	c.broadcast(dht.SpaceOpsTopic(hexSpace(space)), env)
	c.appendToBatchLog(space, env)
	return nil
}

// ReceiveCommit processes a Commit this replica observed on a Space's MLS
// topic. If this member was the one excluded, the local group is torn
// down; further ops from this replica on the Space will be rejected by
// every remote validator, matching a removed member's own view of events.
func (c *Client) ReceiveCommit(space types.SpaceId, commit *mls.Commit) error {
	group, ok := c.groups[space]
	if !ok {
		return descorderr.New(descorderr.NotFound, "no local MLS group for space %s", space)
	}
	if err := group.ApplyCommit(commit); err != nil {
		if descorderr.KindOf(err) == descorderr.Membership {
			delete(c.groups, space)
		}
		return err
	}

	newEpoch := group.Epoch()
	// The removal is recorded before the epoch advances, because advancing
	// re-validates the ops held back for the new epoch.
	if commit.RemovedUserId != nil {
		c.channels.RemoveMember(space, *commit.RemovedUserId, newEpoch)
		c.threads.RemoveMember(space, *commit.RemovedUserId, newEpoch)
	}
	c.spaces.UpdateEpoch(space, newEpoch)
	c.channels.UpdateEpoch(space, newEpoch)
	c.threads.UpdateEpoch(space, newEpoch)
	if commit.AddedUserId != nil {
		c.channels.AddMember(space, *commit.AddedUserId, newEpoch, types.RoleId{})
		c.threads.AddMember(space, *commit.AddedUserId, newEpoch, types.RoleId{})
	}
	return nil
}

// ReceiveWelcome processes a Welcome this replica was sent directly after
// being added to a Space, reconstructing its MLS group from the bundle it
// previously published.
func (c *Client) ReceiveWelcome(welcome *mls.Welcome, consumedBoxPub [mls.BoxKeySize]byte) error {
	boxPriv, ok := c.keypkgs.ConsumeByPublicKey(consumedBoxPub)
	if !ok {
		return descorderr.New(descorderr.NotFound, "no pooled key package matches this welcome's box key")
	}
	group := mls.JoinFromWelcome(welcome, c.UserId(), consumedBoxPub, boxPriv)
	c.groups[welcome.SpaceId] = group

	c.spaces.UpdateEpoch(welcome.SpaceId, welcome.Epoch)
	c.channels.UpdateEpoch(welcome.SpaceId, welcome.Epoch)
	c.threads.UpdateEpoch(welcome.SpaceId, welcome.Epoch)
	return nil
}

// PublishKeyPackages tops this replica's KeyPackage pool up and, if a DHT
// table is configured, publishes the refreshed bundle set under
// KEYPACKAGES:<user_id>.
func (c *Client) PublishKeyPackages() error {
	minted, err := c.keypkgs.Refill(time.UnixMilli(int64(c.nowMs())))
	if err != nil {
		return err
	}
	if len(minted) == 0 || c.table == nil {
		return nil
	}
	encoded, err := dht.EncodeKeyPackageBundles(minted)
	if err != nil {
		return err
	}
	ctx, cancel := contextWithTimeout()
	defer cancel()
	return c.table.PutValue(ctx, dht.KeyPackagesKey(c.UserId()), encoded)
}

func (c *Client) fetchKeyPackage(target types.UserId) (mls.KeyPackage, error) {
	if c.table == nil {
		return mls.KeyPackage{}, descorderr.New(descorderr.NotFound, "no DHT configured to fetch key packages for %s", target)
	}
	ctx, cancel := contextWithTimeout()
	defer cancel()
	raw, err := c.table.GetValue(ctx, dht.KeyPackagesKey(target))
	if err != nil {
		return mls.KeyPackage{}, descorderr.Wrap(descorderr.DhtQuorum, err, "fetch key packages for %s", target)
	}
	bundles, err := dht.DecodeKeyPackageBundles(raw)
	if err != nil {
		return mls.KeyPackage{}, err
	}
	best, found := keypackage.SelectFreshest(bundles, keypackage.DefaultLifetime, time.UnixMilli(int64(c.nowMs())))
	if !found {
		return mls.KeyPackage{}, descorderr.New(descorderr.NotFound, "no valid key package published for %s", target)
	}
	return mls.UnmarshalKeyPackage(best.SerializedBundle)
}

func (c *Client) broadcastMLS(space types.SpaceId, commit *mls.Commit) {
	if c.pubsub == nil {
		return
	}
	encoded, err := cbor.Marshal(commit)
	if err != nil {
		c.log.WithError(err).Warn("encode MLS commit")
		return
	}
	ctx, cancel := contextWithTimeout()
	defer cancel()
	if err := c.pubsub.Publish(ctx, dht.SpaceMLSTopic(hexSpace(space)), encoded); err != nil {
		c.log.WithError(err).Warn("broadcast MLS commit failed")
	}
}

func (c *Client) sendWelcome(target types.UserId, welcome *mls.Welcome) {
	if c.pubsub == nil {
		return
	}
	encoded, err := cbor.Marshal(welcome)
	if err != nil {
		c.log.WithError(err).Warn("encode MLS welcome")
		return
	}
	ctx, cancel := contextWithTimeout()
	defer cancel()
	if err := c.pubsub.Publish(ctx, dht.UserWelcomeTopic(hexUser(target)), encoded); err != nil {
		c.log.WithError(err).Warn("send MLS welcome failed")
	}
}

// decodeEnvelope is a small convenience wrapper so the inbound network
// layer can hand the façade raw pubsub bytes directly.
func decodeEnvelope(data []byte) (*op.Envelope, error) { return op.Decode(data) }
