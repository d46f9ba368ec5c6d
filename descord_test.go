// Package descord holds end-to-end scenarios exercising the full stack
// through nothing but the public client API, the way an application
// embedding this module would drive it. Each test mirrors one of the
// worked scenarios that motivated the CRDT/MLS/HLC design: concurrent
// thread creation, buffered causal delivery, and MLS-gated removal.
package descord

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descord/core/client"
	"github.com/descord/core/descorderr"
	"github.com/descord/core/dht"
	"github.com/descord/core/hlc"
	"github.com/descord/core/identity"
	"github.com/descord/core/mls"
	"github.com/descord/core/op"
	"github.com/descord/core/storage"
	"github.com/descord/core/types"
)

// capture is a PubSub stand-in that only records what was published,
// leaving delivery to the test: the scenarios below need replicas that
// stay isolated until a precise, test-controlled exchange point, which
// a live auto-delivering bus (as used in the client package's own
// membership tests) cannot express.
type capture struct {
	mu        sync.Mutex
	published []capturedMsg
}

type capturedMsg struct {
	topic string
	data  []byte
}

func newCapture() *capture { return &capture{} }

func (p *capture) Publish(ctx context.Context, topic string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, capturedMsg{topic: topic, data: append([]byte(nil), data...)})
	return nil
}

func (p *capture) Subscribe(ctx context.Context, topic string) (<-chan dht.Message, error) {
	return nil, descorderr.New(descorderr.InvalidOperation, "subscribe unsupported by the test capture")
}

func (p *capture) Unsubscribe(topic string) error { return nil }

// drain returns every message published since the last drain, in
// publish order, and clears the buffer.
func (p *capture) drain() []capturedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.published
	p.published = nil
	return out
}

// deliverTo routes one captured message into target exactly as a real
// subscriber loop would, branching on the topic shape the façade uses
// for ops, MLS commits, and per-user Welcome deliveries.
func deliverTo(t *testing.T, target *client.Client, msg capturedMsg) {
	t.Helper()
	switch {
	case strings.HasSuffix(msg.topic, "/mls"):
		var commit mls.Commit
		if err := cbor.Unmarshal(msg.data, &commit); err == nil {
			_ = target.ReceiveCommit(commit.SpaceId, &commit)
		}
	case strings.HasSuffix(msg.topic, "/welcome"):
		if msg.topic != dht.UserWelcomeTopic(hex.EncodeToString(target.UserId().Bytes())) {
			return
		}
		var welcome mls.Welcome
		if err := cbor.Unmarshal(msg.data, &welcome); err == nil && welcome.LeafIndex >= 0 && welcome.LeafIndex < len(welcome.Members) {
			_ = target.ReceiveWelcome(&welcome, welcome.Members[welcome.LeafIndex].BoxPublicKey)
		}
	default:
		_ = target.HandleInbound(msg.data)
	}
}

// relay drains from's capture buffer and delivers every message to
// every one of tos, in order, simulating a pairwise exchange round.
func relay(t *testing.T, from *capture, tos ...*client.Client) {
	t.Helper()
	for _, msg := range from.drain() {
		for _, to := range tos {
			deliverTo(t, to, msg)
		}
	}
}

// fakeTable is a shared in-memory DHT: the only channel two isolated
// replicas have for key package exchange and history catch-up.
type fakeTable struct {
	mu     sync.Mutex
	values map[[32]byte][]byte
}

func newFakeTable() *fakeTable { return &fakeTable{values: make(map[[32]byte][]byte)} }

func (f *fakeTable) PutValue(ctx context.Context, key [32]byte, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeTable) GetValue(ctx context.Context, key [32]byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, descorderr.New(descorderr.NotFound, "no DHT record for key")
	}
	return append([]byte(nil), v...), nil
}

func (f *fakeTable) FindPeers(ctx context.Context, key [32]byte, limit int) ([]peer.AddrInfo, error) {
	return nil, nil
}

// newReplica builds an isolated Client: its own storage, its own
// identity, a private capture buffer as its outbound pubsub, and
// (optionally) a shared DHT table for scenarios that need one. It also
// returns the replica's signing keypair, letting a test construct and
// sign an envelope directly through the public op package where the
// scenario calls for an op the Client itself would never legitimately
// produce, such as a removed member claiming a post-removal epoch.
func newReplica(t *testing.T, table dht.DHT) (*client.Client, *capture, identity.Keypair) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	kp, err := identity.Generate()
	require.NoError(t, err)
	pub := newCapture()
	seq := uint64(1)
	c, err := client.New(client.Config{
		Signer:  kp,
		Storage: db,
		PubSub:  pub,
		Table:   table,
		NowMs: func() uint64 {
			seq++
			return seq
		},
	})
	require.NoError(t, err)
	return c, pub, kp
}

// TestScenarioS1CreateSpaceListsExactlyOne verifies that a fresh Space
// lists with exactly one entry, the creator installed as its only
// member with an admin-permissioned role, at epoch zero.
func TestScenarioS1CreateSpaceListsExactlyOne(t *testing.T) {
	alice, _, _ := newReplica(t, nil)

	desc := "d"
	_, err := alice.CreateSpace("S", &desc, types.VisibilityPublic, types.MembershipModeOpen)
	require.NoError(t, err)

	spaces := alice.ListSpaces()
	require.Len(t, spaces, 1)
	got := spaces[0]
	assert.Equal(t, "S", got.Name)
	require.NotNil(t, got.Description)
	assert.Equal(t, "d", *got.Description)
	assert.Equal(t, alice.UserId(), got.Owner)
	assert.Equal(t, types.EpochId(0), got.Epoch)

	require.Len(t, got.MemberRoles, 1)
	roleId, isMember := got.MemberRoles[alice.UserId()]
	require.True(t, isMember)
	assert.True(t, got.Roles[roleId].Permissions.Has(types.PermAdministrator))
}

// TestScenarioS2CreateThreadSeedsFirstMessage verifies that creating a
// Thread with a first message seeds exactly one Message, authored by
// the creator, with the given content.
func TestScenarioS2CreateThreadSeedsFirstMessage(t *testing.T) {
	alice, _, _ := newReplica(t, nil)

	space, err := alice.CreateSpace("S", nil, types.VisibilityPublic, types.MembershipModeOpen)
	require.NoError(t, err)
	channel, err := alice.CreateChannel(space.Id, "general", nil)
	require.NoError(t, err)
	title := "t"
	thread, err := alice.CreateThread(space.Id, channel.Id, &title, "m")
	require.NoError(t, err)

	messages := alice.ListMessages(thread.Id)
	require.Len(t, messages, 1)
	assert.Equal(t, "m", messages[0].Content)
	assert.Equal(t, alice.UserId(), messages[0].Author)
}

// TestScenarioS3InviteRedemptionIsSingleUse verifies that a max_uses=1
// invite lets exactly one redeemer join, after which it is exhausted
// for anyone else.
func TestScenarioS3InviteRedemptionIsSingleUse(t *testing.T) {
	alice, alicePub, _ := newReplica(t, nil)
	bob, bobPub, _ := newReplica(t, nil)
	carol, _, _ := newReplica(t, nil)

	space, err := alice.CreateSpace("S", nil, types.VisibilityPublic, types.MembershipModeOpen)
	require.NoError(t, err)

	maxUses := uint32(1)
	ttl := 24 * time.Hour
	invite, err := alice.CreateInvite(space.Id, &maxUses, &ttl)
	require.NoError(t, err)
	assert.Len(t, invite.Code, 8)

	// Bob and Carol learn of the Space and the invite exactly as any
	// replica would: by observing the CreateSpace and CreateInvite ops.
	relay(t, alicePub, bob, carol)

	require.NoError(t, bob.UseInvite(space.Id, invite.Id, invite.Code))

	bobSpaces := bob.ListSpaces()
	require.Len(t, bobSpaces, 1)
	assert.Equal(t, space.Id, bobSpaces[0].Id)

	// Carol must observe Bob's redemption before attempting her own,
	// otherwise her local Uses count never reaches MaxUses.
	relay(t, bobPub, carol)

	err = carol.UseInvite(space.Id, invite.Id, invite.Code)
	assert.Error(t, err, "a max_uses=1 invite must reject a second redeemer")
}

// TestScenarioS4ConcurrentThreadsConvergeOnOrder verifies that three
// replicas each creating a Thread with the same causal parents (the
// empty set — none of them has seen another's Thread yet) before any
// exchange converge, after a full pairwise exchange, on the same three
// Threads in the same (hlc.wall, hlc.logical, op_id) order.
func TestScenarioS4ConcurrentThreadsConvergeOnOrder(t *testing.T) {
	alice, alicePub, _ := newReplica(t, nil)
	bob, bobPub, _ := newReplica(t, nil)
	carol, carolPub, _ := newReplica(t, nil)

	space, err := alice.CreateSpace("S", nil, types.VisibilityPublic, types.MembershipModeOpen)
	require.NoError(t, err)
	channel, err := alice.CreateChannel(space.Id, "general", nil)
	require.NoError(t, err)
	maxUses := uint32(2)
	invite, err := alice.CreateInvite(space.Id, &maxUses, nil)
	require.NoError(t, err)

	// Seed bob and carol with the base Space/Channel/Invite, then have
	// each redeem the invite so their own engines recognize themselves
	// (and, once relayed, each other) as members.
	relay(t, alicePub, bob, carol)
	require.NoError(t, bob.UseInvite(space.Id, invite.Id, invite.Code))
	require.NoError(t, carol.UseInvite(space.Id, invite.Id, invite.Code))
	relay(t, bobPub, alice, carol)
	relay(t, carolPub, alice, bob)

	// Each replica's Thread frontier is still empty: none has observed
	// any other's CreateThread yet, so all three ops share the same
	// (empty) parent set.
	aliceThread, err := alice.CreateThread(space.Id, channel.Id, nil, "from alice")
	require.NoError(t, err)
	bobThread, err := bob.CreateThread(space.Id, channel.Id, nil, "from bob")
	require.NoError(t, err)
	carolThread, err := carol.CreateThread(space.Id, channel.Id, nil, "from carol")
	require.NoError(t, err)

	// Pairwise exchange of the three concurrent CreateThread ops.
	relay(t, alicePub, bob, carol)
	relay(t, bobPub, alice, carol)
	relay(t, carolPub, alice, bob)

	aliceOrder := idsOf(alice.ListThreads(channel.Id))
	bobOrder := idsOf(bob.ListThreads(channel.Id))
	carolOrder := idsOf(carol.ListThreads(channel.Id))

	require.Len(t, aliceOrder, 3)
	assert.ElementsMatch(t, aliceOrder, []types.ThreadId{aliceThread.Id, bobThread.Id, carolThread.Id})
	assert.Equal(t, aliceOrder, bobOrder, "bob must converge to the same order as alice")
	assert.Equal(t, aliceOrder, carolOrder, "carol must converge to the same order as alice")
}

func idsOf(threads []*types.Thread) []types.ThreadId {
	out := make([]types.ThreadId, len(threads))
	for i, th := range threads {
		out[i] = th.Id
	}
	return out
}

// TestScenarioS5EditBufferedOnMissingPost verifies that an Edit op
// delivered before the Post it targets buffers on the missing causal
// parent; once the Post arrives, both apply in order and the message
// converges to the edited content with edited_at set.
func TestScenarioS5EditBufferedOnMissingPost(t *testing.T) {
	alice, alicePub, _ := newReplica(t, nil)
	bob, bobPub, _ := newReplica(t, nil)

	space, err := alice.CreateSpace("S", nil, types.VisibilityPublic, types.MembershipModeOpen)
	require.NoError(t, err)
	channel, err := alice.CreateChannel(space.Id, "general", nil)
	require.NoError(t, err)
	maxUses := uint32(1)
	invite, err := alice.CreateInvite(space.Id, &maxUses, nil)
	require.NoError(t, err)

	relay(t, alicePub, bob)
	require.NoError(t, bob.UseInvite(space.Id, invite.Id, invite.Code))
	relay(t, bobPub, alice)

	thread, err := alice.CreateThread(space.Id, channel.Id, nil, "seed")
	require.NoError(t, err)
	relay(t, alicePub, bob)

	msg, err := alice.PostMessage(space.Id, channel.Id, thread.Id, "v1")
	require.NoError(t, err)
	require.NoError(t, alice.EditMessage(space.Id, channel.Id, thread.Id, msg.Id, "v2"))

	posted := alicePub.drain()
	require.Len(t, posted, 2, "expected one PostMessage and one EditMessage envelope")

	// Deliver Edit before Post: the Edit op names Post's id as a causal
	// parent, so the engine must buffer it rather than apply it blind.
	deliverTo(t, bob, posted[1])
	_, seenBeforePost := bob.GetMessage(msg.Id)
	assert.False(t, seenBeforePost, "the edit must not surface a message bob has never seen posted")

	deliverTo(t, bob, posted[0])

	got, ok := bob.GetMessage(msg.Id)
	require.True(t, ok)
	assert.Equal(t, "v2", got.Content)
	require.NotNil(t, got.EditedAt)
}

// TestScenarioS6RemovedMemberRejectedElsewhere verifies the removal
// path. Alice adds Bob (epoch 0->1), then adds Carol (epoch 1->2, a
// commit Bob also legitimately applies since it does not exclude him),
// then removes Bob (epoch 2->3). Bob's own replica can never
// legitimately construct an envelope at or after epoch 3 — a Remove
// commit is, by construction, the one commit the removed member cannot
// apply — so this builds the envelope a stale or compromised Bob
// replica would produce directly through the signed-envelope API and
// confirms every other replica rejects it with a membership error:
// immediately if already caught up to the removal epoch, or after
// buffering until it catches up.
func TestScenarioS6RemovedMemberRejectedElsewhere(t *testing.T) {
	table := newFakeTable()
	alice, alicePub, _ := newReplica(t, table)
	bob, bobPub, bobKp := newReplica(t, table)
	carol, _, _ := newReplica(t, table)

	space, err := alice.CreateSpace("S", nil, types.VisibilityPublic, types.MembershipModeMLS)
	require.NoError(t, err)
	channel, err := alice.CreateChannel(space.Id, "general", nil)
	require.NoError(t, err)

	require.NoError(t, bob.PublishKeyPackages())
	require.NoError(t, carol.PublishKeyPackages())
	relay(t, alicePub, bob, carol)

	s, ok := alice.GetSpace(space.Id)
	require.True(t, ok)

	require.NoError(t, alice.AddMember(space.Id, bob.UserId(), s.DefaultRole, nil))
	relay(t, alicePub, bob, carol)

	bobThread, err := bob.CreateThread(space.Id, channel.Id, nil, "hi")
	require.NoError(t, err, "bob should be able to post after Add+Welcome")
	relay(t, bobPub, alice, carol)

	require.NoError(t, alice.AddMember(space.Id, carol.UserId(), s.DefaultRole, nil))
	relay(t, alicePub, bob, carol)

	require.NoError(t, alice.RemoveMember(space.Id, bob.UserId(), nil))
	removeMsgs := alicePub.drain()
	require.NotEmpty(t, removeMsgs)

	var removeEpoch types.EpochId
	for _, msg := range removeMsgs {
		if strings.HasSuffix(msg.topic, "/mls") {
			var commit mls.Commit
			require.NoError(t, cbor.Unmarshal(msg.data, &commit))
			removeEpoch = commit.Epoch
		}
	}
	require.NotZero(t, removeEpoch)

	forged, forgedId := forgeEnvelope(t, bobKp, space.Id, channel.Id, bobThread.Id, "should be rejected elsewhere", removeEpoch)
	forgedBytes, err := forged.Encode()
	require.NoError(t, err)

	// Carol has not yet observed the removal: her local epoch is still
	// behind removeEpoch, so the forged post must buffer rather than
	// apply.
	require.NoError(t, carol.HandleInbound(forgedBytes))
	_, seenWhileBuffered := carol.GetMessage(forgedId)
	assert.False(t, seenWhileBuffered, "a post at a future epoch must buffer, not apply")

	// Delivering the removal itself drains the holdback queue and
	// re-validates the buffered post against Bob's now-recorded removal:
	// rejected, not applied.
	for _, msg := range removeMsgs {
		deliverTo(t, carol, msg)
	}
	_, seenAfterCatchUp := carol.GetMessage(forgedId)
	assert.False(t, seenAfterCatchUp, "a removed member's post must be rejected once the replica catches up to the removal epoch")

	// Alice, already at the post-removal epoch from performing the
	// removal herself, rejects the same forged post immediately.
	require.NoError(t, alice.HandleInbound(forgedBytes))
	_, aliceSeesMessage := alice.GetMessage(forgedId)
	assert.False(t, aliceSeesMessage, "every other replica must reject a post from a removed member")
}

// forgeEnvelope signs a PostMessage envelope directly through the
// public op package, bypassing the Client entirely — the only way to
// produce an envelope at an epoch number the signer's own replica
// could never legitimately reach (see TestScenarioS6...).
func forgeEnvelope(t *testing.T, signer identity.Keypair, space types.SpaceId, channel types.ChannelId, thread types.ThreadId, content string, epoch types.EpochId) (*op.Envelope, types.MessageId) {
	t.Helper()
	messageId := types.NewMessageId()
	env, err := op.Build(op.Builder{
		SpaceId:   space,
		ChannelId: &channel,
		ThreadId:  &thread,
		Type:      op.PostMessage,
		Payload:   op.PostMessagePayload{MessageId: messageId, Content: content},
		Epoch:     epoch,
		Clock:     hlc.New(),
		Signer:    signer,
		NowMs:     1,
	})
	require.NoError(t, err)
	return env, messageId
}
