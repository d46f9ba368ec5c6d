package forum

import (
	"sort"
	"sync"
	"time"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/hlc"
	"github.com/descord/core/identity"
	"github.com/descord/core/op"
	"github.com/descord/core/types"
)

// ThreadManager owns Threads and their Messages across every Channel
// this replica participates in. Never references SpaceManager,
// ChannelManager, or the MLS layer.
type ThreadManager struct {
	engine *opEngine

	mu       sync.RWMutex
	threads  map[types.ThreadId]*types.Thread
	messages map[types.MessageId]*types.Message
	// lastEdit tracks the HLC of the last applied edit per message so
	// concurrent EditMessage ops converge by last-writer-wins instead of
	// by arrival order.
	lastEdit map[types.MessageId]hlc.Value
	// deleted is a grow-only set: once a message is deleted, no later
	// edit or re-post can resurrect it (monotone deletion).
	deleted map[types.MessageId]struct{}

	// threadHLC and messageHLC record each entity's creation HLC so
	// listings can be returned in the deterministic
	// (hlc.wall, hlc.logical, op_id) order concurrent creations converge
	// to on every replica, independent of local map-iteration or arrival
	// order.
	threadHLC  map[types.ThreadId]hlc.Value
	messageHLC map[types.MessageId]hlc.Value
}

// NewThreadManager builds an empty manager.
func NewThreadManager() *ThreadManager {
	tm := &ThreadManager{
		threads:  make(map[types.ThreadId]*types.Thread),
		messages: make(map[types.MessageId]*types.Message),
		lastEdit: make(map[types.MessageId]hlc.Value),
		deleted:  make(map[types.MessageId]struct{}),

		threadHLC:  make(map[types.ThreadId]hlc.Value),
		messageHLC: make(map[types.MessageId]hlc.Value),
	}
	tm.engine = newOpEngine(tm.applyOp)
	return tm
}

// GetThread returns a Thread by id.
func (tm *ThreadManager) GetThread(id types.ThreadId) (*types.Thread, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.threads[id]
	return t, ok
}

// GetMessage returns a Message by id.
func (tm *ThreadManager) GetMessage(id types.MessageId) (*types.Message, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	m, ok := tm.messages[id]
	return m, ok
}

// ListThreads returns every Thread under channel, ordered by
// (hlc.wall, hlc.logical, op_id) so concurrently created Threads
// converge to the same order on every replica.
func (tm *ThreadManager) ListThreads(channel types.ChannelId) []*types.Thread {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*types.Thread, 0)
	for _, t := range tm.threads {
		if t.ChannelId == channel {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lessByHLCThenId(tm.threadHLC[out[i].Id], tm.threadHLC[out[j].Id], out[i].Id.Bytes(), out[j].Id.Bytes())
	})
	return out
}

// ListMessages returns every Message under thread, ordered the same way.
func (tm *ThreadManager) ListMessages(thread types.ThreadId) []*types.Message {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*types.Message, 0)
	for _, m := range tm.messages {
		if m.ThreadId == thread {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lessByHLCThenId(tm.messageHLC[out[i].Id], tm.messageHLC[out[j].Id], out[i].Id.Bytes(), out[j].Id.Bytes())
	})
	return out
}

func lessByHLCThenId(a, b hlc.Value, aId, bId []byte) bool {
	if a.Less(b) {
		return true
	}
	if b.Less(a) {
		return false
	}
	return string(aId) < string(bId)
}

// UpdateEpoch advances the manager's validator epoch after an MLS commit.
func (tm *ThreadManager) UpdateEpoch(space types.SpaceId, epoch types.EpochId) {
	tm.engine.updateEpoch(space, epoch)
}

// AddMember installs a membership row so this manager's validator
// accepts ops from user.
func (tm *ThreadManager) AddMember(space types.SpaceId, user types.UserId, epoch types.EpochId, role types.RoleId) {
	tm.engine.addMember(space, user, epoch, role)
}

// RemoveMember marks user removed as of epoch, mirroring the Space's
// roster once the façade observes an MLS Remove commit.
func (tm *ThreadManager) RemoveMember(space types.SpaceId, user types.UserId, epoch types.EpochId) {
	tm.engine.removeMember(space, user, epoch)
}

// Receive validates and, if accepted, applies a remote envelope.
func (tm *ThreadManager) Receive(env *op.Envelope) error { return tm.engine.receive(env) }

// CreateThread submits a CreateThread op. The first message's id is
// generated here and carried end to end in the payload so local mutation
// and remote apply agree on it.
func (tm *ThreadManager) CreateThread(signer identity.Keypair, space types.SpaceId, channel types.ChannelId, title *string, firstMessage string, epoch types.EpochId, nowMs uint64) (*types.Thread, *op.Envelope, error) {
	firstMessageId := types.NewMessageId()
	cid := channel
	env, err := tm.engine.submit(signer, space, &cid, nil, op.CreateThread, op.CreateThreadPayload{
		Title:          title,
		FirstMessage:   firstMessage,
		FirstMessageId: firstMessageId,
	}, epoch, nowMs)
	if err != nil {
		return nil, nil, err
	}
	t, _ := tm.GetThread(types.ThreadId{UUID: env.OpId.UUID})
	return t, env, nil
}

// PostMessage submits a PostMessage op into an existing Thread.
func (tm *ThreadManager) PostMessage(signer identity.Keypair, space types.SpaceId, channel types.ChannelId, thread types.ThreadId, content string, epoch types.EpochId, nowMs uint64) (*types.Message, *op.Envelope, error) {
	cid, tid := channel, thread
	messageId := types.NewMessageId()
	env, err := tm.engine.submit(signer, space, &cid, &tid, op.PostMessage, op.PostMessagePayload{MessageId: messageId, Content: content}, epoch, nowMs)
	if err != nil {
		return nil, nil, err
	}
	m, _ := tm.GetMessage(messageId)
	return m, env, nil
}

// EditMessage submits an EditMessage op. Convergence is last-writer-wins
// by (HLC, op_id); the signer must be the message's original author,
// enforced here since the validator has no notion of per-message
// ownership.
func (tm *ThreadManager) EditMessage(signer identity.Keypair, space types.SpaceId, channel types.ChannelId, thread types.ThreadId, message types.MessageId, newContent string, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	tm.mu.RLock()
	m, ok := tm.messages[message]
	tm.mu.RUnlock()
	if !ok {
		return nil, descorderr.New(descorderr.NotFound, "message %s not found", message)
	}
	if m.Author != signer.UserId() {
		return nil, descorderr.New(descorderr.Permission, "only the author of message %s may edit it", message)
	}
	cid, tid := channel, thread
	return tm.engine.submit(signer, space, &cid, &tid, op.EditMessage, op.EditMessagePayload{MessageId: message, NewContent: newContent}, epoch, nowMs)
}

// DeleteMessage submits a DeleteMessage op. Deletion is monotone: once
// applied, no later op can un-delete the message.
func (tm *ThreadManager) DeleteMessage(signer identity.Keypair, space types.SpaceId, channel types.ChannelId, thread types.ThreadId, message types.MessageId, reason *string, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	cid, tid := channel, thread
	return tm.engine.submit(signer, space, &cid, &tid, op.DeleteMessage, op.DeleteMessagePayload{MessageId: message, Reason: reason}, epoch, nowMs)
}

func (tm *ThreadManager) applyOp(env *op.Envelope) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	switch env.Type {
	case op.CreateThread:
		if env.ChannelId == nil {
			return
		}
		var payload op.CreateThreadPayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		id := types.ThreadId{UUID: env.OpId.UUID}
		tm.threads[id] = &types.Thread{
			Id:             id,
			SpaceId:        env.SpaceId,
			ChannelId:      *env.ChannelId,
			Title:          payload.Title,
			FirstMessageId: payload.FirstMessageId,
			Creator:        env.Author,
			MessageCount:   1,
		}
		tm.threadHLC[id] = env.HLC
		if _, exists := tm.deleted[payload.FirstMessageId]; !exists {
			tm.messages[payload.FirstMessageId] = &types.Message{
				Id:       payload.FirstMessageId,
				ThreadId: id,
				Author:   env.Author,
				Content:  payload.FirstMessage,
			}
			tm.messageHLC[payload.FirstMessageId] = env.HLC
		}

	case op.PostMessage:
		if env.ThreadId == nil {
			return
		}
		var payload op.PostMessagePayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if _, isDeleted := tm.deleted[payload.MessageId]; isDeleted {
			return
		}
		tm.messages[payload.MessageId] = &types.Message{
			Id:       payload.MessageId,
			ThreadId: *env.ThreadId,
			Author:   env.Author,
			Content:  payload.Content,
		}
		tm.messageHLC[payload.MessageId] = env.HLC
		if t, ok := tm.threads[*env.ThreadId]; ok {
			t.MessageCount++
		}

	case op.EditMessage:
		var payload op.EditMessagePayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if _, isDeleted := tm.deleted[payload.MessageId]; isDeleted {
			return
		}
		m, ok := tm.messages[payload.MessageId]
		if !ok {
			return
		}
		if last, hasEdit := tm.lastEdit[payload.MessageId]; hasEdit && !last.Less(env.HLC) {
			return
		}
		m.Content = payload.NewContent
		editedAt := time.UnixMilli(int64(env.Timestamp))
		m.EditedAt = &editedAt
		tm.lastEdit[payload.MessageId] = env.HLC

	case op.DeleteMessage:
		var payload op.DeleteMessagePayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		tm.deleted[payload.MessageId] = struct{}{}
		if m, ok := tm.messages[payload.MessageId]; ok {
			m.Deleted = true
			m.Content = ""
		}
	}
}
