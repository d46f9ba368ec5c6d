package forum

import (
	"sync"

	"github.com/descord/core/identity"
	"github.com/descord/core/op"
	"github.com/descord/core/types"
)

// ChannelManager owns Channels across every Space this replica
// participates in. Never references SpaceManager, ThreadManager, or the
// MLS layer; the façade supplies the Space's current epoch.
type ChannelManager struct {
	engine *opEngine

	mu       sync.RWMutex
	channels map[types.ChannelId]*types.Channel
}

// NewChannelManager builds an empty manager.
func NewChannelManager() *ChannelManager {
	cm := &ChannelManager{channels: make(map[types.ChannelId]*types.Channel)}
	cm.engine = newOpEngine(cm.applyOp)
	return cm
}

// Get returns a Channel by id.
func (cm *ChannelManager) Get(id types.ChannelId) (*types.Channel, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.channels[id]
	return c, ok
}

// ListChannels returns every Channel under space.
func (cm *ChannelManager) ListChannels(space types.SpaceId) []*types.Channel {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*types.Channel, 0)
	for _, c := range cm.channels {
		if c.SpaceId == space {
			out = append(out, c)
		}
	}
	return out
}

// UpdateEpoch advances the manager's validator epoch after an MLS commit.
func (cm *ChannelManager) UpdateEpoch(space types.SpaceId, epoch types.EpochId) {
	cm.engine.updateEpoch(space, epoch)
}

// AddMember installs a membership row so this manager's validator
// accepts ops from user, mirroring the Space's roster as the façade
// observes it.
func (cm *ChannelManager) AddMember(space types.SpaceId, user types.UserId, epoch types.EpochId, role types.RoleId) {
	cm.engine.addMember(space, user, epoch, role)
}

// RemoveMember marks user removed as of epoch, mirroring the Space's
// roster once the façade observes an MLS Remove commit.
func (cm *ChannelManager) RemoveMember(space types.SpaceId, user types.UserId, epoch types.EpochId) {
	cm.engine.removeMember(space, user, epoch)
}

// Receive validates and, if accepted, applies a remote envelope.
func (cm *ChannelManager) Receive(env *op.Envelope) error { return cm.engine.receive(env) }

// CreateChannel submits a CreateChannel op.
func (cm *ChannelManager) CreateChannel(signer identity.Keypair, space types.SpaceId, name string, description *string, epoch types.EpochId, nowMs uint64) (*types.Channel, *op.Envelope, error) {
	env, err := cm.engine.submit(signer, space, nil, nil, op.CreateChannel, op.CreateChannelPayload{Name: name, Description: description}, epoch, nowMs)
	if err != nil {
		return nil, nil, err
	}
	c, _ := cm.Get(types.ChannelId{UUID: env.OpId.UUID})
	return c, env, nil
}

// UpdateChannel submits an UpdateChannel op against an existing Channel.
func (cm *ChannelManager) UpdateChannel(signer identity.Keypair, space types.SpaceId, channel types.ChannelId, name, description *string, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	cid := channel
	return cm.engine.submit(signer, space, &cid, nil, op.UpdateChannel, op.UpdateChannelPayload{Name: name, Description: description}, epoch, nowMs)
}

// ArchiveChannel submits an ArchiveChannel op.
func (cm *ChannelManager) ArchiveChannel(signer identity.Keypair, space types.SpaceId, channel types.ChannelId, epoch types.EpochId, nowMs uint64) (*op.Envelope, error) {
	cid := channel
	return cm.engine.submit(signer, space, &cid, nil, op.ArchiveChannel, struct{}{}, epoch, nowMs)
}

func (cm *ChannelManager) applyOp(env *op.Envelope) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	switch env.Type {
	case op.CreateChannel:
		var payload op.CreateChannelPayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		id := types.ChannelId{UUID: env.OpId.UUID}
		cm.channels[id] = &types.Channel{
			Id:          id,
			SpaceId:     env.SpaceId,
			Name:        payload.Name,
			Description: payload.Description,
			Creator:     env.Author,
		}

	case op.UpdateChannel:
		if env.ChannelId == nil {
			return
		}
		var payload op.UpdateChannelPayload
		if op.DecodePayload(env, &payload) != nil {
			return
		}
		if c, ok := cm.channels[*env.ChannelId]; ok {
			if payload.Name != nil {
				c.Name = *payload.Name
			}
			if payload.Description != nil {
				c.Description = payload.Description
			}
		}

	case op.ArchiveChannel:
		if env.ChannelId == nil {
			return
		}
		if c, ok := cm.channels[*env.ChannelId]; ok {
			c.Archived = true
		}
	}
}
