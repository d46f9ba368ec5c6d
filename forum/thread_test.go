package forum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descord/core/identity"
	"github.com/descord/core/types"
)

func TestCreateThreadSharesFirstMessageIdAcrossReplicas(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	space := types.NewSpaceId()
	channel := types.NewChannelId()

	origin := NewThreadManager()
	origin.AddMember(space, kp.UserId(), 0, types.RoleId{})
	thread, env, err := origin.CreateThread(kp, space, channel, nil, "hello", 0, 1000)
	require.NoError(t, err)

	replica := NewThreadManager()
	replica.AddMember(space, kp.UserId(), 0, types.RoleId{})
	require.NoError(t, replica.Receive(env))

	replicaThread, ok := replica.GetThread(thread.Id)
	require.True(t, ok)
	assert.Equal(t, thread.FirstMessageId, replicaThread.FirstMessageId)

	_, ok = replica.GetMessage(thread.FirstMessageId)
	assert.True(t, ok)
}

func TestEditMessageLastWriterWins(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	space := types.NewSpaceId()
	channel := types.NewChannelId()

	tm := NewThreadManager()
	tm.AddMember(space, kp.UserId(), 0, types.RoleId{})
	thread, _, err := tm.CreateThread(kp, space, channel, nil, "hello", 0, 1000)
	require.NoError(t, err)

	_, err = tm.EditMessage(kp, space, channel, thread.Id, thread.FirstMessageId, "edit one", 0, 1001)
	require.NoError(t, err)
	_, err = tm.EditMessage(kp, space, channel, thread.Id, thread.FirstMessageId, "edit two", 0, 1002)
	require.NoError(t, err)

	m, ok := tm.GetMessage(thread.FirstMessageId)
	require.True(t, ok)
	assert.Equal(t, "edit two", m.Content)
}

func TestDeleteMessageIsMonotone(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	space := types.NewSpaceId()
	channel := types.NewChannelId()

	tm := NewThreadManager()
	tm.AddMember(space, kp.UserId(), 0, types.RoleId{})
	thread, _, err := tm.CreateThread(kp, space, channel, nil, "hello", 0, 1000)
	require.NoError(t, err)

	_, err = tm.DeleteMessage(kp, space, channel, thread.Id, thread.FirstMessageId, nil, 0, 1001)
	require.NoError(t, err)

	_, err = tm.EditMessage(kp, space, channel, thread.Id, thread.FirstMessageId, "resurrect?", 0, 1002)
	require.NoError(t, err)

	m, ok := tm.GetMessage(thread.FirstMessageId)
	require.True(t, ok)
	assert.True(t, m.Deleted)
	assert.NotEqual(t, "resurrect?", m.Content)
}
