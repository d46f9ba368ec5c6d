package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descord/core/identity"
	"github.com/descord/core/storage"
	"github.com/descord/core/types"
)

// newTestClient builds a Client against a fresh temp-dir store with no
// PubSub/Table configured, suitable for tests that relay envelopes
// between replicas by hand via HandleInbound.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	kp, err := identity.Generate()
	require.NoError(t, err)
	seq := uint64(1000)
	c, err := New(Config{
		Signer: kp,
		Storage: db,
		NowMs: func() uint64 {
			seq++
			return seq
		},
	})
	require.NoError(t, err)
	return c
}

func TestCreateSpaceListsExactlyOne(t *testing.T) {
	alice := newTestClient(t)
	desc := "d"
	space, err := alice.CreateSpace("S", &desc, types.VisibilityPublic, types.MembershipModeOpen)
	require.NoError(t, err)

	spaces := alice.ListSpaces()
	require.Len(t, spaces, 1)
	assert.Equal(t, "S", spaces[0].Name)
	assert.Equal(t, alice.UserId(), spaces[0].Owner)
	assert.Equal(t, types.EpochId(0), spaces[0].Epoch)

	var adminRows int
	for _, role := range space.Roles {
		if role.Permissions.Has(types.PermAdministrator) {
			adminRows++
			assert.Equal(t, role.Id, space.MemberRoles[alice.UserId()])
		}
	}
	assert.Equal(t, 1, adminRows)
}

func TestCreateThreadSeedsFirstMessage(t *testing.T) {
	alice := newTestClient(t)
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
