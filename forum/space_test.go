package forum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descord/core/identity"
	"github.com/descord/core/types"
)

func TestCreateSpaceInstallsFounder(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	sm := NewSpaceManager()
	space, env, err := sm.CreateSpace(kp, "general", nil, types.VisibilityPublic, types.MembershipModeOpen, 1000)
	require.NoError(t, err)
	require.NotNil(t, env)

	assert.Equal(t, kp.UserId(), space.Owner)
	assert.True(t, space.IsMember(kp.UserId()))
	assert.True(t, space.HasPermission(kp.UserId(), types.PermAdministrator))
}

func TestAddMemberThenInviteReplicates(t *testing.T) {
	founder, err := identity.Generate()
	require.NoError(t, err)
	joiner, err := identity.Generate()
	require.NoError(t, err)

	originNode := NewSpaceManager()
	space, createEnv, err := originNode.CreateSpace(founder, "general", nil, types.VisibilityPublic, types.MembershipModeOpen, 1000)
	require.NoError(t, err)

	invite, inviteEnv, err := originNode.CreateInvite(founder, space.Id, nil, nil, 0, 1001)
	require.NoError(t, err)

	replica := NewSpaceManager()
	require.NoError(t, replica.Receive(createEnv))
	require.NoError(t, replica.Receive(inviteEnv))

	env, err := replica.UseInvite(joiner, space.Id, invite.Id, invite.Code, 0, 1002)
	require.NoError(t, err)

	require.NoError(t, originNode.Receive(env))

	s1, _ := originNode.Get(space.Id)
	s2, _ := replica.Get(space.Id)
	assert.True(t, s1.IsMember(joiner.UserId()))
	assert.True(t, s2.IsMember(joiner.UserId()))
}

func TestMuteAndBanApplyModerationState(t *testing.T) {
	founder, err := identity.Generate()
	require.NoError(t, err)
	target, err := identity.Generate()
	require.NoError(t, err)

	sm := NewSpaceManager()
	space, _, err := sm.CreateSpace(founder, "general", nil, types.VisibilityPublic, types.MembershipModeOpen, 1000)
	require.NoError(t, err)

	duration := uint64(60)
	_, err = sm.MuteUser(founder, space.Id, target.UserId(), &duration, 0, 1000)
	require.NoError(t, err)
	s, _ := sm.Get(space.Id)
	assert.True(t, s.IsMuted(target.UserId(), time.UnixMilli(1030)))
	assert.False(t, s.IsMuted(target.UserId(), time.UnixMilli(1000+61000)))

	reason := "spam"
	_, err = sm.BanUser(founder, space.Id, target.UserId(), &reason, 0, 1000)
	require.NoError(t, err)
	s, _ = sm.Get(space.Id)
	assert.True(t, s.IsBanned(target.UserId()))
}

func TestRemoveRoleRestoresDefault(t *testing.T) {
	founder, err := identity.Generate()
	require.NoError(t, err)
	member, err := identity.Generate()
	require.NoError(t, err)

	sm := NewSpaceManager()
	space, _, err := sm.CreateSpace(founder, "general", nil, types.VisibilityPublic, types.MembershipModeOpen, 1000)
	require.NoError(t, err)

	_, err = sm.AddMember(founder, space.Id, member.UserId(), space.DefaultRole, 0, 1000)
	require.NoError(t, err)

	defaultPosition := space.Roles[space.DefaultRole].Position
	founderPosition := space.Roles[space.MemberRoles[founder.UserId()]].Position

	var modRole types.RoleId
	for id, role := range space.Roles {
		if role.Position > defaultPosition && role.Position < founderPosition {
			modRole = id
			break
		}
	}
	require.NotEqual(t, types.RoleId{}, modRole, "expected a role senior to default but junior to the founder's own role")

	_, err = sm.AssignRole(founder, space.Id, member.UserId(), modRole, 0, 1001)
	require.NoError(t, err)
	s, _ := sm.Get(space.Id)
	assert.Equal(t, modRole, s.MemberRoles[member.UserId()])

	_, err = sm.RemoveRole(founder, space.Id, member.UserId(), modRole, 0, 1002)
	require.NoError(t, err)
	s, _ = sm.Get(space.Id)
	assert.Equal(t, space.DefaultRole, s.MemberRoles[member.UserId()])
}
