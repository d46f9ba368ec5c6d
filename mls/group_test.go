package mls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descord/core/types"
)

func newUser(t *testing.T) (types.UserId, [BoxKeySize]byte, [BoxKeySize]byte) {
	t.Helper()
	pub, priv, err := GenerateBoxKeypair()
	require.NoError(t, err)
	var u types.UserId
	copy(u[:], pub[:])
	return u, pub, priv
}

func TestCreateGroupStartsAtEpochZero(t *testing.T) {
	founder, pub, priv := newUser(t)
	g, err := CreateGroup(types.NewSpaceId(), founder, pub, priv)
	require.NoError(t, err)

	assert.Equal(t, types.EpochId(0), g.Epoch())
	assert.Equal(t, 1, g.MemberCount())
	assert.True(t, g.IsActive(founder))
}

func TestAddMemberAdvancesEpochAndWelcomesJoiner(t *testing.T) {
	founder, fPub, fPriv := newUser(t)
	g, err := CreateGroup(types.NewSpaceId(), founder, fPub, fPriv)
	require.NoError(t, err)

	bob, bPub, bPriv := newUser(t)
	commit, welcome, err := g.AddMember(bob, KeyPackage{BoxPublicKey: bPub})
	require.NoError(t, err)

	assert.Equal(t, types.EpochId(1), g.Epoch())
	assert.Equal(t, 2, g.MemberCount())
	assert.True(t, g.IsActive(bob))

	joined := JoinFromWelcome(welcome, bob, bPub, bPriv)
	assert.Equal(t, types.EpochId(1), joined.Epoch())
	assert.True(t, joined.IsActive(founder))
	assert.True(t, joined.IsActive(bob))

	// Bob's joined group sits at the epoch the founder's commit announced.
	assert.Equal(t, commit.Epoch, joined.Epoch())
}

func TestRemoveMemberExcludesFromPathSecrets(t *testing.T) {
	founder, fPub, fPriv := newUser(t)
	g, err := CreateGroup(types.NewSpaceId(), founder, fPub, fPriv)
	require.NoError(t, err)

	bob, bPub, bPriv := newUser(t)
	_, welcome, err := g.AddMember(bob, KeyPackage{BoxPublicKey: bPub})
	require.NoError(t, err)
	bobGroup := JoinFromWelcome(welcome, bob, bPub, bPriv)

	carol, cPub, _ := newUser(t)
	addCommit, _, err := g.AddMember(carol, KeyPackage{BoxPublicKey: cPub})
	require.NoError(t, err)
	require.NoError(t, bobGroup.ApplyCommit(addCommit))
	require.Equal(t, g.Epoch(), bobGroup.Epoch())

	removeCommit, err := g.RemoveMember(bob)
	require.NoError(t, err)

	_, hasSlot := removeCommit.PathCiphertexts[bob]
	assert.False(t, hasSlot, "removed member must not receive a path-secret slot")

	err = bobGroup.ApplyCommit(removeCommit)
	assert.Error(t, err, "removed member cannot derive the new epoch secret")
	assert.False(t, g.IsActive(bob))
}

func TestExportSecretDeterministicPerEpoch(t *testing.T) {
	founder, fPub, fPriv := newUser(t)
	g, err := CreateGroup(types.NewSpaceId(), founder, fPub, fPriv)
	require.NoError(t, err)

	a := g.ExportSecret("message-key")
	b := g.ExportSecret("message-key")
	assert.Equal(t, a, b)

	other, pub, _ := newUser(t)
	_, _, err = g.AddMember(other, KeyPackage{BoxPublicKey: pub})
	require.NoError(t, err)
	c := g.ExportSecret("message-key")
	assert.NotEqual(t, a, c, "export secret must change once the epoch advances")
}
