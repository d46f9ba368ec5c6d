package op

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descord/core/hlc"
	"github.com/descord/core/identity"
	"github.com/descord/core/types"
)

func mustBuild(t *testing.T, kp identity.Keypair, clock *hlc.Clock) *Envelope {
	t.Helper()
	env, err := Build(Builder{
		SpaceId: types.NewSpaceId(),
		Type:    PostMessage,
		Payload: PostMessagePayload{MessageId: types.NewMessageId(), Content: "hi"},
		Signer:  kp,
		Clock:   clock,
		NowMs:   1000,
	})
	require.NoError(t, err)
	return env
}

func TestEnvelopeIntegrity(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	env := mustBuild(t, kp, hlc.New())

	assert.True(t, env.Verify())

	env.Timestamp++
	assert.False(t, env.Verify())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	env := mustBuild(t, kp, hlc.New())

	wire, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(wire)
	require.NoError(t, err)
	assert.True(t, decoded.Verify())
	assert.Equal(t, env.OpId, decoded.OpId)

	var payload PostMessagePayload
	require.NoError(t, DecodePayload(decoded, &payload))
	assert.Equal(t, "hi", payload.Content)
}

func TestBuildRejectsMismatchedPayload(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	_, err = Build(Builder{
		SpaceId: types.NewSpaceId(),
		Type:    PostMessage,
		Payload: CreateChannelPayload{Name: "general"},
		Signer:  kp,
		Clock:   hlc.New(),
	})
	require.Error(t, err)
}

func TestOpIdFreshPerBuild(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	clock := hlc.New()

	a := mustBuild(t, kp, clock)
	b := mustBuild(t, kp, clock)
	assert.NotEqual(t, a.OpId, b.OpId)
}
