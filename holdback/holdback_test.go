package holdback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/hlc"
	"github.com/descord/core/identity"
	"github.com/descord/core/op"
	"github.com/descord/core/types"
)

func buildPost(t *testing.T, kp identity.Keypair, space types.SpaceId, epoch types.EpochId, prev []types.OpId) *op.Envelope {
	t.Helper()
	env, err := op.Build(op.Builder{
		SpaceId: space,
		Type:    op.PostMessage,
		Payload: op.PostMessagePayload{MessageId: types.NewMessageId(), Content: "hi"},
		PrevOps: prev,
		Epoch:   epoch,
		Signer:  kp,
		Clock:   hlc.New(),
	})
	require.NoError(t, err)
	return env
}

func TestBufferAndAccept(t *testing.T) {
	kp, _ := identity.Generate()
	q := New()
	parent := types.NewOpId()

	env := buildPost(t, kp, types.NewSpaceId(), 0, []types.OpId{parent})
	require.NoError(t, q.Buffer(env, []types.OpId{parent}, time.Now()))
	assert.Equal(t, 1, q.Len())

	ready := q.OnOpAccepted(parent)
	require.Len(t, ready, 1)
	assert.Equal(t, env.OpId, ready[0].OpId)
	assert.Equal(t, 0, q.Len())
}

func TestBufferForEpoch(t *testing.T) {
	kp, _ := identity.Generate()
	space := types.NewSpaceId()
	q := New()

	env := buildPost(t, kp, space, 3, nil)
	require.NoError(t, q.BufferForEpoch(env, 3, time.Now()))
	assert.Equal(t, 1, q.Len())

	ready := q.OnEpochUpdated(space, 2)
	assert.Empty(t, ready)
	assert.Equal(t, 1, q.Len())

	ready = q.OnEpochUpdated(space, 3)
	require.Len(t, ready, 1)
	assert.Equal(t, env.OpId, ready[0].OpId)
	assert.Equal(t, 0, q.Len())
}

func TestMultipleDependencies(t *testing.T) {
	kp, _ := identity.Generate()
	q := New()
	p1, p2 := types.NewOpId(), types.NewOpId()

	env := buildPost(t, kp, types.NewSpaceId(), 0, []types.OpId{p1, p2})
	require.NoError(t, q.Buffer(env, []types.OpId{p1, p2}, time.Now()))

	assert.Empty(t, q.OnOpAccepted(p1))
	assert.Equal(t, 1, q.Len())

	ready := q.OnOpAccepted(p2)
	require.Len(t, ready, 1)
	assert.Equal(t, 0, q.Len())
}

func TestExpireOldOps(t *testing.T) {
	kp, _ := identity.Generate()
	q := New()
	old := time.Now().Add(-MaxBufferTime - time.Second)
	fresh := time.Now()

	envOld := buildPost(t, kp, types.NewSpaceId(), 0, []types.OpId{types.NewOpId()})
	envFresh := buildPost(t, kp, types.NewSpaceId(), 0, []types.OpId{types.NewOpId()})
	require.NoError(t, q.Buffer(envOld, []types.OpId{types.NewOpId()}, old))
	require.NoError(t, q.Buffer(envFresh, []types.OpId{types.NewOpId()}, fresh))

	expired := q.ExpireOldOps(time.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, envOld.OpId, expired[0].OpId)
	assert.Equal(t, 1, q.Len())
}

func TestQueueFull(t *testing.T) {
	kp, _ := identity.Generate()
	q := New()
	q.byOpId = make(map[types.OpId]*bufferedOp, MaxBufferedOps)
	for i := 0; i < MaxBufferedOps; i++ {
		q.byOpId[types.NewOpId()] = &bufferedOp{bufferedAt: time.Now()}
	}

	env := buildPost(t, kp, types.NewSpaceId(), 0, []types.OpId{types.NewOpId()})
	err := q.Buffer(env, []types.OpId{types.NewOpId()}, time.Now())
	require.Error(t, err)
	assert.True(t, descorderr.Is(err, descorderr.QueueFull))
}
