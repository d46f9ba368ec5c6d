package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickMonotonic(t *testing.T) {
	c := New()
	var prev Value
	for i := 0; i < 100; i++ {
		v := c.Tick()
		assert.True(t, prev.Less(v), "tick %d did not increase: %+v -> %+v", i, prev, v)
		prev = v
	}
}

func TestUpdateExceedsRemoteAndLocal(t *testing.T) {
	c := New()
	local := c.Tick()

	remote := Value{WallMs: local.WallMs + 10_000, Logical: 7}
	merged := c.Update(remote)
	assert.True(t, local.Less(merged))
	assert.True(t, remote.Less(merged))

	next := c.Tick()
	assert.True(t, merged.Less(next))
}

func TestValueLess(t *testing.T) {
	assert.True(t, Value{WallMs: 1}.Less(Value{WallMs: 2}))
	assert.False(t, Value{WallMs: 2}.Less(Value{WallMs: 1}))
	assert.True(t, Value{WallMs: 5, Logical: 1}.Less(Value{WallMs: 5, Logical: 2}))
	assert.False(t, Value{WallMs: 5, Logical: 0}.Less(Value{WallMs: 5, Logical: 0}))
}
