package crdtsync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/descord/core/types"
)

func userId(b byte) types.UserId {
	var u types.UserId
	u[0] = b
	return u
}

func TestVectorClockTickAndObserve(t *testing.T) {
	alice := userId(1)
	vc := NewVectorClock()
	assert.EqualValues(t, 1, vc.Tick(alice))
	assert.EqualValues(t, 2, vc.Tick(alice))

	vc.Observe(alice, 1)
	assert.EqualValues(t, 2, vc[alice], "observing a stale seq must not roll the clock back")

	vc.Observe(alice, 5)
	assert.EqualValues(t, 5, vc[alice])
}

func TestVectorClockHappensBeforeAndConcurrent(t *testing.T) {
	alice, bob := userId(1), userId(2)

	base := NewVectorClock()
	base.Tick(alice)

	ahead := base.Clone()
	ahead.Tick(alice)

	assert.True(t, base.HappensBefore(ahead))
	assert.False(t, ahead.HappensBefore(base))
	assert.False(t, base.Concurrent(ahead))

	diverged := base.Clone()
	diverged.Tick(bob)

	assert.True(t, base.HappensBefore(diverged))
	assert.True(t, ahead.Concurrent(diverged))
}

func TestVectorClockMergeIsCommutativeAndIdempotent(t *testing.T) {
	alice, bob := userId(1), userId(2)
	a := NewVectorClock()
	a.Tick(alice)
	b := NewVectorClock()
	b.Tick(bob)
	b.Tick(bob)

	merged1 := a.Merge(b)
	merged2 := b.Merge(a)
	assert.True(t, merged1.Equal(merged2))

	idempotent := merged1.Merge(merged1)
	assert.True(t, idempotent.Equal(merged1))

	assert.EqualValues(t, 1, merged1[alice])
	assert.EqualValues(t, 2, merged1[bob])
}

func TestTombstoneSetMergeIsUnion(t *testing.T) {
	m1, m2 := types.NewMessageId(), types.NewMessageId()

	a := NewTombstoneSet()
	a.Add(m1)
	b := NewTombstoneSet()
	b.Add(m2)

	merged := a.Merge(b)
	assert.True(t, merged.Contains(m1))
	assert.True(t, merged.Contains(m2))
	assert.Len(t, merged.Slice(), 2)

	assert.True(t, merged.Merge(a).Equal(merged))
}

func (ts TombstoneSet) Equal(other TombstoneSet) bool {
	if len(ts) != len(other) {
		return false
	}
	for k := range ts {
		if !other.Contains(k) {
			return false
		}
	}
	return true
}
