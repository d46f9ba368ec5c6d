package crdtsync

import "github.com/descord/core/types"

// TombstoneSet is a grow-only set of deleted message ids. It only ever
// gains members — deletion is monotone, matching the thread manager's
// own DeleteMessage semantics — so merging two sets is a plain union.
type TombstoneSet map[types.MessageId]struct{}

// NewTombstoneSet returns an empty set.
func NewTombstoneSet() TombstoneSet {
	return make(TombstoneSet)
}

// Add marks message as deleted.
func (ts TombstoneSet) Add(message types.MessageId) {
	ts[message] = struct{}{}
}

// Contains reports whether message has been tombstoned.
func (ts TombstoneSet) Contains(message types.MessageId) bool {
	_, ok := ts[message]
	return ok
}

// Clone returns an independent copy.
func (ts TombstoneSet) Clone() TombstoneSet {
	out := make(TombstoneSet, len(ts))
	for k := range ts {
		out[k] = struct{}{}
	}
	return out
}

// Merge returns the set union of ts and other.
func (ts TombstoneSet) Merge(other TombstoneSet) TombstoneSet {
	out := ts.Clone()
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

// Slice returns the tombstoned message ids in no particular order.
func (ts TombstoneSet) Slice() []types.MessageId {
	out := make([]types.MessageId, 0, len(ts))
	for k := range ts {
		out = append(out, k)
	}
	return out
}
