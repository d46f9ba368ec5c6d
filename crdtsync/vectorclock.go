// Package crdtsync implements the CRDT convergence layer that lets two
// replicas of a thread — having each accepted a possibly different
// subset of the thread's operations — reconcile into the same state. It
// tracks per-thread vector clocks and tombstones and runs a delta-sync
// protocol grounded on the same "merge is commutative, associative,
// idempotent" discipline the forum package's opEngine already applies
// to single operations.
package crdtsync

import "github.com/descord/core/types"

// VectorClock counts operations per author as observed by one replica.
// Two clocks compare via HappensBefore/Concurrent; merging takes the
// componentwise max, the standard vector-clock join.
type VectorClock map[types.UserId]uint64

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Tick increments this clock's own counter for author, returning the new
// value. Callers use this when they author a new operation locally.
func (vc VectorClock) Tick(author types.UserId) uint64 {
	vc[author]++
	return vc[author]
}

// Observe records that op number seq from author has been seen,
// advancing the clock if seq is newer than what's recorded.
func (vc VectorClock) Observe(author types.UserId, seq uint64) {
	if seq > vc[author] {
		vc[author] = seq
	}
}

// LessEqual reports whether vc is componentwise <= other: every author
// counter vc holds is no greater than other's matching counter (missing
// entries count as zero).
func (vc VectorClock) LessEqual(other VectorClock) bool {
	for author, n := range vc {
		if n > other[author] {
			return false
		}
	}
	return true
}

// Equal reports whether two clocks hold identical counters.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.LessEqual(other) && other.LessEqual(vc)
}

// HappensBefore reports whether vc causally precedes other: vc <= other
// componentwise and the two are not equal.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return vc.LessEqual(other) && !vc.Equal(other)
}

// Concurrent reports whether neither clock happens-before the other.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.LessEqual(other) && !other.LessEqual(vc)
}

// Merge returns the componentwise-max join of vc and other, the
// standard vector-clock merge: commutative, associative, idempotent.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for author, n := range other {
		if n > out[author] {
			out[author] = n
		}
	}
	return out
}
