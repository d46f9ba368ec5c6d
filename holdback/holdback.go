// Package holdback implements component E: the buffer of operations
// awaiting a causal parent or an epoch advance, indexed by op id, by
// unmet parent id, and by (space_id, epoch).
package holdback

import (
	"time"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/op"
	"github.com/descord/core/types"
)

// MaxBufferedOps bounds the queue; Buffer fails with QueueFull beyond it.
const MaxBufferedOps = 10000

// MaxBufferTime is how long an operation may sit buffered before
// ExpireOldOps reclaims it.
const MaxBufferTime = 300 * time.Second

type epochKey struct {
	Space types.SpaceId
	Epoch types.EpochId
}

type bufferedOp struct {
	env          *op.Envelope
	bufferedAt   time.Time
	missingDeps  map[types.OpId]struct{}
	waitingEpoch *epochKey
}

func (b *bufferedOp) ready() bool {
	return len(b.missingDeps) == 0 && b.waitingEpoch == nil
}

// Queue is a single manager's holdback queue. Strictly local — never
// shared across managers.
type Queue struct {
	byOpId        map[types.OpId]*bufferedOp
	waitingFor    map[types.OpId]map[types.OpId]struct{}
	waitingEpoch  map[epochKey]map[types.OpId]struct{}
	insertionFIFO []types.OpId
}

// New builds an empty queue.
func New() *Queue {
	return &Queue{
		byOpId:       make(map[types.OpId]*bufferedOp),
		waitingFor:   make(map[types.OpId]map[types.OpId]struct{}),
		waitingEpoch: make(map[epochKey]map[types.OpId]struct{}),
	}
}

// Buffer appends op, indexed by each of its missing causal parents.
func (q *Queue) Buffer(env *op.Envelope, missingParents []types.OpId, now time.Time) error {
	if len(q.byOpId) >= MaxBufferedOps {
		return descorderr.New(descorderr.QueueFull, "holdback queue at capacity (%d)", MaxBufferedOps)
	}

	deps := make(map[types.OpId]struct{}, len(missingParents))
	for _, parent := range missingParents {
		deps[parent] = struct{}{}
		if q.waitingFor[parent] == nil {
			q.waitingFor[parent] = make(map[types.OpId]struct{})
		}
		q.waitingFor[parent][env.OpId] = struct{}{}
	}

	q.byOpId[env.OpId] = &bufferedOp{env: env, bufferedAt: now, missingDeps: deps}
	q.insertionFIFO = append(q.insertionFIFO, env.OpId)
	return nil
}

// BufferForEpoch appends op, indexed by the (space, epoch) it is waiting
// on.
func (q *Queue) BufferForEpoch(env *op.Envelope, epoch types.EpochId, now time.Time) error {
	if len(q.byOpId) >= MaxBufferedOps {
		return descorderr.New(descorderr.QueueFull, "holdback queue at capacity (%d)", MaxBufferedOps)
	}

	key := epochKey{Space: env.SpaceId, Epoch: epoch}
	if q.waitingEpoch[key] == nil {
		q.waitingEpoch[key] = make(map[types.OpId]struct{})
	}
	q.waitingEpoch[key][env.OpId] = struct{}{}

	q.byOpId[env.OpId] = &bufferedOp{env: env, bufferedAt: now, missingDeps: map[types.OpId]struct{}{}, waitingEpoch: &key}
	q.insertionFIFO = append(q.insertionFIFO, env.OpId)
	return nil
}

// OnOpAccepted clears parentId from every buffered op waiting on it and
// returns the ops that became fully ready as a result, removing them from
// the queue.
func (q *Queue) OnOpAccepted(parentId types.OpId) []*op.Envelope {
	waiters := q.waitingFor[parentId]
	delete(q.waitingFor, parentId)

	var ready []*op.Envelope
	for opId := range waiters {
		buffered, ok := q.byOpId[opId]
		if !ok {
			continue
		}
		delete(buffered.missingDeps, parentId)
		if buffered.ready() {
			ready = append(ready, buffered.env)
		}
	}
	for _, env := range ready {
		q.remove(env.OpId)
	}
	return ready
}

// OnEpochUpdated clears epoch waits for every (space, e) with e <= newEpoch
// and returns the ops thereby made ready, removing them from the queue.
func (q *Queue) OnEpochUpdated(space types.SpaceId, newEpoch types.EpochId) []*op.Envelope {
	var keysToClear []epochKey
	for key := range q.waitingEpoch {
		if key.Space == space && key.Epoch <= newEpoch {
			keysToClear = append(keysToClear, key)
		}
	}

	var ready []*op.Envelope
	for _, key := range keysToClear {
		waiters := q.waitingEpoch[key]
		delete(q.waitingEpoch, key)
		for opId := range waiters {
			buffered, ok := q.byOpId[opId]
			if !ok {
				continue
			}
			buffered.waitingEpoch = nil
			if buffered.ready() {
				ready = append(ready, buffered.env)
			}
		}
	}
	for _, env := range ready {
		q.remove(env.OpId)
	}
	return ready
}

// ExpireOldOps drops every op buffered longer than MaxBufferTime and
// returns them so the caller can log the drop.
func (q *Queue) ExpireOldOps(now time.Time) []*op.Envelope {
	var expired []*op.Envelope
	cut := 0
	for _, opId := range q.insertionFIFO {
		buffered, ok := q.byOpId[opId]
		if !ok {
			cut++
			continue
		}
		if now.Sub(buffered.bufferedAt) <= MaxBufferTime {
			break
		}
		expired = append(expired, buffered.env)
		q.removeIndexesOnly(opId)
		delete(q.byOpId, opId)
		cut++
	}
	q.insertionFIFO = q.insertionFIFO[cut:]
	return expired
}

func (q *Queue) remove(opId types.OpId) {
	q.removeIndexesOnly(opId)
	delete(q.byOpId, opId)
	for i, id := range q.insertionFIFO {
		if id == opId {
			q.insertionFIFO = append(q.insertionFIFO[:i], q.insertionFIFO[i+1:]...)
			break
		}
	}
}

func (q *Queue) removeIndexesOnly(opId types.OpId) {
	buffered, ok := q.byOpId[opId]
	if !ok {
		return
	}
	for dep := range buffered.missingDeps {
		if set := q.waitingFor[dep]; set != nil {
			delete(set, opId)
			if len(set) == 0 {
				delete(q.waitingFor, dep)
			}
		}
	}
	if buffered.waitingEpoch != nil {
		if set := q.waitingEpoch[*buffered.waitingEpoch]; set != nil {
			delete(set, opId)
			if len(set) == 0 {
				delete(q.waitingEpoch, *buffered.waitingEpoch)
			}
		}
	}
}

// Len reports the current queue size.
func (q *Queue) Len() int { return len(q.byOpId) }
