package crdtsync

import (
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/storage"
	"github.com/descord/core/types"
)

// MessageSnapshot is the per-message sync ledger entry: the vector clock
// is snapshotted once, at index time, rather than recomputed on every
// sync. Seq is the author's own per-thread operation counter at the
// moment this message was appended — it's what lets HandleRequest decide
// "has the requester seen this one" in O(1) instead of comparing full
// clocks message by message.
type MessageSnapshot struct {
	MessageId types.MessageId `cbor:"0,keyasint"`
	Author    types.UserId    `cbor:"1,keyasint"`
	Seq       uint64          `cbor:"2,keyasint"`
	Timestamp time.Time       `cbor:"3,keyasint"`
	Clock     VectorClock     `cbor:"4,keyasint"`
}

// SyncRequest is what a replica sends to ask "what am I missing".
type SyncRequest struct {
	ThreadId   types.ThreadId
	Clock      VectorClock
	Tombstones TombstoneSet
}

// SyncResponse is what the replica handling a SyncRequest sends back.
type SyncResponse struct {
	MissingMessages  []MessageSnapshot
	MergedClock      VectorClock
	MergedTombstones TombstoneSet
}

// Store owns the per-thread vector_clocks and tombstones column families
// plus the message_refs snapshot ledger backing delta sync.
type Store struct {
	db *storage.DB
}

// NewStore wraps an already-open embedded store.
func NewStore(db *storage.DB) *Store { return &Store{db: db} }

// ThreadClock loads the thread's current merged vector clock, or an
// empty one if nothing has synced yet.
func (s *Store) ThreadClock(thread types.ThreadId) (VectorClock, error) {
	raw, ok, err := s.db.Get(storage.BucketVectorClocks, thread.Bytes())
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewVectorClock(), nil
	}
	var vc VectorClock
	if err := cbor.Unmarshal(raw, &vc); err != nil {
		return nil, descorderr.Wrap(descorderr.Storage, err, "decode vector clock for thread %s", thread)
	}
	return vc, nil
}

func (s *Store) putClock(thread types.ThreadId, vc VectorClock) error {
	encoded, err := cbor.Marshal(vc)
	if err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "encode vector clock")
	}
	return s.db.Put(storage.BucketVectorClocks, thread.Bytes(), encoded)
}

// ThreadTombstones loads the thread's current tombstone set.
func (s *Store) ThreadTombstones(thread types.ThreadId) (TombstoneSet, error) {
	raw, ok, err := s.db.Get(storage.BucketTombstones, thread.Bytes())
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewTombstoneSet(), nil
	}
	var ids []types.MessageId
	if err := cbor.Unmarshal(raw, &ids); err != nil {
		return nil, descorderr.Wrap(descorderr.Storage, err, "decode tombstones for thread %s", thread)
	}
	ts := NewTombstoneSet()
	for _, id := range ids {
		ts.Add(id)
	}
	return ts, nil
}

func (s *Store) putTombstones(thread types.ThreadId, ts TombstoneSet) error {
	encoded, err := cbor.Marshal(ts.Slice())
	if err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "encode tombstones")
	}
	return s.db.Put(storage.BucketTombstones, thread.Bytes(), encoded)
}

// IndexMessage snapshots a newly accepted message into the sync ledger
// and folds it into the thread's merged vector clock.
func (s *Store) IndexMessage(thread types.ThreadId, snap MessageSnapshot) error {
	encoded, err := cbor.Marshal(snap)
	if err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "encode message snapshot")
	}
	key := storage.ScopedBucketKey(thread.Bytes(), snap.MessageId.Bytes())
	if err := s.db.Put(storage.BucketMessageRefs, key, encoded); err != nil {
		return err
	}

	clock, err := s.ThreadClock(thread)
	if err != nil {
		return err
	}
	clock.Observe(snap.Author, snap.Seq)
	return s.putClock(thread, clock)
}

// RecordTombstone folds a deletion into the thread's tombstone set.
func (s *Store) RecordTombstone(thread types.ThreadId, message types.MessageId) error {
	ts, err := s.ThreadTombstones(thread)
	if err != nil {
		return err
	}
	ts.Add(message)
	return s.putTombstones(thread, ts)
}

// snapshots returns every message snapshot indexed for thread.
func (s *Store) snapshots(thread types.ThreadId) ([]MessageSnapshot, error) {
	var out []MessageSnapshot
	prefix := append(append([]byte{}, thread.Bytes()...), ':')
	err := s.db.ForEachPrefix(storage.BucketMessageRefs, prefix, func(_, v []byte) error {
		var snap MessageSnapshot
		if err := cbor.Unmarshal(v, &snap); err != nil {
			return descorderr.Wrap(descorderr.Storage, err, "decode message snapshot")
		}
		out = append(out, snap)
		return nil
	})
	return out, err
}

// BuildRequest captures this replica's current sync state for thread.
func (s *Store) BuildRequest(thread types.ThreadId) (SyncRequest, error) {
	clock, err := s.ThreadClock(thread)
	if err != nil {
		return SyncRequest{}, err
	}
	ts, err := s.ThreadTombstones(thread)
	if err != nil {
		return SyncRequest{}, err
	}
	return SyncRequest{ThreadId: thread, Clock: clock, Tombstones: ts}, nil
}

// HandleRequest answers a peer's SyncRequest: every locally known
// message the peer's clock doesn't yet cover, plus the merged clock and
// tombstone set the peer should adopt after applying them.
func (s *Store) HandleRequest(req SyncRequest) (SyncResponse, error) {
	all, err := s.snapshots(req.ThreadId)
	if err != nil {
		return SyncResponse{}, err
	}
	localClock, err := s.ThreadClock(req.ThreadId)
	if err != nil {
		return SyncResponse{}, err
	}
	localTombstones, err := s.ThreadTombstones(req.ThreadId)
	if err != nil {
		return SyncResponse{}, err
	}

	var missing []MessageSnapshot
	for _, snap := range all {
		if req.Clock[snap.Author] < snap.Seq {
			missing = append(missing, snap)
		}
	}
	missing = ResolveConcurrentOrder(missing)

	return SyncResponse{
		MissingMessages:  missing,
		MergedClock:      localClock.Merge(req.Clock),
		MergedTombstones: localTombstones.Merge(req.Tombstones),
	}, nil
}

// ApplyResponse folds a SyncResponse's merged clock and tombstones into
// local state. It does not index resp.MissingMessages; IndexMessage
// records one snapshot at a time.
func (s *Store) ApplyResponse(thread types.ThreadId, resp SyncResponse) error {
	if err := s.putClock(thread, resp.MergedClock); err != nil {
		return err
	}
	return s.putTombstones(thread, resp.MergedTombstones)
}

// ResolveConcurrentOrder sorts snapshots into a deterministic total
// order: causal order where it exists (happens_before), and for
// concurrent pairs the (author_id, timestamp, message_id) tiebreak
// chain every replica computes identically.
func ResolveConcurrentOrder(snaps []MessageSnapshot) []MessageSnapshot {
	out := make([]MessageSnapshot, len(snaps))
	copy(out, snaps)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Clock.HappensBefore(b.Clock) {
			return true
		}
		if b.Clock.HappensBefore(a.Clock) {
			return false
		}
		if a.Author != b.Author {
			return string(a.Author[:]) < string(b.Author[:])
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return string(a.MessageId.Bytes()) < string(b.MessageId.Bytes())
	})
	return out
}
