package storage

import "encoding/binary"

// TimeKey renders a Unix-millis timestamp as a big-endian 8-byte prefix
// so lexicographic key order equals chronological order in a bbolt
// bucket's cursor walk.
func TimeKey(unixMs uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, unixMs)
	return b
}

// CompositeKey concatenates a chronological TimeKey prefix with a
// trailing id suffix, realizing the "(thread_id, timestamp, message_id)"
// and "(user_id, timestamp, message_id)" index key shapes: the bucket
// itself is already scoped to the thread/user, so the key only needs to
// carry the timestamp and the trailing id.
func CompositeKey(unixMs uint64, id []byte) []byte {
	return append(TimeKey(unixMs), id...)
}

// ScopedBucketKey prefixes a raw key with a scope id (e.g. a ThreadId or
// UserId), since the per-thread and per-author indices are logically
// separate keyspaces sharing the same physical bucket.
func ScopedBucketKey(scope, key []byte) []byte {
	out := make([]byte, 0, len(scope)+1+len(key))
	out = append(out, scope...)
	out = append(out, ':')
	out = append(out, key...)
	return out
}
