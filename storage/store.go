// Package storage defines the on-disk layout: a single embedded
// key-value store (github.com/etcd-io/bbolt) holding one bucket per
// named column family (thread_messages, user_messages, message_refs,
// blob_metadata, vector_clocks, tombstones, relays, ops), plus an
// identity bucket that is created but not written (the signing key is a
// raw seed file, see package identity). Content-addressed blobs
// themselves stay as loose files under blobs/<hex_hash> (package blob)
// since an immutable-once-written blob is a poor fit for a
// transactional store.
package storage

import (
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/descord/core/descorderr"
)

// Bucket names, one per column family.
var (
	BucketThreadMessages = []byte("thread_messages")
	BucketUserMessages   = []byte("user_messages")
	BucketMessageRefs    = []byte("message_refs")
	BucketBlobMetadata   = []byte("blob_metadata")
	BucketVectorClocks   = []byte("vector_clocks")
	BucketTombstones     = []byte("tombstones")
	BucketRelays         = []byte("relays")
	BucketOps            = []byte("ops")
	BucketIdentity       = []byte("identity")
)

var allBuckets = [][]byte{
	BucketThreadMessages, BucketUserMessages, BucketMessageRefs, BucketBlobMetadata,
	BucketVectorClocks, BucketTombstones, BucketRelays, BucketOps, BucketIdentity,
}

// DB is the embedded key-value store backing every column family.
type DB struct {
	bolt *bolt.DB
	root string
}

// Open creates (or opens) the store at <root>/descord.db, ensuring every
// named bucket exists.
func Open(root string) (*DB, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, descorderr.Wrap(descorderr.Storage, err, "create storage root %s", root)
	}
	bdb, err := bolt.Open(filepath.Join(root, "descord.db"), 0600, nil)
	if err != nil {
		return nil, descorderr.Wrap(descorderr.Storage, err, "open embedded store")
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = bdb.Close()
		return nil, descorderr.Wrap(descorderr.Storage, err, "initialize column families")
	}
	return &DB{bolt: bdb, root: root}, nil
}

// Close releases the underlying file handle.
func (d *DB) Close() error { return d.bolt.Close() }

// Root returns the storage root directory (blob files live under
// <root>/blobs).
func (d *DB) Root() string { return d.root }

// Put writes key -> value into bucket within one transaction.
func (d *DB) Put(bucket, key, value []byte) error {
	err := d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
	if err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "put into %s", bucket)
	}
	return nil
}

// Get reads key from bucket, returning (nil, false) if absent. The
// returned slice is a copy safe to retain past the transaction.
func (d *DB) Get(bucket, key []byte) ([]byte, bool, error) {
	var out []byte
	err := d.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, descorderr.Wrap(descorderr.Storage, err, "get from %s", bucket)
	}
	return out, out != nil, nil
}

// Delete removes key from bucket; a no-op if absent.
func (d *DB) Delete(bucket, key []byte) error {
	err := d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
	if err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "delete from %s", bucket)
	}
	return nil
}

// ForEachPrefix iterates every key in bucket beginning with prefix, in
// key order, calling fn with a copy of each key/value pair. Used for the
// chronological thread/user message indices, whose keys embed a
// big-endian timestamp so lexicographic order is chronological order.
func (d *DB) ForEachPrefix(bucket, prefix []byte, fn func(key, value []byte) error) error {
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(append([]byte{}, k...), append([]byte{}, v...)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "iterate %s", bucket)
	}
	return nil
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
