package blob

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/storage"
	"github.com/descord/core/types"
)

// Metadata is the per-blob record: {hash, size, mime?, filename?,
// uploader, uploaded_at, thread_id?}.
type Metadata struct {
	Hash       types.BlobHash  `cbor:"0,keyasint"`
	Size       uint64          `cbor:"1,keyasint"`
	Mime       *string         `cbor:"2,keyasint,omitempty"`
	Filename   *string         `cbor:"3,keyasint,omitempty"`
	Uploader   types.UserId    `cbor:"4,keyasint"`
	UploadedAt time.Time       `cbor:"5,keyasint"`
	ThreadId   *types.ThreadId `cbor:"6,keyasint,omitempty"`
}

// messageRefPrefix namespaces the message_id -> blob_hash reverse lookup
// inside blob_metadata, leaving the message_refs column family itself to
// per-message vector-clock snapshots.
var messageRefPrefix = []byte("msgref:")

// Index owns the blob-related column families: thread_messages and
// user_messages (chronological per-scope indices) and blob_metadata
// (per-hash metadata plus the message_id -> blob_hash reverse lookup).
type Index struct {
	db *storage.DB
}

// NewIndex wraps an already-open embedded store.
func NewIndex(db *storage.DB) *Index { return &Index{db: db} }

// Record indexes a freshly stored blob: the message reverse lookup, the
// thread's and author's chronological indices, and the blob's own
// metadata.
func (idx *Index) Record(messageId types.MessageId, hash types.BlobHash, meta Metadata) error {
	refKey := storage.ScopedBucketKey(messageRefPrefix, messageId.Bytes())
	if err := idx.db.Put(storage.BucketBlobMetadata, refKey, hash[:]); err != nil {
		return err
	}

	ts := uint64(meta.UploadedAt.UnixMilli())
	if meta.ThreadId != nil {
		key := storage.ScopedBucketKey(meta.ThreadId.Bytes(), storage.CompositeKey(ts, messageId.Bytes()))
		if err := idx.db.Put(storage.BucketThreadMessages, key, hash[:]); err != nil {
			return err
		}
	}
	userKey := storage.ScopedBucketKey(meta.Uploader[:], storage.CompositeKey(ts, messageId.Bytes()))
	if err := idx.db.Put(storage.BucketUserMessages, userKey, hash[:]); err != nil {
		return err
	}

	encoded, err := cbor.Marshal(meta)
	if err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "encode blob metadata")
	}
	return idx.db.Put(storage.BucketBlobMetadata, hash[:], encoded)
}

// BlobForMessage resolves a message id to its blob hash.
func (idx *Index) BlobForMessage(messageId types.MessageId) (types.BlobHash, bool, error) {
	refKey := storage.ScopedBucketKey(messageRefPrefix, messageId.Bytes())
	raw, ok, err := idx.db.Get(storage.BucketBlobMetadata, refKey)
	if err != nil || !ok {
		return types.BlobHash{}, false, err
	}
	var hash types.BlobHash
	copy(hash[:], raw)
	return hash, true, nil
}

// Metadata resolves a blob hash to its recorded metadata.
func (idx *Index) Metadata(hash types.BlobHash) (Metadata, bool, error) {
	raw, ok, err := idx.db.Get(storage.BucketBlobMetadata, hash[:])
	if err != nil || !ok {
		return Metadata{}, false, err
	}
	var meta Metadata
	if err := cbor.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, false, descorderr.Wrap(descorderr.Storage, err, "decode blob metadata")
	}
	return meta, true, nil
}

// ThreadBlobHashes returns every blob hash indexed under thread, in
// chronological order.
func (idx *Index) ThreadBlobHashes(thread types.ThreadId) ([]types.BlobHash, error) {
	var out []types.BlobHash
	prefix := append(append([]byte{}, thread.Bytes()...), ':')
	err := idx.db.ForEachPrefix(storage.BucketThreadMessages, prefix, func(_, v []byte) error {
		var h types.BlobHash
		copy(h[:], v)
		out = append(out, h)
		return nil
	})
	return out, err
}

// UserBlobHashes returns every blob hash indexed under user, in
// chronological order.
func (idx *Index) UserBlobHashes(user types.UserId) ([]types.BlobHash, error) {
	var out []types.BlobHash
	prefix := append(append([]byte{}, user[:]...), ':')
	err := idx.db.ForEachPrefix(storage.BucketUserMessages, prefix, func(_, v []byte) error {
		var h types.BlobHash
		copy(h[:], v)
		out = append(out, h)
		return nil
	})
	return out, err
}
