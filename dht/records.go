package dht

import (
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/identity"
	"github.com/descord/core/op"
	"github.com/descord/core/types"
)

// EncryptedOperationBatch is the DHT value for an operation batch: a
// sequence of canonically encoded envelopes, AES-256-GCM sealed under
// OpsBatchEncryptionKey(space_id).
type EncryptedOperationBatch struct {
	SpaceId    types.SpaceId `cbor:"0,keyasint"`
	Seq        uint32        `cbor:"1,keyasint"`
	Nonce      []byte        `cbor:"2,keyasint"`
	Ciphertext []byte        `cbor:"3,keyasint"`
}

// SealOperationBatch encrypts a slice of operations into an
// EncryptedOperationBatch ready to DHT-put under OpsBatchKey(space, seq).
func SealOperationBatch(space types.SpaceId, seq uint32, ops []*op.Envelope) (EncryptedOperationBatch, error) {
	encoded := make([][]byte, 0, len(ops))
	for _, e := range ops {
		b, err := e.Encode()
		if err != nil {
			return EncryptedOperationBatch{}, descorderr.Wrap(descorderr.Storage, err, "encode operation for batch")
		}
		encoded = append(encoded, b)
	}
	plaintext, err := cbor.Marshal(encoded)
	if err != nil {
		return EncryptedOperationBatch{}, descorderr.Wrap(descorderr.Storage, err, "encode operation batch")
	}
	nonce, ciphertext, err := seal(OpsBatchEncryptionKey(space), plaintext)
	if err != nil {
		return EncryptedOperationBatch{}, err
	}
	return EncryptedOperationBatch{SpaceId: space, Seq: seq, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// OpenOperationBatch decrypts and decodes a batch back into its operations.
func OpenOperationBatch(batch EncryptedOperationBatch) ([]*op.Envelope, error) {
	plaintext, err := open(OpsBatchEncryptionKey(batch.SpaceId), batch.Nonce, batch.Ciphertext)
	if err != nil {
		return nil, err
	}
	var encoded [][]byte
	if err := cbor.Unmarshal(plaintext, &encoded); err != nil {
		return nil, descorderr.Wrap(descorderr.Storage, err, "decode operation batch")
	}
	out := make([]*op.Envelope, 0, len(encoded))
	for _, b := range encoded {
		e, err := op.Decode(b)
		if err != nil {
			return nil, descorderr.Wrap(descorderr.Storage, err, "decode operation in batch")
		}
		out = append(out, e)
	}
	return out, nil
}

// OperationBatchIndex tracks which batch sequence numbers a Space has
// published to the DHT, ported from the original's batch index record.
type OperationBatchIndex struct {
	SpaceId         types.SpaceId `cbor:"0,keyasint"`
	BatchSequences  []uint32      `cbor:"1,keyasint"`
	TotalOperations uint64        `cbor:"2,keyasint"`
	LastUpdated     time.Time     `cbor:"3,keyasint"`
}

// NewOperationBatchIndex returns an empty index for space.
func NewOperationBatchIndex(space types.SpaceId) OperationBatchIndex {
	return OperationBatchIndex{SpaceId: space}
}

// AddBatch folds a freshly published batch into the index. Idempotent on
// sequence number: republishing the same seq only ever updates the
// timestamp, never double-counts its operation count.
func (idx *OperationBatchIndex) AddBatch(seq uint32, opCount uint64, at time.Time) {
	for _, existing := range idx.BatchSequences {
		if existing == seq {
			idx.LastUpdated = at
			return
		}
	}
	idx.BatchSequences = append(idx.BatchSequences, seq)
	sort.Slice(idx.BatchSequences, func(i, j int) bool { return idx.BatchSequences[i] < idx.BatchSequences[j] })
	idx.TotalOperations += opCount
	idx.LastUpdated = at
}

// SpaceMetadata is the signed, discoverable summary of a Space ported
// from the original's space_metadata.rs: the founder signs over its own
// canonical bytes, and verification is mandatory before acceptance.
type SpaceMetadata struct {
	SpaceId     types.SpaceId          `cbor:"0,keyasint"`
	Name        string                 `cbor:"1,keyasint"`
	Description *string                `cbor:"2,keyasint,omitempty"`
	Visibility  types.SpaceVisibility  `cbor:"3,keyasint"`
	MemberCount uint64                 `cbor:"4,keyasint"`
	CreatedAt   time.Time              `cbor:"5,keyasint"`
	Signature   types.Signature        `cbor:"6,keyasint"`
}

func (m SpaceMetadata) signingBytes() ([]byte, error) {
	unsigned := m
	unsigned.Signature = types.Signature{}
	return cbor.Marshal(unsigned)
}

// Sign computes and attaches the founder's signature over m's canonical
// bytes (with the signature field zeroed).
func (m SpaceMetadata) Sign(founder identity.Keypair) (SpaceMetadata, error) {
	b, err := m.signingBytes()
	if err != nil {
		return SpaceMetadata{}, descorderr.Wrap(descorderr.Crypto, err, "compute space metadata signing bytes")
	}
	m.Signature = founder.Sign(b)
	return m, nil
}

// Verify checks m's signature against the claimed founder.
func Verify(m SpaceMetadata, founder types.UserId) bool {
	b, err := m.signingBytes()
	if err != nil {
		return false
	}
	return identity.Verify(founder, b, m.Signature)
}

// EncryptedSpaceMetadata is the DHT value for a Space's metadata record.
// Visibility rides alongside the ciphertext unencrypted, since a
// scanning client needs it to decide whether to even attempt the
// encrypted lookup flow for Public Spaces.
type EncryptedSpaceMetadata struct {
	SpaceId    types.SpaceId         `cbor:"0,keyasint"`
	Nonce      []byte                `cbor:"1,keyasint"`
	Ciphertext []byte                `cbor:"2,keyasint"`
	Visibility types.SpaceVisibility `cbor:"3,keyasint"`
}

// SealSpaceMetadata encrypts metadata for DHT storage.
func SealSpaceMetadata(metadata SpaceMetadata) (EncryptedSpaceMetadata, error) {
	plaintext, err := cbor.Marshal(metadata)
	if err != nil {
		return EncryptedSpaceMetadata{}, descorderr.Wrap(descorderr.Storage, err, "encode space metadata")
	}
	nonce, ciphertext, err := seal(SpaceMetadataEncryptionKey(metadata.SpaceId), plaintext)
	if err != nil {
		return EncryptedSpaceMetadata{}, err
	}
	return EncryptedSpaceMetadata{
		SpaceId:    metadata.SpaceId,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Visibility: metadata.Visibility,
	}, nil
}

// OpenSpaceMetadata decrypts a Space metadata DHT record.
func OpenSpaceMetadata(rec EncryptedSpaceMetadata) (SpaceMetadata, error) {
	plaintext, err := open(SpaceMetadataEncryptionKey(rec.SpaceId), rec.Nonce, rec.Ciphertext)
	if err != nil {
		return SpaceMetadata{}, err
	}
	var metadata SpaceMetadata
	if err := cbor.Unmarshal(plaintext, &metadata); err != nil {
		return SpaceMetadata{}, descorderr.Wrap(descorderr.Storage, err, "decode space metadata")
	}
	return metadata, nil
}

// EncryptedBlobRecord is the DHT value for a single blob.
type EncryptedBlobRecord struct {
	SpaceId     types.SpaceId  `cbor:"0,keyasint"`
	ContentHash types.BlobHash `cbor:"1,keyasint"`
	Nonce       []byte         `cbor:"2,keyasint"`
	Ciphertext  []byte         `cbor:"3,keyasint"`
}

// SealBlob wraps an already locally-encrypted blob file's bytes with the
// Space-derived outer layer, giving a double-decrypt DHT fallback
// (outer: Space key, inner: caller-provided blob key).
func SealBlob(space types.SpaceId, hash types.BlobHash, locallyEncrypted []byte) (EncryptedBlobRecord, error) {
	nonce, ciphertext, err := seal(BlobEncryptionKey(space), locallyEncrypted)
	if err != nil {
		return EncryptedBlobRecord{}, err
	}
	return EncryptedBlobRecord{SpaceId: space, ContentHash: hash, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// OpenBlob removes the Space-derived outer layer, returning the still
// inner-encrypted blob bytes the blob store can load normally.
func OpenBlob(rec EncryptedBlobRecord) ([]byte, error) {
	return open(BlobEncryptionKey(rec.SpaceId), rec.Nonce, rec.Ciphertext)
}

// BlobIndex tracks every blob hash a Space has published to the DHT.
type BlobIndex struct {
	SpaceId    types.SpaceId    `cbor:"0,keyasint"`
	BlobHashes []types.BlobHash `cbor:"1,keyasint"`
	TotalSize  uint64           `cbor:"2,keyasint"`
	Updated    time.Time        `cbor:"3,keyasint"`
}

// NewBlobIndex returns an empty index for space.
func NewBlobIndex(space types.SpaceId) BlobIndex {
	return BlobIndex{SpaceId: space}
}

// AddBlob folds a freshly published blob into the index, idempotent on hash.
func (idx *BlobIndex) AddBlob(hash types.BlobHash, size uint64, at time.Time) {
	for _, existing := range idx.BlobHashes {
		if existing == hash {
			idx.Updated = at
			return
		}
	}
	idx.BlobHashes = append(idx.BlobHashes, hash)
	idx.TotalSize += size
	idx.Updated = at
}

// EncodeKeyPackageBundles canonically serializes a user's published
// KeyPackage bundles for DHT storage under KeyPackagesKey(user).
func EncodeKeyPackageBundles(bundles []types.KeyPackageBundle) ([]byte, error) {
	b, err := cbor.Marshal(bundles)
	if err != nil {
		return nil, descorderr.Wrap(descorderr.Storage, err, "encode key package bundles")
	}
	return b, nil
}

// DecodeKeyPackageBundles reverses EncodeKeyPackageBundles.
func DecodeKeyPackageBundles(data []byte) ([]types.KeyPackageBundle, error) {
	var bundles []types.KeyPackageBundle
	if err := cbor.Unmarshal(data, &bundles); err != nil {
		return nil, descorderr.Wrap(descorderr.Storage, err, "decode key package bundles")
	}
	return bundles, nil
}
