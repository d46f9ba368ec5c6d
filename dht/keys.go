// Package dht implements the deterministic key derivation and
// encryption envelope scheme used for every record the core hands to
// the distributed hash table, plus the PubSub/DHT adapter interfaces
// the façade drives without importing a concrete libp2p transport.
package dht

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/descord/core/types"
)

// Domain prefixes for every DHT record kind. OpsEncryptionKey is kept
// separate from OpsBatch on purpose: the operation-batch *content*
// encryption key is derived from its own prefix rather than reusing the
// lookup-tag prefix, so knowing how to find a batch on the DHT never
// hands you the key to decrypt it.
const (
	PrefixOpsBatch         = "DESCORD_OPS_BATCH:"
	PrefixOpsEncryptionKey = "DESCORD_OPS_ENCRYPTION_KEY:"
	PrefixOpsIndex         = "DESCORD_OPS_INDEX:"
	PrefixSpaceMetadata    = "DESCORD_SPACE_DHT_KEY:"
	PrefixBlob             = "DESCORD_BLOB:"
	PrefixBlobIndex        = "DESCORD_BLOB_INDEX:"
	PrefixKeyPackages      = "KEYPACKAGES:"
)

// tag hashes a domain prefix together with whatever scoping bytes follow
// it, realizing the general "H(domain_prefix || space_id [|| extra])"
// key scheme.
func tag(prefix string, parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(prefix))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func seqLE(seq uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, seq)
	return b
}

// OpsBatchKey is the DHT lookup key for an encrypted operation batch.
func OpsBatchKey(space types.SpaceId, seq uint32) [32]byte {
	return tag(PrefixOpsBatch, space.Bytes(), seqLE(seq))
}

// OpsBatchEncryptionKey is the AES-256-GCM key used to encrypt/decrypt a
// batch's ciphertext, distinct from OpsBatchKey (see PrefixOpsEncryptionKey).
func OpsBatchEncryptionKey(space types.SpaceId) [32]byte {
	return tag(PrefixOpsEncryptionKey, space.Bytes())
}

// OpsIndexKey is the DHT lookup key for a Space's operation batch index.
func OpsIndexKey(space types.SpaceId) [32]byte {
	return tag(PrefixOpsIndex, space.Bytes())
}

// SpaceMetadataKey is the DHT lookup key for a Space's encrypted metadata.
func SpaceMetadataKey(space types.SpaceId) [32]byte {
	return tag(PrefixSpaceMetadata, space.Bytes())
}

// SpaceMetadataEncryptionKey derives the content key for Space metadata.
// Unlike ops batches, Space metadata reuses its own lookup prefix for
// both purposes, matching the original's simpler (and, for a record
// whose entire value is already signed, adequately safe) scheme.
func SpaceMetadataEncryptionKey(space types.SpaceId) [32]byte {
	return tag(PrefixSpaceMetadata, space.Bytes())
}

// BlobKey is the DHT lookup key for an encrypted blob.
func BlobKey(space types.SpaceId, hash types.BlobHash) [32]byte {
	return tag(PrefixBlob, space.Bytes(), hash[:])
}

// BlobEncryptionKey derives the outer content key for blobs fetched from
// the DHT (the Space-derived "outer" layer; the caller-provided blob key
// is the "inner" layer the blob package itself already applies).
func BlobEncryptionKey(space types.SpaceId) [32]byte {
	return tag(PrefixBlob, space.Bytes())
}

// BlobIndexKey is the DHT lookup key for a Space's blob index.
func BlobIndexKey(space types.SpaceId) [32]byte {
	return tag(PrefixBlobIndex, space.Bytes())
}

// KeyPackagesKey is the DHT lookup key for a user's published KeyPackage bundles.
func KeyPackagesKey(user types.UserId) [32]byte {
	return tag(PrefixKeyPackages, user[:])
}
