package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descord/core/hlc"
	"github.com/descord/core/identity"
	"github.com/descord/core/op"
	"github.com/descord/core/types"
)

func TestOpsBatchKeyAndEncryptionKeyDiffer(t *testing.T) {
	space := types.NewSpaceId()
	lookup := OpsBatchKey(space, 0)
	enc := OpsBatchEncryptionKey(space)
	assert.NotEqual(t, lookup, enc, "lookup tag and content key must be derived from distinct prefixes")
}

func buildEnvelope(t *testing.T, signer identity.Keypair) *op.Envelope {
	t.Helper()
	env, err := op.Build(op.Builder{
		SpaceId: types.NewSpaceId(),
		Type:    op.CreateSpace,
		Payload: op.CreateSpacePayload{Name: "test"},
		Clock:   hlc.New(),
		Signer:  signer,
	})
	require.NoError(t, err)
	return env
}

func TestSealAndOpenOperationBatchRoundTrips(t *testing.T) {
	signer, err := identity.Generate()
	require.NoError(t, err)
	space := types.NewSpaceId()

	envs := []*op.Envelope{buildEnvelope(t, signer), buildEnvelope(t, signer)}
	sealed, err := SealOperationBatch(space, 0, envs)
	require.NoError(t, err)
	require.Equal(t, space, sealed.SpaceId)

	opened, err := OpenOperationBatch(sealed)
	require.NoError(t, err)
	require.Len(t, opened, 2)
	assert.Equal(t, envs[0].OpId, opened[0].OpId)
}

func TestOperationBatchIndexAddBatchIsIdempotent(t *testing.T) {
	space := types.NewSpaceId()
	idx := NewOperationBatchIndex(space)
	now := time.Unix(1700000000, 0)

	idx.AddBatch(0, 5, now)
	idx.AddBatch(1, 3, now.Add(time.Second))
	idx.AddBatch(0, 5, now.Add(2*time.Second))

	assert.Equal(t, []uint32{0, 1}, idx.BatchSequences)
	assert.EqualValues(t, 8, idx.TotalOperations)
}

func TestSpaceMetadataSignAndVerify(t *testing.T) {
	founder, err := identity.Generate()
	require.NoError(t, err)

	meta := SpaceMetadata{
		SpaceId:     types.NewSpaceId(),
		Name:        "general",
		Visibility:  types.VisibilityPublic,
		MemberCount: 1,
		CreatedAt:   time.Unix(1700000000, 0),
	}
	signed, err := meta.Sign(founder)
	require.NoError(t, err)
	assert.True(t, Verify(signed, founder.UserId()))

	tampered := signed
	tampered.Name = "tampered"
	assert.False(t, Verify(tampered, founder.UserId()))
}

func TestSealAndOpenSpaceMetadataRoundTrips(t *testing.T) {
	founder, err := identity.Generate()
	require.NoError(t, err)
	meta := SpaceMetadata{SpaceId: types.NewSpaceId(), Name: "general", Visibility: types.VisibilityPrivate, CreatedAt: time.Unix(1700000000, 0)}
	signed, err := meta.Sign(founder)
	require.NoError(t, err)

	sealed, err := SealSpaceMetadata(signed)
	require.NoError(t, err)
	assert.Equal(t, types.VisibilityPrivate, sealed.Visibility)

	opened, err := OpenSpaceMetadata(sealed)
	require.NoError(t, err)
	assert.Equal(t, signed.Name, opened.Name)
	assert.True(t, Verify(opened, founder.UserId()))
}

func TestSealAndOpenBlobRoundTrips(t *testing.T) {
	space := types.NewSpaceId()
	hash := types.BlobHash{1, 2, 3}
	locallyEncrypted := []byte("already-locally-encrypted-bytes")

	sealed, err := SealBlob(space, hash, locallyEncrypted)
	require.NoError(t, err)

	opened, err := OpenBlob(sealed)
	require.NoError(t, err)
	assert.Equal(t, locallyEncrypted, opened)
}

func TestBlobIndexAddBlobIsIdempotent(t *testing.T) {
	space := types.NewSpaceId()
	idx := NewBlobIndex(space)
	now := time.Unix(1700000000, 0)
	hash := types.BlobHash{9}

	idx.AddBlob(hash, 100, now)
	idx.AddBlob(hash, 100, now.Add(time.Second))

	assert.Len(t, idx.BlobHashes, 1)
	assert.EqualValues(t, 100, idx.TotalSize)
}

func TestKeyPackageBundleEncodeDecodeRoundTrips(t *testing.T) {
	bundles := []types.KeyPackageBundle{
		{UserId: types.UserId{1}, SerializedBundle: []byte("pkg"), CreatedAt: time.Unix(1700000000, 0)},
	}
	encoded, err := EncodeKeyPackageBundles(bundles)
	require.NoError(t, err)

	decoded, err := DecodeKeyPackageBundles(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, bundles[0].UserId, decoded[0].UserId)
}
