package client

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/descord/core/blob"
	"github.com/descord/core/crdtsync"
	"github.com/descord/core/descorderr"
	"github.com/descord/core/dht"
	"github.com/descord/core/types"
)

// CatchUpSpace replays a Space's full DHT operation log through the
// ordinary validator/holdback path: load the batch index, fetch every
// named batch, decrypt it, and feed each envelope to ReceiveEnvelope in
// log order. Used when joining a Space whose history predates this
// replica's subscription, or recovering from a gap in pubsub delivery.
func (c *Client) CatchUpSpace(space types.SpaceId) error {
	if c.table == nil {
		return descorderr.New(descorderr.NotFound, "no DHT configured for space %s catch-up", space)
	}
	ctx, cancel := contextWithTimeout()
	defer cancel()

	rawIndex, err := c.table.GetValue(ctx, dht.OpsIndexKey(space))
	if err != nil {
		return descorderr.Wrap(descorderr.DhtQuorum, err, "fetch operation batch index for space %s", space)
	}
	var index dht.OperationBatchIndex
	if err := cbor.Unmarshal(rawIndex, &index); err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "decode operation batch index for space %s", space)
	}

	for _, seq := range index.BatchSequences {
		if err := c.fetchAndApplyBatch(space, seq); err != nil {
			c.log.WithError(err).WithField("seq", seq).Warn("failed to fetch operation batch during catch-up")
		}
	}
	return nil
}

func (c *Client) fetchAndApplyBatch(space types.SpaceId, seq uint32) error {
	ctx, cancel := contextWithTimeout()
	defer cancel()

	raw, err := c.table.GetValue(ctx, dht.OpsBatchKey(space, seq))
	if err != nil {
		return descorderr.Wrap(descorderr.DhtQuorum, err, "fetch operation batch %d", seq)
	}
	var sealed dht.EncryptedOperationBatch
	if err := cbor.Unmarshal(raw, &sealed); err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "decode operation batch %d", seq)
	}
	envs, err := dht.OpenOperationBatch(sealed)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := c.ReceiveEnvelope(env); err != nil {
			c.log.WithError(err).WithField("op_id", env.OpId).Warn("catch-up operation failed")
		}
	}
	return nil
}

// SyncThread runs one round of delta sync against a peer's SyncResponse
// for thread: folds the merged clock/tombstones into local state. The
// messages listed in resp.MissingMessages are neither indexed nor
// applied here; SyncThread only logs how many there are.
func (c *Client) SyncThread(thread types.ThreadId, resp crdtsync.SyncResponse) error {
	if err := c.sync.ApplyResponse(thread, resp); err != nil {
		return err
	}
	// A MessageSnapshot names a message the peer has that this replica
	// doesn't, but carries no signed envelope to apply directly; recovering
	// the envelope itself is CatchUpSpace's job (pubsub replay or a DHT
	// batch fetch), not this delta pass. MissingMessages tells the caller
	// what to go fetch, and in what order to apply it once fetched.
	if len(resp.MissingMessages) > 0 {
		c.log.WithField("thread", thread).WithField("count", len(resp.MissingMessages)).
			Debug("delta sync found messages this replica is missing")
	}
	return nil
}

// BuildSyncRequest captures this replica's current delta-sync state for
// thread, to send to a peer.
func (c *Client) BuildSyncRequest(thread types.ThreadId) (crdtsync.SyncRequest, error) {
	return c.sync.BuildRequest(thread)
}

// HandleSyncRequest answers a peer's SyncRequest with this replica's view
// of thread.
func (c *Client) HandleSyncRequest(req crdtsync.SyncRequest) (crdtsync.SyncResponse, error) {
	return c.sync.HandleRequest(req)
}

// UploadAttachment stores plaintext as a content-addressed encrypted blob
// local-first, then — if a DHT table is configured — publishes a
// Space-wrapped copy so other replicas can fetch it even if they never
// directly exchange pubsub with the uploader, via a double-decrypt DHT
// fallback.
func (c *Client) UploadAttachment(space types.SpaceId, messageId types.MessageId, threadId *types.ThreadId, plaintext []byte, key [32]byte, mime, filename *string) (types.BlobHash, error) {
	hash, err := c.blobs.Store(plaintext, key)
	if err != nil {
		return hash, err
	}
	if err := c.blobIndex.Record(messageId, hash, blob.Metadata{
		Hash:       hash,
		Size:       uint64(len(plaintext)),
		Mime:       mime,
		Filename:   filename,
		Uploader:   c.UserId(),
		UploadedAt: time.UnixMilli(int64(c.nowMs())),
		ThreadId:   threadId,
	}); err != nil {
		return hash, err
	}

	if c.table == nil {
		return hash, nil
	}
	locallyEncrypted, err := c.blobs.RawBytes(hash)
	if err != nil {
		c.log.WithError(err).Warn("read local blob file for DHT publish")
		return hash, nil
	}
	sealed, err := dht.SealBlob(space, hash, locallyEncrypted)
	if err != nil {
		c.log.WithError(err).Warn("seal blob for DHT publish")
		return hash, nil
	}
	encoded, err := cbor.Marshal(sealed)
	if err != nil {
		c.log.WithError(err).Warn("encode blob record")
		return hash, nil
	}
	ctx, cancel := contextWithTimeout()
	defer cancel()
	if err := c.table.PutValue(ctx, dht.BlobKey(space, hash), encoded); err != nil {
		c.log.WithError(err).Warn("DHT put failed for blob")
	}
	return hash, nil
}

// DownloadAttachment loads a blob local-first; on a local miss, and only
// if a DHT table is configured, it fetches the Space-wrapped copy,
// removes the outer layer, and decrypts the recovered inner ciphertext
// with the caller-supplied key exactly as a local Load would.
func (c *Client) DownloadAttachment(space types.SpaceId, hash types.BlobHash, key [32]byte) ([]byte, error) {
	if c.blobs.Exists(hash) {
		return c.blobs.Load(hash, key)
	}
	if c.table == nil {
		return nil, descorderr.New(descorderr.NotFound, "blob %s not found locally and no DHT configured", hash)
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()
	raw, err := c.table.GetValue(ctx, dht.BlobKey(space, hash))
	if err != nil {
		return nil, descorderr.Wrap(descorderr.DhtQuorum, err, "fetch blob %s", hash)
	}
	var sealed dht.EncryptedBlobRecord
	if err := cbor.Unmarshal(raw, &sealed); err != nil {
		return nil, descorderr.Wrap(descorderr.Storage, err, "decode blob record %s", hash)
	}
	locallyEncrypted, err := dht.OpenBlob(sealed)
	if err != nil {
		return nil, err
	}
	if err := c.blobs.WriteRaw(hash, locallyEncrypted); err != nil {
		c.log.WithError(err).Warn("cache fetched blob locally")
	}
	return c.blobs.Load(hash, key)
}
