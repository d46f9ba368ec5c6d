// Package keypackage implements component H: generation, signing, and
// local consumption bookkeeping for a user's published MLS KeyPackage
// bundles. Publishing the generated bundles to the DHT and fetching a
// remote user's bundles are the Client façade's job (component M), which
// calls SelectFreshest on whatever a DHT get returns; this package owns
// only the local pool and its signing discipline.
package keypackage

import (
	"sync"
	"time"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/identity"
	"github.com/descord/core/mls"
	"github.com/descord/core/types"
)

// DefaultBatchSize is how many KeyPackages Refill tops the pool up to.
const DefaultBatchSize = 10

// DefaultLifetime is how long a published bundle remains eligible to be
// selected by Fetch/SelectFreshest.
const DefaultLifetime = 7 * 24 * time.Hour

// pooled is one unconsumed, locally-generated bundle plus the box
// private key it was generated with — retained so JoinFromWelcome can
// recover it once a remote admin's Welcome confirms this bundle was used.
type pooled struct {
	bundle  types.KeyPackageBundle
	boxPriv [mls.BoxKeySize]byte
}

// Store owns one user's pool of published-but-unconsumed KeyPackage
// bundles.
type Store struct {
	mu        sync.Mutex
	signer    identity.Keypair
	batchSize int
	lifetime  time.Duration
	pool      []pooled
}

// New builds a Store with the default batch size and bundle lifetime.
func New(signer identity.Keypair) *Store {
	return &Store{signer: signer, batchSize: DefaultBatchSize, lifetime: DefaultLifetime}
}

// WithBatchSize overrides the default refill target, returning the
// receiver for chaining.
func (s *Store) WithBatchSize(n int) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchSize = n
	return s
}

// WithLifetime overrides the default bundle lifetime.
func (s *Store) WithLifetime(d time.Duration) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifetime = d
	return s
}

// Len reports the number of currently pooled, unconsumed bundles.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pool)
}

// Refill tops the pool up to the configured batch size, signing each
// freshly generated bundle, and returns the newly minted bundles for the
// caller to publish to the DHT under H("KEYPACKAGES:" || user_id).
func (s *Store) Refill(now time.Time) ([]types.KeyPackageBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var minted []types.KeyPackageBundle
	for len(s.pool) < s.batchSize {
		pub, priv, err := mls.GenerateBoxKeypair()
		if err != nil {
			return minted, err
		}
		serialized, err := mls.KeyPackage{BoxPublicKey: pub}.Marshal()
		if err != nil {
			return minted, descorderr.Wrap(descorderr.Storage, err, "serialize key package")
		}

		bundle := types.KeyPackageBundle{
			UserId:           s.signer.UserId(),
			SerializedBundle: serialized,
			CreatedAt:        now,
		}
		signingBytes, err := signingBytes(bundle)
		if err != nil {
			return minted, err
		}
		bundle.Signature = s.signer.Sign(signingBytes)

		s.pool = append(s.pool, pooled{bundle: bundle, boxPriv: priv})
		minted = append(minted, bundle)
	}
	return minted, nil
}

// ConsumeByPublicKey pops the pooled bundle whose box public key matches
// pub — called once this user processes a Welcome that confirms one of
// their published bundles was used to add them to a group — and returns
// the matching box private key so the caller can reconstruct the MLS
// group via mls.JoinFromWelcome.
func (s *Store) ConsumeByPublicKey(pub [mls.BoxKeySize]byte) ([mls.BoxKeySize]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.pool {
		kp, err := mls.UnmarshalKeyPackage(p.bundle.SerializedBundle)
		if err != nil || kp.BoxPublicKey != pub {
			continue
		}
		priv := p.boxPriv
		s.pool = append(s.pool[:i], s.pool[i+1:]...)
		return priv, true
	}
	return [mls.BoxKeySize]byte{}, false
}

// signingBytes returns the canonical bytes a KeyPackageBundle's
// signature is computed over: every field except the signature itself,
// mirroring the identity package's envelope signing discipline with a
// genuine Ed25519 sign/verify.
func signingBytes(b types.KeyPackageBundle) ([]byte, error) {
	out := make([]byte, 0, len(b.UserId)+len(b.SerializedBundle)+8)
	out = append(out, b.UserId.Bytes()...)
	out = append(out, b.SerializedBundle...)
	ms := uint64(b.CreatedAt.UnixMilli())
	out = append(out,
		byte(ms>>56), byte(ms>>48), byte(ms>>40), byte(ms>>32),
		byte(ms>>24), byte(ms>>16), byte(ms>>8), byte(ms))
	return out, nil
}

// Verify checks a bundle's signature against its claimed owner.
func Verify(b types.KeyPackageBundle) bool {
	bytes, err := signingBytes(b)
	if err != nil {
		return false
	}
	return identity.Verify(b.UserId, bytes, b.Signature)
}

// SelectFreshest returns the newest bundle in candidates whose signature
// verifies and whose age is within lifetime, as the façade calls after a
// DHT fetch of "KEYPACKAGES:" + user_id. Bundles older than their
// configured lifetime are ignored on fetch.
func SelectFreshest(candidates []types.KeyPackageBundle, lifetime time.Duration, now time.Time) (types.KeyPackageBundle, bool) {
	var best types.KeyPackageBundle
	found := false
	for _, b := range candidates {
		if now.Sub(b.CreatedAt) > lifetime {
			continue
		}
		if !Verify(b) {
			continue
		}
		if !found || b.CreatedAt.After(best.CreatedAt) {
			best = b
			found = true
		}
	}
	return best, found
}
