// Package identity implements component A: a long-term Ed25519 signing
// keypair whose public key doubles as the UserId, plus the canonical
// signing discipline every other component relies on.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"io/ioutil"
	"os"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/types"
)

// Keypair is a long-term Ed25519 identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh keypair.
func Generate() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, descorderr.Wrap(descorderr.Crypto, err, "generate identity keypair")
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// FromSeed rebuilds a keypair from its raw 32-byte private seed, the
// on-disk representation (<name>.key holds the raw signing private key;
// a corrupt length fails startup).
func FromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, descorderr.New(descorderr.Crypto, "identity key file must be exactly %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// LoadOrGenerate reads the raw seed from path, generating and
// persisting a fresh one if the file does not exist.
func LoadOrGenerate(path string) (Keypair, error) {
	seed, err := ioutil.ReadFile(path)
	if err == nil {
		return FromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return Keypair{}, descorderr.Wrap(descorderr.Storage, err, "read identity key file %s", path)
	}
	kp, genErr := Generate()
	if genErr != nil {
		return Keypair{}, genErr
	}
	if writeErr := ioutil.WriteFile(path, kp.Private.Seed(), 0600); writeErr != nil {
		return Keypair{}, descorderr.Wrap(descorderr.Storage, writeErr, "persist identity key file %s", path)
	}
	return kp, nil
}

// UserId is the identity's public key reinterpreted as a UserId.
func (k Keypair) UserId() types.UserId { return types.UserIdFromPublicKey(k.Public) }

// Sign signs canonical bytes (already excluding any signature field)
// and returns a fixed-size Signature.
func (k Keypair) Sign(canonicalBytes []byte) types.Signature {
	var sig types.Signature
	copy(sig[:], ed25519.Sign(k.Private, canonicalBytes))
	return sig
}

// Verify checks a signature against canonical bytes and a claimed author.
func Verify(author types.UserId, canonicalBytes []byte, sig types.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(author[:]), canonicalBytes, sig[:])
}
