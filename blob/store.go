// Package blob implements content-addressed, encrypted binary storage
// with dedup, atomic writes, and chronological and per-author indices.
// Uses a write-then-rename atomic-write idiom generalized to loose
// files, since content-addressed immutable blobs are a poor fit for a
// transactional KV store.
package blob

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/descord/core/descorderr"
	"github.com/descord/core/types"
)

// NonceSize is the AES-GCM nonce width: a fresh 96-bit random nonce.
const NonceSize = 12

// record is the on-disk shape of one encrypted blob file.
type record struct {
	Nonce      []byte `cbor:"0,keyasint"`
	Ciphertext []byte `cbor:"1,keyasint"`
}

// Store owns the loose blob files under <root>/blobs.
type Store struct {
	root string
}

// NewStore ensures <root>/blobs exists and returns a Store over it.
func NewStore(root string) (*Store, error) {
	dir := filepath.Join(root, "blobs")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, descorderr.Wrap(descorderr.Storage, err, "create blob directory")
	}
	return &Store{root: root}, nil
}

func (s *Store) path(hash types.BlobHash) string {
	return filepath.Join(s.root, "blobs", hex.EncodeToString(hash[:]))
}

// Hash computes the content address of plaintext.
func Hash(plaintext []byte) types.BlobHash {
	return sha256.Sum256(plaintext)
}

// Store encrypts plaintext under key (AES-256-GCM, fresh random nonce)
// and writes it atomically (temp file, fsync, rename). If a file for
// this content hash already exists, the write is a no-op (dedup).
func (s *Store) Store(plaintext []byte, key [32]byte) (types.BlobHash, error) {
	hash := Hash(plaintext)
	dst := s.path(hash)
	if _, err := os.Stat(dst); err == nil {
		return hash, nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return hash, descorderr.Wrap(descorderr.Crypto, err, "build AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return hash, descorderr.Wrap(descorderr.Crypto, err, "build AES-GCM")
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return hash, descorderr.Wrap(descorderr.Crypto, err, "generate blob nonce")
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	encoded, err := cbor.Marshal(record{Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		return hash, descorderr.Wrap(descorderr.Storage, err, "encode blob record")
	}

	if err := atomicWrite(dst, encoded); err != nil {
		return hash, err
	}
	return hash, nil
}

// Load reads, decrypts, and verifies a stored blob. Both the AES-GCM tag
// and hash(plaintext) == hash must check out; either failure returns a
// Crypto error.
func (s *Store) Load(hash types.BlobHash, key [32]byte) ([]byte, error) {
	raw, err := ioutil.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, descorderr.New(descorderr.NotFound, "blob %s not found", hash)
		}
		return nil, descorderr.Wrap(descorderr.Storage, err, "read blob %s", hash)
	}

	var rec record
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, descorderr.Wrap(descorderr.Crypto, err, "corrupted blob record %s", hash)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, descorderr.Wrap(descorderr.Crypto, err, "build AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, descorderr.Wrap(descorderr.Crypto, err, "build AES-GCM")
	}
	plaintext, err := gcm.Open(nil, rec.Nonce, rec.Ciphertext, nil)
	if err != nil {
		return nil, descorderr.Wrap(descorderr.Crypto, err, "corrupted blob %s: GCM tag mismatch", hash)
	}

	if Hash(plaintext) != hash {
		return nil, descorderr.New(descorderr.Crypto, "corrupted blob %s: plaintext hash mismatch", hash)
	}
	return plaintext, nil
}

// Delete removes a blob's file. A no-op if it does not exist.
func (s *Store) Delete(hash types.BlobHash) error {
	err := os.Remove(s.path(hash))
	if err != nil && !os.IsNotExist(err) {
		return descorderr.Wrap(descorderr.Storage, err, "delete blob %s", hash)
	}
	return nil
}

// Exists reports whether a blob file is present on disk.
func (s *Store) Exists(hash types.BlobHash) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// RawBytes returns a blob's on-disk encrypted record bytes unchanged,
// for a caller (component L) that wraps them in an additional outer
// encryption layer before publishing to the DHT.
func (s *Store) RawBytes(hash types.BlobHash) ([]byte, error) {
	raw, err := ioutil.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, descorderr.New(descorderr.NotFound, "blob %s not found", hash)
		}
		return nil, descorderr.Wrap(descorderr.Storage, err, "read blob %s", hash)
	}
	return raw, nil
}

// WriteRaw atomically writes already-encrypted record bytes recovered
// from the DHT (after its outer layer was removed) into local storage,
// caching a remote blob for subsequent local-first loads.
func (s *Store) WriteRaw(hash types.BlobHash, rawRecord []byte) error {
	return atomicWrite(s.path(hash), rawRecord)
}

func atomicWrite(dst string, data []byte) error {
	tmp, err := ioutil.TempFile(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return descorderr.Wrap(descorderr.Storage, err, "create temp blob file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return descorderr.Wrap(descorderr.Storage, err, "write temp blob file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return descorderr.Wrap(descorderr.Storage, err, "fsync temp blob file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return descorderr.Wrap(descorderr.Storage, err, "close temp blob file")
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return descorderr.Wrap(descorderr.Storage, err, "rename temp blob file into place")
	}
	return nil
}
