package dht

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/descord/core/descorderr"
)

// nonceSize is the AES-GCM nonce width used for every DHT record, same
// as the blob store's (component J).
const nonceSize = 12

// seal encrypts plaintext under key with a fresh random nonce, returning
// (nonce, ciphertext).
func seal(key [32]byte, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, descorderr.Wrap(descorderr.Crypto, err, "build AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, descorderr.Wrap(descorderr.Crypto, err, "build AES-GCM")
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, descorderr.Wrap(descorderr.Crypto, err, "generate DHT record nonce")
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// open decrypts a sealed DHT record.
func open(key [32]byte, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, descorderr.Wrap(descorderr.Crypto, err, "build AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, descorderr.Wrap(descorderr.Crypto, err, "build AES-GCM")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, descorderr.Wrap(descorderr.Crypto, err, "corrupted DHT record: GCM tag mismatch")
	}
	return plaintext, nil
}
