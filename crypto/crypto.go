// Symmetric helpers shared by the ratchet store and the heya frame codec.
package crypto

import (
	crypto_rand "crypto/rand"
	"fmt"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// Message keys are single use, so a fixed nonce is safe for them.
var zeroNonce = make([]byte, chacha20poly1305.NonceSize)

func SliceToKey(b []byte) nacl.Key {
	var k [32]byte
	copy(k[:], b)
	return &k
}

// GenerateKeyPair returns a curve25519 public and private key.
func GenerateKeyPair() (public, private []byte, err error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub[:], priv[:], nil
}

func SharedKey(pub, priv []byte) []byte {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return key[:]
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	return EncryptWithKey(SharedKey(pub, priv), msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	return DecryptWithKey(SharedKey(pub, priv), enc, ad)
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", chacha20poly1305.KeySize, len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", chacha20poly1305.KeySize, len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce, enc, ad)
}

// DeriveKey derives a 32 byte key bound to context from material.
func DeriveKey(context string, material []byte) [32]byte {
	var out [32]byte
	blake3.DeriveKey(context, material, out[:])
	return out
}
