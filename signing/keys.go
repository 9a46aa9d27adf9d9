package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand"

	"github.com/pkg/errors"
)

// SignatureSize is the size in bytes of a block signature.
const SignatureSize = ed25519.SignatureSize

// PublicKeySize is the size in bytes of a serialized public key.
const PublicKeySize = ed25519.PublicKeySize

// PublicKey wraps an ed25519 public key used to verify consensus messages.
type PublicKey struct {
	key ed25519.PublicKey
}

// PrivateKey wraps an ed25519 private key. It is deliberately opaque so that
// signing can only happen through a Signer, which enforces domain separation.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// GenerateKeyPair produces a fresh key pair from the system entropy source.
func GenerateKeyPair() (*PublicKey, *PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "GenerateKeyPair: ")
	}
	return &PublicKey{key: pub}, &PrivateKey{key: priv}, nil
}

// DeterministicKeyPair derives a key pair from the provided seed. Used by
// tests and local committees where all keys must be reproducible.
func DeterministicKeyPair(seed int64) (*PublicKey, *PrivateKey) {
	rng := mathrand.New(mathrand.NewSource(seed))
	seedBytes := make([]byte, ed25519.SeedSize)
	_, _ = rng.Read(seedBytes)
	priv := ed25519.NewKeyFromSeed(seedBytes)
	pub := priv.Public().(ed25519.PublicKey)
	return &PublicKey{key: pub}, &PrivateKey{key: priv}
}

// PublicKeyFromBytes parses a serialized public key.
func PublicKeyFromBytes(keyBytes []byte) (*PublicKey, error) {
	if len(keyBytes) != PublicKeySize {
		return nil, errors.Errorf(
			"PublicKeyFromBytes: invalid key length %d, expected %d", len(keyBytes), PublicKeySize)
	}
	key := make(ed25519.PublicKey, PublicKeySize)
	copy(key, keyBytes)
	return &PublicKey{key: key}, nil
}

// ToBytes returns the serialized form of the public key.
func (pk *PublicKey) ToBytes() []byte {
	keyBytes := make([]byte, PublicKeySize)
	copy(keyBytes, pk.key)
	return keyBytes
}

// Verify checks the signature over the given payload.
func (pk *PublicKey) Verify(payload []byte, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pk.key, payload, sig)
}

func (pk *PublicKey) String() string {
	return hex.EncodeToString(pk.key[:8])
}

// PublicKey returns the public key corresponding to the private key.
func (priv *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{key: priv.key.Public().(ed25519.PublicKey)}
}

func (priv *PrivateKey) sign(payload []byte) []byte {
	return ed25519.Sign(priv.key, payload)
}
