package signing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyBlock(t *testing.T) {
	publicKey, privateKey := DeterministicKeyPair(42)
	signer, err := NewSigner(privateKey)
	require.NoError(t, err)
	require.Equal(t, publicKey.ToBytes(), signer.PublicKey().ToBytes())

	content := []byte("serialized block content")
	sig := signer.SignBlock(3, content)
	require.Len(t, sig, SignatureSize)
	require.True(t, VerifyBlockSignature(publicKey, 3, content, sig))

	// Epoch is part of the signed payload: a cross-epoch replay fails.
	require.False(t, VerifyBlockSignature(publicKey, 4, content, sig))
	// Tampered content fails.
	require.False(t, VerifyBlockSignature(publicKey, 3, append(content, 'x'), sig))
	// A different key fails.
	otherPublic, _ := DeterministicKeyPair(43)
	require.False(t, VerifyBlockSignature(otherPublic, 3, content, sig))
}

func TestDeterministicKeyPairIsStable(t *testing.T) {
	publicA, _ := DeterministicKeyPair(7)
	publicB, _ := DeterministicKeyPair(7)
	require.Equal(t, publicA.ToBytes(), publicB.ToBytes())

	publicC, _ := DeterministicKeyPair(8)
	require.NotEqual(t, publicA.ToBytes(), publicC.ToBytes())
}

func TestPublicKeyFromBytes(t *testing.T) {
	publicKey, _ := DeterministicKeyPair(1)
	parsed, err := PublicKeyFromBytes(publicKey.ToBytes())
	require.NoError(t, err)
	require.Equal(t, publicKey.ToBytes(), parsed.ToBytes())

	_, err = PublicKeyFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}
