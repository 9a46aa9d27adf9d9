package consensus

import (
	"testing"

	"github.com/carry2web/core/signing"
	"github.com/stretchr/testify/require"
)

func TestSignedBlockRoundTrip(t *testing.T) {
	context, signers := NewContextForTest(4)
	genesis := GenesisBlocks(context)

	block := Block{
		Epoch:        0,
		Round:        1,
		Author:       2,
		TimestampMs:  12345,
		Ancestors:    refsOf(genesis),
		Transactions: [][]byte{[]byte("payload-a"), {}, []byte("payload-b")},
		CommitVotes:  []CommitVote{{Index: 7, Digest: CommitDigest{1, 2, 3}}},
	}
	signed, err := NewSignedBlock(block, signers[2])
	require.NoError(t, err)
	serialized, err := SerializeSignedBlock(signed)
	require.NoError(t, err)
	original := NewVerifiedBlock(signed, serialized)

	parsed, err := DeserializeSignedBlock(serialized)
	require.NoError(t, err)
	reserialized, err := SerializeSignedBlock(parsed)
	require.NoError(t, err)
	require.Equal(t, serialized, reserialized)

	// Identical bytes mean identical digest and reference.
	roundTripped := NewVerifiedBlock(parsed, reserialized)
	require.Equal(t, original.Digest(), roundTripped.Digest())
	require.Equal(t, original.Reference(), roundTripped.Reference())
	require.Equal(t, block.Ancestors, parsed.Block.Ancestors)
	require.Equal(t, block.Transactions, parsed.Block.Transactions)
	require.Equal(t, block.CommitVotes, parsed.Block.CommitVotes)
	require.Equal(t, signed.Signature, parsed.Signature)
	require.Equal(t, signed.KeyID, parsed.KeyID)
}

func TestSignedBlockSignatureVerifies(t *testing.T) {
	context, signers := NewContextForTest(4)
	genesis := GenesisBlocks(context)
	verifier := NewSignedBlockVerifier(context)

	block := Block{
		Epoch:       0,
		Round:       1,
		Author:      1,
		TimestampMs: 99,
		Ancestors:   refsOf(genesis),
	}
	signed, err := NewSignedBlock(block, signers[1])
	require.NoError(t, err)
	serialized, err := SerializeSignedBlock(signed)
	require.NoError(t, err)
	require.NoError(t, verifier.VerifyAndVote(signed, serialized))

	// A signature from the wrong key fails.
	forged, err := NewSignedBlock(block, signers[3])
	require.NoError(t, err)
	forgedSerialized, err := SerializeSignedBlock(forged)
	require.NoError(t, err)
	err = verifier.VerifyAndVote(forged, forgedSerialized)
	require.Error(t, err)
	require.Equal(t, KindInvalidSignature, KindOf(err))
}

func TestDeserializeRejectsMalformedBytes(t *testing.T) {
	_, err := DeserializeSignedBlock([]byte{1, 2, 3})
	require.Error(t, err)
	require.Equal(t, KindMalformedBlock, KindOf(err))

	context, signers := NewContextForTest(4)
	genesis := GenesisBlocks(context)
	signed, err := NewSignedBlock(Block{Round: 1, Author: 0, Ancestors: refsOf(genesis)}, signers[0])
	require.NoError(t, err)
	serialized, err := SerializeSignedBlock(signed)
	require.NoError(t, err)

	// Truncation fails.
	_, err = DeserializeSignedBlock(serialized[:len(serialized)-5])
	require.Error(t, err)
	require.Equal(t, KindMalformedBlock, KindOf(err))

	// Trailing garbage fails.
	_, err = DeserializeSignedBlock(append(append([]byte{}, serialized...), 0x00))
	require.Error(t, err)
	require.Equal(t, KindMalformedBlock, KindOf(err))
}

func TestGenesisBlocksAreDeterministic(t *testing.T) {
	context, _ := NewContextForTest(4)
	first := GenesisBlocks(context)
	second := GenesisBlocks(context)
	require.Len(t, first, 4)
	for ii := range first {
		require.Equal(t, first[ii].Reference(), second[ii].Reference())
		require.Equal(t, Round(0), first[ii].Round())
		require.Equal(t, AuthorityIndex(ii), first[ii].Author())
		require.Empty(t, first[ii].Ancestors())
	}
}

func TestBlockVerifierRejectsStructuralViolations(t *testing.T) {
	context, signers := NewContextForTest(4)
	genesis := GenesisBlocks(context)
	verifier := NewSignedBlockVerifier(context)

	sign := func(block Block, signer *signing.Signer) (*SignedBlock, []byte) {
		signed, err := NewSignedBlock(block, signer)
		require.NoError(t, err)
		serialized, err := SerializeSignedBlock(signed)
		require.NoError(t, err)
		return signed, serialized
	}

	// Duplicate ancestor author.
	dup := refsOf(genesis)
	dup = append(dup, dup[0])
	signed, serialized := sign(Block{Round: 1, Author: 0, Ancestors: dup}, signers[0])
	err := verifier.VerifyAndVote(signed, serialized)
	require.Equal(t, KindInvalidAncestors, KindOf(err))

	// Parents below quorum.
	signed, serialized = sign(Block{Round: 1, Author: 0, Ancestors: refsOf(genesis[:2])}, signers[0])
	err = verifier.VerifyAndVote(signed, serialized)
	require.Equal(t, KindInvalidAncestors, KindOf(err))

	// Wrong epoch.
	signed, serialized = sign(Block{Epoch: 9, Round: 1, Author: 0, Ancestors: refsOf(genesis)}, signers[0])
	err = verifier.VerifyAndVote(signed, serialized)
	require.Equal(t, KindInvalidEpoch, KindOf(err))

	// Author outside the committee.
	signed, serialized = sign(Block{Round: 1, Author: 17, Ancestors: refsOf(genesis)}, signers[0])
	err = verifier.VerifyAndVote(signed, serialized)
	require.Equal(t, KindInvalidAuthority, KindOf(err))
}
