package consensus

import (
	"github.com/carry2web/core/signing"
	"github.com/decred/dcrd/lru"
	"golang.org/x/crypto/sha3"
)

// BlockVerifier is the stateless verification contract for blocks received
// from the network: signature, membership and well-formedness. Accepting a
// block is the verifier's vote for it; failures carry a taxonomized kind
// used as the reject metric label.
type BlockVerifier interface {
	VerifyAndVote(signed *SignedBlock, serialized []byte) error
}

// verifierCacheSize bounds the digests remembered as already verified.
const verifierCacheSize = 10000

// SignedBlockVerifier is the production verifier. Verification is CPU-bound
// (a signature check plus structural walks), so callers offload it from the
// core dispatcher; a small cache skips re-verification of blocks served
// multiple times by different peers.
type SignedBlockVerifier struct {
	context *Context
	// verified caches digests of blocks that already passed verification.
	// Only successes are cached: failures are cheap to rediscover and
	// should keep incrementing the reject metrics.
	verified lru.Cache
}

func NewSignedBlockVerifier(context *Context) *SignedBlockVerifier {
	return &SignedBlockVerifier{
		context:  context,
		verified: lru.NewCache(verifierCacheSize),
	}
}

func (verifier *SignedBlockVerifier) VerifyAndVote(signed *SignedBlock, serialized []byte) error {
	digest := BlockDigest(sha3.Sum256(serialized))
	if verifier.verified.Contains(digest) {
		return nil
	}

	committee := verifier.context.Committee
	block := &signed.Block
	if block.Epoch != committee.Epoch() {
		return newInvalidBlockError(KindInvalidEpoch,
			"block epoch %d, committee epoch %d", block.Epoch, committee.Epoch())
	}
	if !committee.IsValidIndex(block.Author) {
		return newInvalidBlockError(KindInvalidAuthority,
			"author %d out of range for committee of %d", block.Author, committee.Size())
	}
	if signed.KeyID != uint32(block.Author) {
		return newInvalidBlockError(KindInvalidAuthority,
			"key id %d does not match author %d", signed.KeyID, block.Author)
	}
	if block.Round == GenesisRound {
		return newInvalidBlockError(KindInvalidAncestors, "genesis blocks are never transmitted")
	}
	if len(block.Ancestors) > committee.Size() {
		return newInvalidBlockError(KindInvalidAncestors,
			"%d ancestors exceed committee size %d", len(block.Ancestors), committee.Size())
	}

	seenAuthors := make(map[AuthorityIndex]struct{})
	parentQuorum := NewStakeAggregator(QuorumThreshold)
	ownAncestor := false
	for _, ancestor := range block.Ancestors {
		if !committee.IsValidIndex(ancestor.Author) {
			return newInvalidBlockError(KindInvalidAncestors,
				"ancestor author %d out of range", ancestor.Author)
		}
		if _, dup := seenAuthors[ancestor.Author]; dup {
			return newInvalidBlockError(KindInvalidAncestors,
				"duplicate ancestor author %d", ancestor.Author)
		}
		seenAuthors[ancestor.Author] = struct{}{}
		if ancestor.Round >= block.Round {
			return newInvalidBlockError(KindInvalidAncestors,
				"ancestor round %d not below block round %d", ancestor.Round, block.Round)
		}
		if ancestor.Round == block.Round-1 {
			parentQuorum.Add(ancestor.Author, committee)
		}
		if ancestor.Author == block.Author {
			ownAncestor = true
		}
	}
	if !parentQuorum.ReachedThreshold(committee) {
		return newInvalidBlockError(KindInvalidAncestors,
			"parents at round %d hold %d stake, below quorum", block.Round-1, parentQuorum.Stake())
	}
	if !ownAncestor {
		return newInvalidBlockError(KindInvalidAncestors,
			"block of round %d does not link the author's previous block", block.Round)
	}

	content, err := signed.SignedContent()
	if err != nil {
		return newMalformedBlockError(err)
	}
	publicKey := committee.Authority(block.Author).PublicKey
	if !signing.VerifyBlockSignature(publicKey, block.Epoch, content, signed.Signature[:]) {
		return newInvalidBlockError(KindInvalidSignature,
			"signature of block by authority %d does not verify", block.Author)
	}

	verifier.verified.Add(digest)
	return nil
}

// NoopBlockVerifier accepts everything; used by tests that build blocks
// without signing them.
type NoopBlockVerifier struct{}

func (verifier *NoopBlockVerifier) VerifyAndVote(signed *SignedBlock, serialized []byte) error {
	return nil
}
