package consensus

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/carry2web/core/signing"
	"golang.org/x/crypto/sha3"
)

// Round is the logical time step a block is produced for.
type Round uint32

// GenesisRound is the round of the synthetic per-authority genesis blocks.
const GenesisRound Round = 0

// MaxRound is used as an open upper bound for round-limited queries.
const MaxRound Round = ^Round(0)

// CommitIndex numbers committed sub-dags, starting at 1.
type CommitIndex uint64

// DigestSize is the size in bytes of block and commit digests.
const DigestSize = 32

// BlockDigest is the collision-resistant hash of a signed block.
type BlockDigest [DigestSize]byte

func (digest BlockDigest) String() string {
	return hex.EncodeToString(digest[:4])
}

// CommitDigest is the hash of a serialized commit record.
type CommitDigest [DigestSize]byte

func (digest CommitDigest) String() string {
	return hex.EncodeToString(digest[:4])
}

// BlockRef uniquely identifies a block by round, author and digest. It is a
// value type on purpose: components reference blocks by value, never by
// pointer, which keeps the DAG acyclic in memory.
type BlockRef struct {
	Round  Round
	Author AuthorityIndex
	Digest BlockDigest
}

func (ref BlockRef) String() string {
	return fmt.Sprintf("B%d(%d,%s)", ref.Round, ref.Author, ref.Digest)
}

// Less orders refs by (round, author, digest), the canonical ordering used
// for linearization and deterministic iteration.
func (ref BlockRef) Less(other BlockRef) bool {
	if ref.Round != other.Round {
		return ref.Round < other.Round
	}
	if ref.Author != other.Author {
		return ref.Author < other.Author
	}
	return bytes.Compare(ref.Digest[:], other.Digest[:]) < 0
}

// Slot identifies the position a block occupies: a (round, authority) pair.
type Slot struct {
	Round  Round
	Author AuthorityIndex
}

func NewSlot(round Round, author AuthorityIndex) Slot {
	return Slot{Round: round, Author: author}
}

func (slot Slot) String() string {
	return fmt.Sprintf("S%d(%d)", slot.Round, slot.Author)
}

// SlotFromRef drops the digest from a block reference.
func SlotFromRef(ref BlockRef) Slot {
	return Slot{Round: ref.Round, Author: ref.Author}
}

// CommitVote is a (commit index, commit digest) pair embedded in a block,
// asserting the author's local view of committed history.
type CommitVote struct {
	Index  CommitIndex
	Digest CommitDigest
}

// Block is the unsigned content of a consensus block. Immutable once signed.
type Block struct {
	Epoch        uint64
	Round        Round
	Author       AuthorityIndex
	TimestampMs  uint64
	Ancestors    []BlockRef
	Transactions [][]byte
	CommitVotes  []CommitVote
}

// SignedBlock wraps block content with the author's signature and the
// identifier of the signing key.
type SignedBlock struct {
	Block     Block
	Signature [signing.SignatureSize]byte
	KeyID     uint32
}

// NewSignedBlock signs the block content with the provided signer.
func NewSignedBlock(block Block, signer *signing.Signer) (*SignedBlock, error) {
	content, err := serializeBlockContent(&block)
	if err != nil {
		return nil, err
	}
	signed := &SignedBlock{
		Block: block,
		KeyID: uint32(block.Author),
	}
	copy(signed.Signature[:], signer.SignBlock(block.Epoch, content))
	return signed, nil
}

// VerifiedBlock is a signed block whose signature and structure have been
// checked, together with its canonical serialization and digest. It is the
// unit shared across components; treat it as immutable.
type VerifiedBlock struct {
	signed     *SignedBlock
	serialized []byte
	digest     BlockDigest
	ref        BlockRef
}

// NewVerifiedBlock wraps an already verified signed block. Verification is
// the caller's responsibility; own blocks and genesis skip it by design.
func NewVerifiedBlock(signed *SignedBlock, serialized []byte) *VerifiedBlock {
	digest := BlockDigest(sha3.Sum256(serialized))
	return &VerifiedBlock{
		signed:     signed,
		serialized: serialized,
		digest:     digest,
		ref: BlockRef{
			Round:  signed.Block.Round,
			Author: signed.Block.Author,
			Digest: digest,
		},
	}
}

func (vb *VerifiedBlock) Reference() BlockRef {
	return vb.ref
}

func (vb *VerifiedBlock) Slot() Slot {
	return SlotFromRef(vb.ref)
}

func (vb *VerifiedBlock) Digest() BlockDigest {
	return vb.digest
}

func (vb *VerifiedBlock) Epoch() uint64 {
	return vb.signed.Block.Epoch
}

func (vb *VerifiedBlock) Round() Round {
	return vb.signed.Block.Round
}

func (vb *VerifiedBlock) Author() AuthorityIndex {
	return vb.signed.Block.Author
}

func (vb *VerifiedBlock) TimestampMs() uint64 {
	return vb.signed.Block.TimestampMs
}

// Ancestors returns the ancestor references. Callers must not mutate the
// returned slice.
func (vb *VerifiedBlock) Ancestors() []BlockRef {
	return vb.signed.Block.Ancestors
}

func (vb *VerifiedBlock) Transactions() [][]byte {
	return vb.signed.Block.Transactions
}

func (vb *VerifiedBlock) CommitVotes() []CommitVote {
	return vb.signed.Block.CommitVotes
}

// Serialized returns the canonical wire bytes of the signed block. Callers
// must not mutate the returned slice.
func (vb *VerifiedBlock) Serialized() []byte {
	return vb.serialized
}

func (vb *VerifiedBlock) String() string {
	return vb.ref.String()
}

// GenesisBlocks returns the synthetic round-0 block of every authority, in
// authority order. Genesis blocks are unsigned, carry no ancestors, have
// timestamp 0 and deterministic digests: every correct node derives the
// exact same set.
func GenesisBlocks(context *Context) []*VerifiedBlock {
	blocks := make([]*VerifiedBlock, 0, context.Committee.Size())
	for ii := 0; ii < context.Committee.Size(); ii++ {
		block := Block{
			Epoch:  context.Committee.Epoch(),
			Round:  GenesisRound,
			Author: AuthorityIndex(ii),
		}
		signed := &SignedBlock{Block: block, KeyID: uint32(ii)}
		serialized, err := SerializeSignedBlock(signed)
		if err != nil {
			panic(fmt.Sprintf("GenesisBlocks: serialization of genesis cannot fail: %v", err))
		}
		blocks = append(blocks, NewVerifiedBlock(signed, serialized))
	}
	return blocks
}

// SortBlockRefs sorts refs in the canonical (round, author, digest) order.
func SortBlockRefs(refs []BlockRef) {
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Less(refs[j])
	})
}
