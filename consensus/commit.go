package consensus

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/sha3"
)

// commit.go holds the commit records and the linearizer that turns a
// committed leader into an ordered sub-dag.

// Commit is the persisted record of one committed leader: the linearized
// block references of its sub-dag plus a digest chain link to the previous
// commit, making committed history tamper-evident.
type Commit struct {
	// Index is the position in the commit sequence, starting at 1.
	Index CommitIndex
	// PreviousDigest chains this commit to its predecessor; zero for the
	// first commit.
	PreviousDigest CommitDigest
	// Leader is the committed leader block.
	Leader BlockRef
	// Blocks lists the sub-dag in linearized order, leader included.
	Blocks []BlockRef
	// TimestampMs is the leader timestamp, advanced monotonically over the
	// previous commit if necessary.
	TimestampMs uint64
}

// TrustedCommit pairs a commit with its canonical serialization and digest.
// Locally produced and locally loaded commits are trusted by construction.
type TrustedCommit struct {
	commit     *Commit
	serialized []byte
	digest     CommitDigest
}

func NewTrustedCommit(commit *Commit) *TrustedCommit {
	serialized := serializeCommit(commit)
	return &TrustedCommit{
		commit:     commit,
		serialized: serialized,
		digest:     CommitDigest(sha3.Sum256(serialized)),
	}
}

func (tc *TrustedCommit) Commit() *Commit {
	return tc.commit
}

func (tc *TrustedCommit) Index() CommitIndex {
	return tc.commit.Index
}

func (tc *TrustedCommit) Digest() CommitDigest {
	return tc.digest
}

func (tc *TrustedCommit) Leader() BlockRef {
	return tc.commit.Leader
}

func (tc *TrustedCommit) Serialized() []byte {
	return tc.serialized
}

func serializeCommit(commit *Commit) []byte {
	buf := new(bytes.Buffer)
	writeUint64(buf, uint64(commit.Index))
	buf.Write(commit.PreviousDigest[:])
	writeBlockRef(buf, commit.Leader)
	writeUint64(buf, commit.TimestampMs)
	writeUint32(buf, uint32(len(commit.Blocks)))
	for _, ref := range commit.Blocks {
		writeBlockRef(buf, ref)
	}
	return buf.Bytes()
}

// DeserializeCommit parses the canonical commit bytes written by
// serializeCommit. Used when loading commits back from the store.
func DeserializeCommit(serialized []byte) (*TrustedCommit, error) {
	reader := bytes.NewReader(serialized)
	commit := &Commit{}
	index, err := readUint64(reader)
	if err != nil {
		return nil, err
	}
	commit.Index = CommitIndex(index)
	if _, err := io.ReadFull(reader, commit.PreviousDigest[:]); err != nil {
		return nil, err
	}
	if commit.Leader, err = readBlockRef(reader); err != nil {
		return nil, err
	}
	if commit.TimestampMs, err = readUint64(reader); err != nil {
		return nil, err
	}
	count, err := readUint32(reader)
	if err != nil {
		return nil, err
	}
	commit.Blocks = make([]BlockRef, count)
	for ii := range commit.Blocks {
		if commit.Blocks[ii], err = readBlockRef(reader); err != nil {
			return nil, err
		}
	}
	return &TrustedCommit{
		commit:     commit,
		serialized: serialized,
		digest:     CommitDigest(sha3.Sum256(serialized)),
	}, nil
}

func writeBlockRef(buf *bytes.Buffer, ref BlockRef) {
	writeUint32(buf, uint32(ref.Round))
	writeUint32(buf, uint32(ref.Author))
	buf.Write(ref.Digest[:])
}

func readBlockRef(reader *bytes.Reader) (BlockRef, error) {
	var ref BlockRef
	round, err := readUint32(reader)
	if err != nil {
		return ref, err
	}
	author, err := readUint32(reader)
	if err != nil {
		return ref, err
	}
	ref.Round = Round(round)
	ref.Author = AuthorityIndex(author)
	if _, err := io.ReadFull(reader, ref.Digest[:]); err != nil {
		return ref, err
	}
	return ref, nil
}

// CommitRange is an inclusive range of commit indices.
type CommitRange struct {
	Start CommitIndex
	End   CommitIndex
}

func (cr CommitRange) String() string {
	return fmt.Sprintf("[%d..%d]", cr.Start, cr.End)
}

// CommittedSubDag is the in-memory form of a commit handed downstream: the
// full blocks of the linearized sub-dag.
type CommittedSubDag struct {
	// Leader is the committed leader block.
	Leader *VerifiedBlock
	// Blocks is the linearized sub-dag, leader included, in deterministic
	// (round, author, digest) order.
	Blocks []*VerifiedBlock
	// TimestampMs is the commit timestamp.
	TimestampMs uint64
	// CommitIndex is the position of this sub-dag in the commit sequence.
	CommitIndex CommitIndex
	// CommitDigest is the digest of the persisted commit record.
	CommitDigest CommitDigest
}

func (subdag *CommittedSubDag) String() string {
	return fmt.Sprintf("CommittedSubDag(idx=%d, leader=%s, blocks=%d)",
		subdag.CommitIndex, subdag.Leader.Reference(), len(subdag.Blocks))
}

// linearizeSubDag collects the leader's causal history that is not already
// committed, i.e. blocks whose round is above the committed watermark of
// their author and that were not taken by an earlier leader of the same
// batch. The result is sorted by (round, author, digest) ascending, a
// deterministic order every correct node reproduces.
//
// lastCommittedRounds is mutated to reflect the new sub-dag.
func linearizeSubDag(
	leader *VerifiedBlock,
	lastCommittedRounds []Round,
	getBlock func(BlockRef) *VerifiedBlock,
) []*VerifiedBlock {
	visited := map[BlockRef]struct{}{leader.Reference(): {}}
	toCommit := []*VerifiedBlock{}
	stack := []*VerifiedBlock{leader}

	for len(stack) > 0 {
		block := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		toCommit = append(toCommit, block)

		// Visit ancestors in canonical order to keep traversal stable.
		ancestors := append([]BlockRef{}, block.Ancestors()...)
		SortBlockRefs(ancestors)
		for _, ancestor := range ancestors {
			if _, ok := visited[ancestor]; ok {
				continue
			}
			visited[ancestor] = struct{}{}
			if ancestor.Round == GenesisRound {
				continue
			}
			if ancestor.Round <= lastCommittedRounds[ancestor.Author] {
				continue
			}
			ancestorBlock := getBlock(ancestor)
			if ancestorBlock == nil {
				panic(fmt.Sprintf(
					"linearizeSubDag: ancestor %s of committed leader %s not found, dag state is corrupt",
					ancestor, leader.Reference()))
			}
			stack = append(stack, ancestorBlock)
		}
	}

	sort.Slice(toCommit, func(i, j int) bool {
		return toCommit[i].Reference().Less(toCommit[j].Reference())
	})
	for _, block := range toCommit {
		if block.Round() > lastCommittedRounds[block.Author()] {
			lastCommittedRounds[block.Author()] = block.Round()
		}
	}
	return toCommit
}
