package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newManagerFixture(t *testing.T) (*Context, *DagState, *BlockManager) {
	t.Helper()
	context, _ := NewContextForTest(4)
	dagState := NewDagState(context, NewMemStore())
	return context, dagState, NewBlockManager(context, dagState)
}

func TestBlockManagerAcceptsBlocksWithKnownHistory(t *testing.T) {
	context, dagState, manager := newManagerFixture(t)
	genesis := GenesisBlocks(context)

	block := newTestBlock(t, 1, 0, refsOf(genesis))
	accepted, missing, err := manager.TryAcceptBlocks([]*VerifiedBlock{block})
	require.NoError(t, err)
	require.Empty(t, missing)
	require.Len(t, accepted, 1)
	require.True(t, dagState.ContainsBlock(block.Reference()))
	require.Equal(t, 0, manager.SuspendedCount())
}

func TestBlockManagerSuspendsOnMissingAncestorsAndCascades(t *testing.T) {
	context, dagState, manager := newManagerFixture(t)
	genesis := GenesisBlocks(context)

	round1 := buildPartialRound(t, 1, []AuthorityIndex{0, 1, 2, 3}, genesis)
	round2 := buildPartialRound(t, 2, []AuthorityIndex{0, 1, 2, 3}, round1)

	// Feed round 2 first: everything suspends, all of round 1 is missing.
	accepted, missing, err := manager.TryAcceptBlocks(round2)
	require.NoError(t, err)
	require.Empty(t, accepted)
	require.ElementsMatch(t, refsOf(round1), missing)
	require.Equal(t, 4, manager.SuspendedCount())
	require.ElementsMatch(t, refsOf(round1), manager.MissingBlocks())

	// Feeding round 1 accepts it and cascades acceptance to round 2.
	accepted, missing, err = manager.TryAcceptBlocks(round1)
	require.NoError(t, err)
	require.Empty(t, missing)
	require.Len(t, accepted, 8)
	require.Equal(t, 0, manager.SuspendedCount())
	require.Empty(t, manager.MissingBlocks())
	for _, block := range round2 {
		require.True(t, dagState.ContainsBlock(block.Reference()))
	}

	// Accepted blocks come out in causal order: every ancestor before its
	// dependent.
	seen := make(map[BlockRef]struct{})
	for _, genesisBlock := range genesis {
		seen[genesisBlock.Reference()] = struct{}{}
	}
	for _, block := range accepted {
		for _, ancestor := range block.Ancestors() {
			_, ok := seen[ancestor]
			require.True(t, ok, "ancestor %s accepted after dependent %s", ancestor, block.Reference())
		}
		seen[block.Reference()] = struct{}{}
	}
}

func TestBlockManagerReportsMissingOnlyOnce(t *testing.T) {
	context, _, manager := newManagerFixture(t)
	genesis := GenesisBlocks(context)
	round1 := buildPartialRound(t, 1, []AuthorityIndex{0, 1, 2, 3}, genesis)
	round2 := buildPartialRound(t, 2, []AuthorityIndex{0, 1, 2, 3}, round1)
	round3 := buildPartialRound(t, 3, []AuthorityIndex{0, 1, 2, 3}, round2)

	_, missing, err := manager.TryAcceptBlocks(round2[:1])
	require.NoError(t, err)
	require.ElementsMatch(t, refsOf(round1), missing)

	// The same unknown ancestors are not reported as newly missing again.
	_, missing, err = manager.TryAcceptBlocks(round2[1:2])
	require.NoError(t, err)
	require.Empty(t, missing)

	// A dependent of suspended blocks only reports the ancestors that are
	// genuinely unknown: the suspended round 2 blocks are known, just not
	// accepted yet.
	_, missing, err = manager.TryAcceptBlocks([]*VerifiedBlock{round3[0]})
	require.NoError(t, err)
	require.ElementsMatch(t, refsOf(round2[2:]), missing)
	require.Equal(t, 3, manager.SuspendedCount())
}

func TestBlockManagerRejectsStructuralViolations(t *testing.T) {
	context, _, manager := newManagerFixture(t)
	genesis := GenesisBlocks(context)

	// Duplicate author in ancestors.
	refs := refsOf(genesis)
	dupAncestors := []BlockRef{refs[0], refs[0], refs[1], refs[2]}
	block := newTestBlock(t, 1, 0, dupAncestors)
	_, _, err := manager.TryAcceptBlocks([]*VerifiedBlock{block})
	require.Error(t, err)
	require.Equal(t, KindBlockNotAcceptable, KindOf(err))

	// Below parent quorum.
	block = newTestBlock(t, 1, 0, refsOf(genesis[:2]))
	_, _, err = manager.TryAcceptBlocks([]*VerifiedBlock{block})
	require.Error(t, err)
	require.Equal(t, KindBlockNotAcceptable, KindOf(err))

	// Transmitted genesis.
	block = newTestBlock(t, 0, 0, nil)
	_, _, err = manager.TryAcceptBlocks([]*VerifiedBlock{block})
	require.Error(t, err)
	require.Equal(t, KindBlockNotAcceptable, KindOf(err))
}
