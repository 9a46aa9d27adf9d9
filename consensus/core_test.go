package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Recovery with a full round persisted: the clock lands one past the last
// full round, a proposal links the whole previous round, and the first two
// leaders commit.
func TestCoreRecoverFromStoreForFullRound(t *testing.T) {
	var seeded []*VerifiedBlock
	fixture := newCoreFixture(t, 4, withSeededStore(func(store *MemStore) {
		context, _ := NewContextForTest(4)
		all, _ := buildFullRounds(t, context, 4)
		seeded = all
		require.NoError(t, store.Write(&WriteBatch{Blocks: all}))
	}))

	// Threshold clock advanced past the recovered quorum and a round 5
	// block was proposed during recovery.
	proposed := fixture.core.LastProposedBlock()
	require.Equal(t, Round(5), proposed.Round())
	require.Len(t, proposed.Ancestors(), 4)
	lastRound := seeded[len(seeded)-4:]
	require.ElementsMatch(t, refsOf(lastRound), proposed.Ancestors())

	// Leaders of rounds 1 and 2 committed.
	require.Equal(t, CommitIndex(2), fixture.dagState.LastCommitIndex())
	subdags := fixture.drainCommits()
	require.Len(t, subdags, 2)
	require.Equal(t, Round(1), subdags[0].Leader.Round())
	require.Equal(t, Round(2), subdags[1].Leader.Round())

	// The proposal was broadcast and durable before exposure.
	broadcast := <-fixture.blockCh
	require.Equal(t, proposed.Reference(), broadcast.Reference())
	stored, err := fixture.store.ReadBlocks([]BlockRef{proposed.Reference()})
	require.NoError(t, err)
	require.NotNil(t, stored[0])
}

// Recovery when the highest round is below quorum: the clock stays at the
// partial round and the proposal links the last full round.
func TestCoreRecoverFromStoreForPartialRound(t *testing.T) {
	fixture := newCoreFixture(t, 4, withSeededStore(func(store *MemStore) {
		context, _ := NewContextForTest(4)
		all, round3 := buildFullRounds(t, context, 3)
		partial := buildPartialRound(t, 4, []AuthorityIndex{2, 3}, round3)
		require.NoError(t, store.Write(&WriteBatch{Blocks: append(all, partial...)}))
	}))

	proposed := fixture.core.LastProposedBlock()
	require.Equal(t, Round(4), proposed.Round())
	// Ancestors are the four round 3 blocks: authorities 2 and 3 produced
	// round 4 blocks, but those are not below the proposal round bound.
	require.Len(t, proposed.Ancestors(), 4)
	for _, ancestor := range proposed.Ancestors() {
		require.Equal(t, Round(3), ancestor.Round)
	}

	// The proposal completes the certificates for the round 2 leader.
	require.Equal(t, CommitIndex(2), fixture.dagState.LastCommitIndex())
}

// First proposals from genesis: once round 1 blocks reach quorum, a round 2
// proposal follows that links the newly accepted blocks.
func TestCoreProposeAfterGenesis(t *testing.T) {
	fixture := newCoreFixture(t, 4)

	// Recovery proposed our round 1 block over the four genesis blocks.
	proposed := fixture.core.LastProposedBlock()
	require.Equal(t, Round(1), proposed.Round())
	require.Len(t, proposed.Ancestors(), 4)

	genesis := GenesisBlocks(fixture.context)
	blockFrom1 := newTestBlock(t, 1, 1, refsOf(genesis))

	// A single foreign block is below quorum: no new proposal.
	missing, err := fixture.core.AddBlocks([]*VerifiedBlock{blockFrom1})
	require.NoError(t, err)
	require.Empty(t, missing)
	require.Equal(t, Round(1), fixture.core.LastProposedBlock().Round())

	// The second foreign block closes the round 1 quorum and triggers the
	// round 2 proposal.
	blockFrom2 := newTestBlock(t, 1, 2, refsOf(genesis))
	missing, err = fixture.core.AddBlocks([]*VerifiedBlock{blockFrom2})
	require.NoError(t, err)
	require.Empty(t, missing)

	reproposed := fixture.core.LastProposedBlock()
	require.Equal(t, Round(2), reproposed.Round())
	ancestorSet := make(map[BlockRef]struct{})
	for _, ancestor := range reproposed.Ancestors() {
		ancestorSet[ancestor] = struct{}{}
	}
	_, hasOwn := ancestorSet[proposed.Reference()]
	require.True(t, hasOwn)
	_, has1 := ancestorSet[blockFrom1.Reference()]
	require.True(t, has1)
	_, has2 := ancestorSet[blockFrom2.Reference()]
	require.True(t, has2)
}

// Leader timeout: with the round 3 leader silent, the ungated proposal path
// stays quiet and the forced path produces the round 4 block; commit index
// reaches 1.
func TestCoreLeaderTimeoutForcesProposal(t *testing.T) {
	fixture := newCoreFixture(t, 4,
		withSyncLastKnownOwnBlock(),
		withSeededStore(func(store *MemStore) {
			context, _ := NewContextForTest(4)
			parents := GenesisBlocks(context)
			for round := Round(1); round <= 3; round++ {
				parents = buildPartialRound(t, round, []AuthorityIndex{0, 1, 2}, parents)
				require.NoError(t, store.Write(&WriteBatch{Blocks: parents}))
			}
		}))

	// Own-block recovery still pending: no proposal happened.
	require.Equal(t, Round(3), fixture.core.LastProposedBlock().Round())
	fixture.core.SetLastKnownProposedRound(3)

	// The leader of round 3 is authority 3, which is silent: the normal
	// path refuses to propose for round 4.
	block, err := fixture.core.tryPropose(false)
	require.NoError(t, err)
	require.Nil(t, block)

	// The leader timeout path forces the proposal.
	block, err = fixture.core.NewBlock(4, true)
	require.NoError(t, err)
	require.NotNil(t, block)
	require.Equal(t, Round(4), block.Round())

	// Only the round 1 leader has certificates so far.
	require.Equal(t, CommitIndex(1), fixture.dagState.LastCommitIndex())
}

// try_propose respects min_round_delay between own proposals.
func TestCoreMinRoundDelayGatesProposals(t *testing.T) {
	params := DefaultParams()
	params.MinRoundDelay = 250 * time.Millisecond
	fixture := newCoreFixture(t, 4, withParams(params))

	// Recovery proposed round 1 (forced, delay does not apply).
	require.Equal(t, Round(1), fixture.core.LastProposedBlock().Round())

	genesis := GenesisBlocks(fixture.context)
	round1 := []*VerifiedBlock{
		newTestBlock(t, 1, 1, refsOf(genesis), withTimestamp(fixture.context.Clock.NowMs())),
		newTestBlock(t, 1, 2, refsOf(genesis), withTimestamp(fixture.context.Clock.NowMs())),
	}
	_, err := fixture.core.AddBlocks(round1)
	require.NoError(t, err)

	// Quorum formed but the delay floor holds the proposal back.
	require.Equal(t, Round(1), fixture.core.LastProposedBlock().Round())
	block, err := fixture.core.tryPropose(false)
	require.NoError(t, err)
	require.Nil(t, block)

	// Once the wall clock passes the floor, the proposal goes out.
	fixture.context.Clock.(*TestClock).Advance(300 * time.Millisecond)
	block, err = fixture.core.tryPropose(false)
	require.NoError(t, err)
	require.NotNil(t, block)
	require.Equal(t, Round(2), block.Round())
}

// try_commit with no new blocks in between is idempotent.
func TestCoreTryCommitIdempotent(t *testing.T) {
	fixture := newCoreFixture(t, 4, withSeededStore(func(store *MemStore) {
		context, _ := NewContextForTest(4)
		all, _ := buildFullRounds(t, context, 4)
		require.NoError(t, store.Write(&WriteBatch{Blocks: all}))
	}))
	require.Equal(t, CommitIndex(2), fixture.dagState.LastCommitIndex())

	subdags, err := fixture.core.tryCommit()
	require.NoError(t, err)
	require.Empty(t, subdags)
	require.Equal(t, CommitIndex(2), fixture.dagState.LastCommitIndex())
}

// Proposals refuse to run without a downstream consumer.
func TestCoreDoesNotProposeWithoutConsumer(t *testing.T) {
	fixture := newCoreFixture(t, 4, withConsumerAvailability(false))
	require.Equal(t, Round(0), fixture.core.LastProposedBlock().Round())

	block, err := fixture.core.tryPropose(true)
	require.NoError(t, err)
	require.Nil(t, block)

	// Attaching the consumer unblocks proposing.
	fixture.core.SetConsumerAvailability(true)
	block, err = fixture.core.tryPropose(true)
	require.NoError(t, err)
	require.NotNil(t, block)
	require.Equal(t, Round(1), block.Round())
}

// Commit votes taken into a proposal drain the pending queue and reach the
// vote monitor of receiving nodes.
func TestCoreProposalCarriesCommitVotes(t *testing.T) {
	fixture := newCoreFixture(t, 4, withSeededStore(func(store *MemStore) {
		context, _ := NewContextForTest(4)
		all, _ := buildFullRounds(t, context, 4)
		require.NoError(t, store.Write(&WriteBatch{Blocks: all}))
	}))

	// Two commits happened during recovery; the round 5 proposal carries
	// both votes.
	proposed := fixture.core.LastProposedBlock()
	require.Equal(t, Round(5), proposed.Round())
	votes := proposed.CommitVotes()
	require.Len(t, votes, 2)
	require.Equal(t, CommitIndex(1), votes[0].Index)
	require.Equal(t, CommitIndex(2), votes[1].Index)

	monitor := NewCommitVoteMonitor(fixture.context)
	monitor.ObserveBlock(proposed)
	// A single authority is below validity; no quorum index yet.
	require.Equal(t, CommitIndex(0), monitor.QuorumCommitIndex())
}

// The 63-round sweep: every leader with a complete decision wave commits,
// and the leader schedule recomputes at every 10-commit boundary.
func TestCoreLeaderScheduleBoundaries(t *testing.T) {
	fixture := newCoreFixture(t, 4, withConsumerAvailability(false))

	parents := GenesisBlocks(fixture.context)
	for round := Round(1); round <= 63; round++ {
		var thisRound []*VerifiedBlock
		for author := 0; author < 4; author++ {
			thisRound = append(thisRound,
				newTestBlock(t, round, AuthorityIndex(author), refsOf(parents)))
		}
		_, err := fixture.core.AddBlocks(thisRound)
		require.NoError(t, err)
		parents = thisRound
	}

	// Leaders of rounds 1..61 all commit: their decision rounds exist and
	// the DAG is fully linked.
	require.Equal(t, CommitIndex(61), fixture.dagState.LastCommitIndex())

	// The last full scoring window was commits 51..60. Each authority's
	// non-leader blocks of rounds 52..59 (6 each) vote for a window leader,
	// and so does every leader block of rounds 52..60; authority 0 leads
	// rounds 52, 56 and 60, the others two of those rounds each.
	scores := fixture.leaderSchedule.ReputationScores()
	require.Equal(t, CommitRange{Start: 51, End: 60}, scores.CommitRange)
	require.Equal(t, []uint64{9, 8, 8, 8}, scores.Scores)
	for _, score := range scores.Scores {
		require.True(t, score > 0)
	}

	// One commit remains unscored past the boundary.
	require.Equal(t, uint64(1), fixture.dagState.UnscoredCommittedSubdagsCount())
}
