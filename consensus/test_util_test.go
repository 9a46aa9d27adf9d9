package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// test_util_test.go holds the shared fixtures: deterministic test blocks,
// round builders and a fully wired core.

// testBlockOptions tweak block construction.
type testBlockOptions struct {
	timestampMs uint64
	commitVotes []CommitVote
}

type testBlockOption func(*testBlockOptions)

func withTimestamp(timestampMs uint64) testBlockOption {
	return func(opts *testBlockOptions) { opts.timestampMs = timestampMs }
}

func withCommitVotes(votes []CommitVote) testBlockOption {
	return func(opts *testBlockOptions) { opts.commitVotes = votes }
}

// newTestBlock builds an unsigned verified block; tests pair it with the
// NoopBlockVerifier or feed it straight into the block manager.
func newTestBlock(t *testing.T, round Round, author AuthorityIndex, ancestors []BlockRef, options ...testBlockOption) *VerifiedBlock {
	t.Helper()
	opts := &testBlockOptions{timestampMs: uint64(round) * 10}
	for _, option := range options {
		option(opts)
	}
	block := Block{
		Epoch:       0,
		Round:       round,
		Author:      author,
		TimestampMs: opts.timestampMs,
		Ancestors:   ancestors,
		CommitVotes: opts.commitVotes,
	}
	signed := &SignedBlock{Block: block, KeyID: uint32(author)}
	serialized, err := SerializeSignedBlock(signed)
	require.NoError(t, err)
	return NewVerifiedBlock(signed, serialized)
}

func refsOf(blocks []*VerifiedBlock) []BlockRef {
	refs := make([]BlockRef, 0, len(blocks))
	for _, block := range blocks {
		refs = append(refs, block.Reference())
	}
	return refs
}

// buildFullRounds builds an all-to-all DAG for rounds [1, lastRound] on top
// of genesis, one block per authority per round. Returns all blocks in
// round order and the blocks of the last round.
func buildFullRounds(t *testing.T, context *Context, lastRound Round) (all []*VerifiedBlock, lastRoundBlocks []*VerifiedBlock) {
	t.Helper()
	parents := GenesisBlocks(context)
	for round := Round(1); round <= lastRound; round++ {
		var thisRound []*VerifiedBlock
		for author := 0; author < context.Committee.Size(); author++ {
			block := newTestBlock(t, round, AuthorityIndex(author), refsOf(parents))
			thisRound = append(thisRound, block)
		}
		all = append(all, thisRound...)
		parents = thisRound
	}
	return all, parents
}

// buildPartialRound builds one round authored only by the given authorities
// on top of the provided parents.
func buildPartialRound(t *testing.T, round Round, authors []AuthorityIndex, parents []*VerifiedBlock) []*VerifiedBlock {
	t.Helper()
	var blocks []*VerifiedBlock
	for _, author := range authors {
		blocks = append(blocks, newTestBlock(t, round, author, refsOf(parents)))
	}
	return blocks
}

// coreFixture wires a complete core for one authority over a MemStore.
type coreFixture struct {
	context        *Context
	core           *Core
	dagState       *DagState
	blockManager   *BlockManager
	leaderSchedule *LeaderSchedule
	signals        *CoreSignals
	receivers      *CoreSignalsReceivers
	consumer       *CommitConsumer
	store          *MemStore
	blockCh        chan *VerifiedBlock
	txClient       *TransactionClient
}

type coreFixtureOptions struct {
	consumerAvailability  bool
	syncLastKnownOwnBlock bool
	numCommitsPerSchedule uint64
	params                *Params
	seedStore             func(store *MemStore)
}

type coreFixtureOption func(*coreFixtureOptions)

func withConsumerAvailability(available bool) coreFixtureOption {
	return func(opts *coreFixtureOptions) { opts.consumerAvailability = available }
}

func withSyncLastKnownOwnBlock() coreFixtureOption {
	return func(opts *coreFixtureOptions) { opts.syncLastKnownOwnBlock = true }
}

func withSeededStore(seed func(store *MemStore)) coreFixtureOption {
	return func(opts *coreFixtureOptions) { opts.seedStore = seed }
}

func withParams(params Params) coreFixtureOption {
	return func(opts *coreFixtureOptions) { opts.params = &params }
}

func newCoreFixture(t *testing.T, committeeSize int, options ...coreFixtureOption) *coreFixture {
	t.Helper()
	opts := &coreFixtureOptions{
		consumerAvailability:  true,
		numCommitsPerSchedule: 10,
	}
	for _, option := range options {
		option(opts)
	}

	context, signers := NewContextForTest(committeeSize)
	if opts.params != nil {
		context.Params = *opts.params
	}
	store := NewMemStore()
	if opts.seedStore != nil {
		opts.seedStore(store)
	}
	dagState := NewDagState(context, store)
	blockManager := NewBlockManager(context, dagState)
	leaderSchedule := NewLeaderSchedule(context, dagState).
		WithNumCommitsPerSchedule(opts.numCommitsPerSchedule)
	txClient, txConsumer := NewTransactionClientAndConsumer()
	signals, receivers := NewCoreSignals(context)
	// The block broadcast needs at least one subscriber before recovery
	// re-broadcasts the last proposed block.
	blockCh, _ := receivers.NewBlockChannel()

	consumer := NewCommitConsumer(1024, 0)
	observer, err := NewCommitObserver(context, consumer, dagState)
	require.NoError(t, err)

	core, err := NewCore(
		context,
		leaderSchedule,
		txConsumer,
		blockManager,
		opts.consumerAvailability,
		observer,
		signals,
		signers[context.OwnIndex],
		dagState,
		opts.syncLastKnownOwnBlock,
	)
	require.NoError(t, err)

	return &coreFixture{
		context:        context,
		core:           core,
		dagState:       dagState,
		blockManager:   blockManager,
		leaderSchedule: leaderSchedule,
		signals:        signals,
		receivers:      receivers,
		consumer:       consumer,
		store:          store,
		blockCh:        blockCh,
		txClient:       txClient,
	}
}

// drainCommits empties the consumer channel and returns the sub-dags
// received so far.
func (fixture *coreFixture) drainCommits() []*CommittedSubDag {
	var subdags []*CommittedSubDag
	for {
		select {
		case subdag := <-fixture.consumer.Receiver():
			subdags = append(subdags, subdag)
		default:
			return subdags
		}
	}
}
