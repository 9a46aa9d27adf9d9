package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// mockCoreThreadDispatcher records the calls the synchronizer makes into
// the core.
type mockCoreThreadDispatcher struct {
	mtx                    sync.Mutex
	addedBlocks            []*VerifiedBlock
	missingBlocks          []BlockRef
	lastKnownProposedRound *Round
}

func (mock *mockCoreThreadDispatcher) AddBlocks(blocks []*VerifiedBlock) ([]BlockRef, error) {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	mock.addedBlocks = append(mock.addedBlocks, blocks...)
	return nil, nil
}

func (mock *mockCoreThreadDispatcher) NewBlock(round Round, force bool) error { return nil }

func (mock *mockCoreThreadDispatcher) GetMissingBlocks() ([]BlockRef, error) {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	return append([]BlockRef{}, mock.missingBlocks...), nil
}

func (mock *mockCoreThreadDispatcher) SetConsumerAvailability(available bool) error { return nil }

func (mock *mockCoreThreadDispatcher) SetLastKnownProposedRound(round Round) error {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	mock.lastKnownProposedRound = &round
	return nil
}

func (mock *mockCoreThreadDispatcher) added() []*VerifiedBlock {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	return append([]*VerifiedBlock{}, mock.addedBlocks...)
}

func (mock *mockCoreThreadDispatcher) setMissing(refs []BlockRef) {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	mock.missingBlocks = refs
}

func (mock *mockCoreThreadDispatcher) lastKnownRound() *Round {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	return mock.lastKnownProposedRound
}

// mockNetworkClient serves canned blocks by ref and records the refs that
// were requested.
type mockNetworkClient struct {
	mtx           sync.Mutex
	blocksByRef   map[BlockRef][]byte
	requestedRefs []BlockRef
	latestBlocks  [][]byte
	fetchErr      error
}

func newMockNetworkClient() *mockNetworkClient {
	return &mockNetworkClient{blocksByRef: make(map[BlockRef][]byte)}
}

func (mock *mockNetworkClient) serve(blocks ...*VerifiedBlock) {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	for _, block := range blocks {
		mock.blocksByRef[block.Reference()] = block.Serialized()
	}
}

func (mock *mockNetworkClient) requested() []BlockRef {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	return append([]BlockRef{}, mock.requestedRefs...)
}

func (mock *mockNetworkClient) SendBlock(ctx context.Context, peer AuthorityIndex, block *VerifiedBlock, timeout time.Duration) error {
	return nil
}

func (mock *mockNetworkClient) SubscribeBlocks(ctx context.Context, peer AuthorityIndex, lastReceivedRound Round, timeout time.Duration) (BlockStream, error) {
	return nil, errors.New("not implemented")
}

func (mock *mockNetworkClient) FetchBlocks(ctx context.Context, peer AuthorityIndex, refs []BlockRef, highestAcceptedRounds []Round, timeout time.Duration) ([][]byte, error) {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	if mock.fetchErr != nil {
		return nil, mock.fetchErr
	}
	mock.requestedRefs = append(mock.requestedRefs, refs...)
	var response [][]byte
	for _, ref := range refs {
		if serialized, ok := mock.blocksByRef[ref]; ok {
			response = append(response, serialized)
		}
	}
	return response, nil
}

func (mock *mockNetworkClient) FetchCommits(ctx context.Context, peer AuthorityIndex, commitRange CommitRange, timeout time.Duration) ([][]byte, [][]byte, error) {
	return nil, nil, errors.New("not implemented")
}

func (mock *mockNetworkClient) FetchLatestBlocks(ctx context.Context, peer AuthorityIndex, authorities []AuthorityIndex, timeout time.Duration) ([][]byte, error) {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	return mock.latestBlocks, nil
}

func (mock *mockNetworkClient) GetLatestRounds(ctx context.Context, peer AuthorityIndex, timeout time.Duration) ([]Round, []Round, error) {
	return nil, nil, errors.New("not implemented")
}

func TestInflightBlocksMapLockSemantics(t *testing.T) {
	inflight := NewInflightBlocksMap()
	blockA := BlockRef{Round: 1, Author: 0}
	blockB := BlockRef{Round: 2, Author: 1}

	// First two peers lock the same block; the third is refused.
	guard1 := inflight.LockBlocks([]BlockRef{blockA, blockB}, 1)
	require.NotNil(t, guard1)
	require.Len(t, guard1.refs, 2)
	guard2 := inflight.LockBlocks([]BlockRef{blockA}, 2)
	require.NotNil(t, guard2)
	guard3 := inflight.LockBlocks([]BlockRef{blockA}, 3)
	require.Nil(t, guard3)

	// The same peer cannot lock the same block twice.
	require.Nil(t, inflight.LockBlocks([]BlockRef{blockA}, 1))

	// Releasing makes room for another peer; release is idempotent.
	guard2.Release()
	guard2.Release()
	guard3 = inflight.LockBlocks([]BlockRef{blockA}, 3)
	require.NotNil(t, guard3)

	// Swap moves the locks to a new peer.
	swapped := inflight.SwapLocks(guard1, 2)
	require.NotNil(t, swapped)
	require.Len(t, swapped.refs, 2)

	swapped.Release()
	guard3.Release()
	require.Equal(t, 0, inflight.NumLockedBlocks())
}

func newSynchronizerFixture(t *testing.T, missing []BlockRef) (
	*Context, *mockNetworkClient, *mockCoreThreadDispatcher, *CommitVoteMonitor, *SynchronizerHandle,
) {
	t.Helper()
	context, _ := NewContextForTest(4)
	dagState := NewDagState(context, NewMemStore())
	dispatcher := &mockCoreThreadDispatcher{missingBlocks: missing}
	network := newMockNetworkClient()
	monitor := NewCommitVoteMonitor(context)
	handle := StartSynchronizer(
		network, context, dispatcher, monitor, &NoopBlockVerifier{}, dagState, false)
	return context, network, dispatcher, monitor, handle
}

func TestSynchronizerExplicitFetch(t *testing.T) {
	testContext, _ := NewContextForTest(4)
	genesis := GenesisBlocks(testContext)
	blocks := buildPartialRound(t, 1, []AuthorityIndex{1, 2, 3}, genesis)

	_, network, dispatcher, _, handle := newSynchronizerFixture(t, nil)
	defer func() { require.NoError(t, handle.Stop()) }()
	network.serve(blocks...)

	require.NoError(t, handle.FetchBlocks(refsOf(blocks), 1))

	require.Eventually(t, func() bool {
		return len(dispatcher.added()) == len(blocks)
	}, 5*time.Second, 20*time.Millisecond)
	require.ElementsMatch(t, refsOf(blocks), refsOf(dispatcher.added()))
}

func TestSynchronizerRefusesOwnPeer(t *testing.T) {
	_, _, _, _, handle := newSynchronizerFixture(t, nil)
	defer func() { require.NoError(t, handle.Stop()) }()
	err := handle.FetchBlocks([]BlockRef{{Round: 1, Author: 1}}, 0)
	require.Error(t, err)
}

func TestSynchronizerPeriodicFetchesMissingBlocks(t *testing.T) {
	testContext, _ := NewContextForTest(4)
	genesis := GenesisBlocks(testContext)
	blocks := buildPartialRound(t, 1, []AuthorityIndex{1, 2, 3}, genesis)

	_, network, dispatcher, _, handle := newSynchronizerFixture(t, refsOf(blocks))
	defer func() { require.NoError(t, handle.Stop()) }()
	network.serve(blocks...)

	// The periodic sweep (every 500ms) picks the missing refs up without
	// an explicit request.
	require.Eventually(t, func() bool {
		return len(dispatcher.added()) >= len(blocks)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSynchronizerCommitLagThrottlesPeriodicFetch(t *testing.T) {
	testContext, _ := NewContextForTest(4)
	genesis := GenesisBlocks(testContext)
	nearBlocks := buildPartialRound(t, 1, []AuthorityIndex{1, 2}, genesis)

	// Far-future refs beyond highest_accepted_round + threshold.
	farRef := BlockRef{Round: 1000, Author: 3}
	missing := append(refsOf(nearBlocks), farRef)

	context_, network, dispatcher, monitor, handle := newSynchronizerFixture(t, missing)
	defer func() { require.NoError(t, handle.Stop()) }()
	network.serve(nearBlocks...)

	// Push the quorum commit index far ahead of the local one: two
	// authorities vote far past batch size * multiplier.
	lagIndex := CommitIndex(context_.Params.CommitSyncBatchSize) * CommitLagMultiplier * 2
	monitor.ObserveBlock(newTestBlock(t, 1, 1, refsOf(genesis),
		withCommitVotes([]CommitVote{{Index: lagIndex}})))
	monitor.ObserveBlock(newTestBlock(t, 1, 2, refsOf(genesis),
		withCommitVotes([]CommitVote{{Index: lagIndex}})))
	require.Equal(t, lagIndex, monitor.QuorumCommitIndex())

	// The sweep fetches only the refs within the round threshold.
	require.Eventually(t, func() bool {
		return len(dispatcher.added()) >= len(nearBlocks)
	}, 5*time.Second, 50*time.Millisecond)
	for _, requested := range network.requested() {
		require.NotEqual(t, farRef, requested)
	}
}

func TestSynchronizerOwnLastBlockRecovery(t *testing.T) {
	testContext, signers := NewContextForTest(4)
	genesis := GenesisBlocks(testContext)

	// Peers report our own block at round 1.
	ownBlock := Block{
		Epoch:     0,
		Round:     1,
		Author:    testContext.OwnIndex,
		Ancestors: refsOf(genesis),
	}
	signed, err := NewSignedBlock(ownBlock, signers[testContext.OwnIndex])
	require.NoError(t, err)
	serialized, err := SerializeSignedBlock(signed)
	require.NoError(t, err)

	dagState := NewDagState(testContext, NewMemStore())
	dispatcher := &mockCoreThreadDispatcher{}
	network := newMockNetworkClient()
	network.latestBlocks = [][]byte{serialized}
	monitor := NewCommitVoteMonitor(testContext)

	handle := StartSynchronizer(
		network, testContext, dispatcher, monitor, NewSignedBlockVerifier(testContext), dagState, true)
	defer func() { require.NoError(t, handle.Stop()) }()

	require.Eventually(t, func() bool {
		round := dispatcher.lastKnownRound()
		return round != nil && *round == Round(1)
	}, 10*time.Second, 50*time.Millisecond)
}

func TestSynchronizerOwnLastBlockRejectsForeignAuthor(t *testing.T) {
	testContext, signers := NewContextForTest(4)
	genesis := GenesisBlocks(testContext)

	// A peer returns a block authored by someone else.
	foreign := Block{Epoch: 0, Round: 5, Author: 2, Ancestors: refsOf(genesis)}
	signed, err := NewSignedBlock(foreign, signers[2])
	require.NoError(t, err)
	serialized, err := SerializeSignedBlock(signed)
	require.NoError(t, err)

	dagState := NewDagState(testContext, NewMemStore())
	dispatcher := &mockCoreThreadDispatcher{}
	network := newMockNetworkClient()
	network.latestBlocks = [][]byte{serialized}
	monitor := NewCommitVoteMonitor(testContext)

	handle := StartSynchronizer(
		network, testContext, dispatcher, monitor, NewSignedBlockVerifier(testContext), dagState, true)
	defer func() { require.NoError(t, handle.Stop()) }()

	// The foreign answer never produces a published round: all answers are
	// invalid, so the task keeps retrying.
	time.Sleep(1 * time.Second)
	require.Nil(t, dispatcher.lastKnownRound())
}
