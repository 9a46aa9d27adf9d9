package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitObserverPersistsAndForwards(t *testing.T) {
	context, _ := NewContextForTest(4)
	store := NewMemStore()
	dagState := NewDagState(context, store)
	consumer := NewCommitConsumer(16, 0)
	observer, err := NewCommitObserver(context, consumer, dagState)
	require.NoError(t, err)

	all, _ := buildFullRounds(t, context, 3)
	dagState.AcceptBlocks(all)

	leader1 := all[1] // round 1, authority 1
	leader2 := all[4+2]
	subdags, err := observer.HandleCommit([]*VerifiedBlock{leader1, leader2})
	require.NoError(t, err)
	require.Len(t, subdags, 2)

	// Gap-free, increasing indices starting at 1.
	require.Equal(t, CommitIndex(1), subdags[0].CommitIndex)
	require.Equal(t, CommitIndex(2), subdags[1].CommitIndex)
	require.Equal(t, leader1.Reference(), subdags[0].Leader.Reference())

	// Timestamps never regress even if a later leader carries an older
	// wall clock.
	require.True(t, subdags[1].TimestampMs >= subdags[0].TimestampMs)

	// Forwarded downstream exactly once, in order.
	received := []*CommittedSubDag{}
	for ii := 0; ii < 2; ii++ {
		received = append(received, <-consumer.Receiver())
	}
	require.Equal(t, subdags, received)
	select {
	case extra := <-consumer.Receiver():
		t.Fatalf("unexpected extra sub-dag %v", extra)
	default:
	}

	// Persisted before exposure: the commits are durable in the store.
	last, err := store.ReadLastCommit()
	require.NoError(t, err)
	require.Equal(t, CommitIndex(2), last.Index())
	// The digest chain links commit 2 to commit 1.
	commits, err := store.ScanCommits(CommitRange{Start: 1, End: 2})
	require.NoError(t, err)
	require.Len(t, commits, 2)
	require.Equal(t, commits[0].Digest(), commits[1].Commit().PreviousDigest)
}

func TestCommitObserverReplaysMissedCommitsOnRecovery(t *testing.T) {
	context, _ := NewContextForTest(4)
	store := NewMemStore()

	// First life: commit two leaders.
	dagState := NewDagState(context, store)
	consumer := NewCommitConsumer(16, 0)
	observer, err := NewCommitObserver(context, consumer, dagState)
	require.NoError(t, err)
	all, _ := buildFullRounds(t, context, 3)
	dagState.AcceptBlocks(all)
	_, err = observer.HandleCommit([]*VerifiedBlock{all[1], all[4+2]})
	require.NoError(t, err)

	// Second life: the consumer only processed commit 1; commit 2 replays.
	recoveredState := NewDagState(context, store)
	recoveredConsumer := NewCommitConsumer(16, 1)
	_, err = NewCommitObserver(context, recoveredConsumer, recoveredState)
	require.NoError(t, err)

	replayed := <-recoveredConsumer.Receiver()
	require.Equal(t, CommitIndex(2), replayed.CommitIndex)
	select {
	case extra := <-recoveredConsumer.Receiver():
		t.Fatalf("unexpected replayed sub-dag %v", extra)
	default:
	}
}

func TestCommitObserverShutdownWhenConsumerClosed(t *testing.T) {
	context, _ := NewContextForTest(4)
	dagState := NewDagState(context, NewMemStore())
	consumer := NewCommitConsumer(0, 0)
	observer, err := NewCommitObserver(context, consumer, dagState)
	require.NoError(t, err)

	all, _ := buildFullRounds(t, context, 3)
	dagState.AcceptBlocks(all)

	consumer.Close()
	_, err = observer.HandleCommit([]*VerifiedBlock{all[1]})
	require.Error(t, err)
	require.True(t, IsShutdown(err))
}

func TestCommitVoteMonitorQuorumIndex(t *testing.T) {
	context, _ := NewContextForTest(4)
	monitor := NewCommitVoteMonitor(context)
	require.Equal(t, CommitIndex(0), monitor.QuorumCommitIndex())

	genesis := GenesisBlocks(context)
	vote := func(author AuthorityIndex, index CommitIndex) *VerifiedBlock {
		return newTestBlock(t, 1, author, refsOf(genesis),
			withCommitVotes([]CommitVote{{Index: index}}))
	}

	// One authority voting is below the validity threshold.
	monitor.ObserveBlock(vote(0, 10))
	require.Equal(t, CommitIndex(0), monitor.QuorumCommitIndex())

	// f+1 = 2 authorities at >= 7 back index 7.
	monitor.ObserveBlock(vote(1, 7))
	require.Equal(t, CommitIndex(7), monitor.QuorumCommitIndex())

	// More votes only move it up, never down.
	monitor.ObserveBlock(vote(2, 3))
	require.Equal(t, CommitIndex(7), monitor.QuorumCommitIndex())
	monitor.ObserveBlock(vote(2, 12))
	require.Equal(t, CommitIndex(10), monitor.QuorumCommitIndex())
}
