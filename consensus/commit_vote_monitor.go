package consensus

import (
	"sort"

	"github.com/deso-protocol/go-deadlock"
)

// CommitVoteMonitor aggregates the commit votes carried by accepted and
// fetched blocks. It answers the question "what commit index does a
// validity quorum of the network stand behind", which drives the
// synchronizer's commit-lag throttle.
type CommitVoteMonitor struct {
	context *Context

	mtx deadlock.Mutex
	// highestVoted is the highest commit index each authority voted for.
	highestVoted []CommitIndex
}

func NewCommitVoteMonitor(context *Context) *CommitVoteMonitor {
	return &CommitVoteMonitor{
		context:      context,
		highestVoted: make([]CommitIndex, context.Committee.Size()),
	}
}

// ObserveBlock records the commit votes embedded in the block.
func (monitor *CommitVoteMonitor) ObserveBlock(block *VerifiedBlock) {
	monitor.mtx.Lock()
	defer monitor.mtx.Unlock()
	author := block.Author()
	for _, vote := range block.CommitVotes() {
		if vote.Index > monitor.highestVoted[author] {
			monitor.highestVoted[author] = vote.Index
		}
	}
}

// QuorumCommitIndex returns the highest commit index c such that the stake
// of authorities voting for an index >= c meets the validity threshold
// (f+1). Monotonically non-decreasing over the process lifetime, since the
// per-authority votes only grow.
func (monitor *CommitVoteMonitor) QuorumCommitIndex() CommitIndex {
	monitor.mtx.Lock()
	votes := make([]struct {
		index CommitIndex
		stake Stake
	}, 0, len(monitor.highestVoted))
	for authority, index := range monitor.highestVoted {
		votes = append(votes, struct {
			index CommitIndex
			stake Stake
		}{index, monitor.context.Committee.Stake(AuthorityIndex(authority))})
	}
	monitor.mtx.Unlock()

	sort.Slice(votes, func(i, j int) bool { return votes[i].index > votes[j].index })
	accumulated := Stake(0)
	for _, vote := range votes {
		accumulated += vote.stake
		if monitor.context.Committee.ReachedValidity(accumulated) {
			monitor.context.Metrics.QuorumCommitIndex.Set(float64(vote.index))
			return vote.index
		}
	}
	return 0
}
