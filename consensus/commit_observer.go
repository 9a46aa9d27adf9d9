package consensus

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/golang/glog"
)

// CommitConsumer is the downstream endpoint committed sub-dags are handed
// to, exactly once each, in commit index order.
type CommitConsumer struct {
	subdags chan *CommittedSubDag
	done    chan struct{}
	// lastProcessedIndex is the highest commit index the consumer had
	// processed before this process started; used to replay missed commits
	// on recovery.
	lastProcessedIndex CommitIndex
}

func NewCommitConsumer(capacity int, lastProcessedIndex CommitIndex) *CommitConsumer {
	return &CommitConsumer{
		subdags:            make(chan *CommittedSubDag, capacity),
		done:               make(chan struct{}),
		lastProcessedIndex: lastProcessedIndex,
	}
}

// Receiver returns the channel committed sub-dags arrive on.
func (consumer *CommitConsumer) Receiver() <-chan *CommittedSubDag {
	return consumer.subdags
}

// Close detaches the consumer. Pending and future sends fail with Shutdown.
func (consumer *CommitConsumer) Close() {
	close(consumer.done)
}

// CommitObserver linearizes committed leaders into sub-dags, persists them,
// and forwards them downstream exactly once.
type CommitObserver struct {
	context  *Context
	dagState *DagState
	consumer *CommitConsumer
}

func NewCommitObserver(context *Context, consumer *CommitConsumer, dagState *DagState) (*CommitObserver, error) {
	observer := &CommitObserver{
		context:  context,
		dagState: dagState,
		consumer: consumer,
	}
	if err := observer.recoverAndSendCommits(); err != nil {
		return nil, err
	}
	return observer, nil
}

// recoverAndSendCommits replays the commits persisted before the restart
// that the consumer has not processed yet, keeping the exactly-once,
// gap-free delivery contract across restarts.
func (observer *CommitObserver) recoverAndSendCommits() error {
	lastIndex := observer.dagState.LastCommitIndex()
	startIndex := observer.consumer.lastProcessedIndex + 1
	if startIndex > lastIndex {
		return nil
	}
	commits, err := observer.dagState.store.ScanCommits(CommitRange{Start: startIndex, End: lastIndex})
	if err != nil {
		panic(fmt.Sprintf("CommitObserver.recoverAndSendCommits: failed to scan commits: %v", err))
	}
	glog.Infof("CommitObserver.recoverAndSendCommits: replaying commits %d..%d", startIndex, lastIndex)
	for _, commit := range commits {
		subdag := subDagFromCommit(commit, observer.dagState)
		if subdag == nil {
			panic(fmt.Sprintf(
				"CommitObserver.recoverAndSendCommits: blocks of persisted commit %d unreadable, storage is corrupt",
				commit.Index()))
		}
		if err := observer.forward(subdag); err != nil {
			return err
		}
	}
	return nil
}

// HandleCommit turns each committed leader into a sub-dag: linearize the
// leader's uncommitted causal history, assign the next commit index, persist
// the record, and forward the sub-dag downstream.
func (observer *CommitObserver) HandleCommit(committedLeaders []*VerifiedBlock) ([]*CommittedSubDag, error) {
	if len(committedLeaders) == 0 {
		return nil, nil
	}

	lastCommittedRounds := observer.dagState.LastCommittedRounds()
	var subdags []*CommittedSubDag
	for _, leader := range committedLeaders {
		timestampMs := leader.TimestampMs()
		if last := observer.dagState.LastCommitTimestampMs(); timestampMs < last {
			timestampMs = last
		}

		blocks := linearizeSubDag(leader, lastCommittedRounds, observer.dagState.GetBlock)
		refs := make([]BlockRef, 0, len(blocks))
		for _, block := range blocks {
			refs = append(refs, block.Reference())
		}

		commit := NewTrustedCommit(&Commit{
			Index:          observer.dagState.LastCommitIndex() + 1,
			PreviousDigest: observer.dagState.LastCommitDigest(),
			Leader:         leader.Reference(),
			Blocks:         refs,
			TimestampMs:    timestampMs,
		})
		observer.dagState.AddCommit(commit)

		subdags = append(subdags, &CommittedSubDag{
			Leader:       leader,
			Blocks:       blocks,
			TimestampMs:  timestampMs,
			CommitIndex:  commit.Index(),
			CommitDigest: commit.Digest(),
		})
	}

	// Persist before exposing: the commit records and their blocks go to
	// the store in one batch, then the sub-dags flow downstream.
	observer.dagState.Flush()

	for _, subdag := range subdags {
		if err := observer.forward(subdag); err != nil {
			return nil, err
		}
		observer.context.Metrics.CommittedSubDags.Inc()
		observer.context.Metrics.CommittedBlocks.Add(float64(len(subdag.Blocks)))
		if glog.V(3) {
			glog.Infof("CommitObserver.HandleCommit: %s", spew.Sdump(subdag))
		}
	}
	observer.context.Metrics.LastCommittedIndex.Set(float64(observer.dagState.LastCommitIndex()))
	return subdags, nil
}

func (observer *CommitObserver) forward(subdag *CommittedSubDag) error {
	select {
	case observer.consumer.subdags <- subdag:
		return nil
	case <-observer.consumer.done:
		glog.Warningf("CommitObserver.forward: consumer closed, dropping commit %d", subdag.CommitIndex)
		return ErrShutdown
	}
}
