package consensus

import (
	"fmt"
	"time"

	"github.com/carry2web/core/signing"
	"github.com/golang/glog"
)

// MaxCommitVotesPerBlock caps the commit votes included in one proposal.
const MaxCommitVotesPerBlock = 100

// Core is the single-threaded heart of the engine: it owns the threshold
// clock, the local block production pipeline, the commit loop and the leader
// schedule feedback. Core is never concurrent with itself; all access goes
// through the core dispatcher (core_thread.go), which serializes the calls
// on one goroutine.
type Core struct {
	context             *Context
	thresholdClock      *ThresholdClock
	transactionConsumer *TransactionConsumer
	blockManager        *BlockManager
	committer           *UniversalCommitter
	leaderSchedule      *LeaderSchedule
	commitObserver      *CommitObserver
	signals             *CoreSignals
	signer              *signing.Signer
	dagState            *DagState

	// consumerAvailability gates proposing: without a downstream consumer
	// attached, producing blocks would orphan their commits.
	consumerAvailability bool

	// lastProposedBlock is our own latest block (genesis before the first
	// proposal).
	lastProposedBlock *VerifiedBlock

	// lastIncludedAncestors is the per-authority watermark of the highest
	// ancestor already included in one of our proposals; nil entries mean
	// no ancestor of that authority was ever included.
	lastIncludedAncestors []*BlockRef

	// lastDecidedLeader is the slot the committer decided last. Skipped
	// leaders advance it just like committed ones.
	lastDecidedLeader Slot

	// lastKnownProposedRound is the highest own round observed by peers,
	// published by the own-last-block recovery task. While unknown (nil),
	// Core refuses to propose, preventing equivocation after amnesia.
	lastKnownProposedRound *Round
	awaitingLastKnownRound bool
}

// NewCore wires the core together and runs its recovery sequence. Callers
// that need the block broadcast must subscribe to the signals before
// construction, since recovery re-broadcasts the last proposed block.
//
// With syncLastKnownOwnBlock set, proposing stays disabled until the
// synchronizer publishes the last known proposed round via
// SetLastKnownProposedRound.
func NewCore(
	context *Context,
	leaderSchedule *LeaderSchedule,
	transactionConsumer *TransactionConsumer,
	blockManager *BlockManager,
	consumerAvailability bool,
	commitObserver *CommitObserver,
	signals *CoreSignals,
	signer *signing.Signer,
	dagState *DagState,
	syncLastKnownOwnBlock bool,
) (*Core, error) {
	lastProposedBlock := dagState.GetLastBlockForAuthority(context.OwnIndex)

	// Recover the inclusion watermarks from the last proposed block, so the
	// next proposal only references ancestors of higher rounds. This is
	// only strongly guaranteed for a quorum of ancestors; an authority that
	// missed the last proposal may be re-included once, which is harmless.
	lastIncludedAncestors := make([]*BlockRef, context.Committee.Size())
	for _, ancestor := range lastProposedBlock.Ancestors() {
		ref := ancestor
		lastIncludedAncestors[ancestor.Author] = &ref
	}

	core := &Core{
		context:                context,
		thresholdClock:         NewThresholdClock(context, 0),
		transactionConsumer:    transactionConsumer,
		blockManager:           blockManager,
		committer:              NewUniversalCommitter(context, dagState, leaderSchedule),
		leaderSchedule:         leaderSchedule,
		commitObserver:         commitObserver,
		signals:                signals,
		signer:                 signer,
		dagState:               dagState,
		consumerAvailability:   consumerAvailability,
		lastProposedBlock:      lastProposedBlock,
		lastIncludedAncestors:  lastIncludedAncestors,
		lastDecidedLeader:      dagState.LastCommitLeader(),
		awaitingLastKnownRound: syncLastKnownOwnBlock,
	}
	if !syncLastKnownOwnBlock {
		round := Round(0)
		core.lastKnownProposedRound = &round
	}
	if err := core.recover(); err != nil {
		return nil, err
	}
	return core, nil
}

// recover replays enough state to resume proposing and committing exactly
// where the last run stopped.
func (core *Core) recover() error {
	// Ensure local time is ahead of every persisted ancestor timestamp,
	// otherwise the next proposal would violate timestamp monotonicity.
	ancestorBlocks := core.dagState.GetLastCachedBlockPerAuthority(MaxRound)
	maxAncestorTimestamp := uint64(0)
	for _, block := range ancestorBlocks {
		if block.TimestampMs() > maxAncestorTimestamp {
			maxAncestorTimestamp = block.TimestampMs()
		}
	}
	if now := core.context.Clock.NowMs(); maxAncestorTimestamp > now {
		waitMs := maxAncestorTimestamp - now
		glog.Warningf("Core.recover: waiting %d ms for wall clock to catch up with recovered ancestors", waitMs)
		time.Sleep(time.Duration(waitMs) * time.Millisecond)
	}

	// Replay the last observable quorum into the threshold clock.
	core.addAcceptedBlocks(core.dagState.LastQuorum())

	// Commit and propose may not have run after the last storage write.
	if _, err := core.tryCommit(); err != nil {
		return err
	}
	proposed, err := core.tryPropose(true)
	if err != nil {
		return err
	}
	if proposed == nil {
		// No new block: re-broadcast the last proposed one for liveness.
		if err := core.signals.NewBlock(core.lastProposedBlock); err != nil {
			return err
		}
	}
	return nil
}

// AddBlocks processes verified blocks and accepts those whose causal
// history is complete. Returns the refs of unknown ancestors that need to
// be fetched.
func (core *Core) AddBlocks(blocks []*VerifiedBlock) ([]BlockRef, error) {
	core.context.Metrics.AddBlocksBatchSize.Observe(float64(len(blocks)))

	accepted, missing, err := core.blockManager.TryAcceptBlocks(blocks)
	if err != nil {
		return nil, err
	}
	if len(accepted) > 0 {
		glog.V(1).Infof("Core.AddBlocks: accepted %d blocks", len(accepted))
		core.addAcceptedBlocks(accepted)
		if _, err := core.tryCommit(); err != nil {
			return nil, err
		}
		if _, err := core.tryPropose(false); err != nil {
			return nil, err
		}
	}
	if len(missing) > 0 {
		glog.V(1).Infof("Core.AddBlocks: missing %d ancestors", len(missing))
	}
	return missing, nil
}

// addAcceptedBlocks advances the threshold clock with the accepted blocks
// and signals a new round when the clock moves.
func (core *Core) addAcceptedBlocks(accepted []*VerifiedBlock) {
	refs := make([]BlockRef, 0, len(accepted))
	for _, block := range accepted {
		refs = append(refs, block.Reference())
	}
	if newRound, advanced := core.thresholdClock.AddBlocks(refs); advanced {
		core.signals.NewRound(newRound)
	}
	core.context.Metrics.ThresholdClockRound.Set(float64(core.thresholdClock.Round()))
}

// NewBlock is the external leader-timeout entry point: force a proposal for
// the round when the normal gating would keep waiting for a leader.
func (core *Core) NewBlock(round Round, force bool) (*VerifiedBlock, error) {
	if core.lastProposedRound() < round {
		core.context.Metrics.LeaderTimeouts.WithLabelValues(fmt.Sprintf("%t", force)).Inc()
		return core.tryPropose(force)
	}
	return nil, nil
}

// GetMissingBlocks returns all refs blocking suspended blocks.
func (core *Core) GetMissingBlocks() []BlockRef {
	return core.blockManager.MissingBlocks()
}

// SetConsumerAvailability flips the proposing gate.
func (core *Core) SetConsumerAvailability(available bool) {
	glog.Infof("Core.SetConsumerAvailability: %t", available)
	core.consumerAvailability = available
}

// SetLastKnownProposedRound publishes the highest own round observed by
// peers. Must only be called while Core is awaiting the recovery result.
func (core *Core) SetLastKnownProposedRound(round Round) {
	if !core.awaitingLastKnownRound {
		panic("Core.SetLastKnownProposedRound: called after recovery already completed")
	}
	core.awaitingLastKnownRound = false
	core.lastKnownProposedRound = &round
	core.context.Metrics.LastKnownOwnBlockRound.Set(float64(round))
	glog.Infof("Core.SetLastKnownProposedRound: %d", round)
}

// shouldPropose gates block production: a downstream consumer must be
// attached and, when own-block recovery is enabled, it must have completed.
func (core *Core) shouldPropose() bool {
	return core.consumerAvailability && core.lastKnownProposedRound != nil
}

// tryPropose attempts to create, persist and broadcast a block, then runs
// the commit rule again since the new block may close a decision.
func (core *Core) tryPropose(force bool) (*VerifiedBlock, error) {
	if !core.shouldPropose() {
		return nil, nil
	}
	block := core.tryNewBlock(force)
	if block == nil {
		return nil, nil
	}
	if err := core.signals.NewBlock(block); err != nil {
		return nil, err
	}
	if _, err := core.tryCommit(); err != nil {
		return nil, err
	}
	return block, nil
}

// tryNewBlock builds the proposal for the current clock round, if one is
// due.
func (core *Core) tryNewBlock(force bool) *VerifiedBlock {
	clockRound := core.thresholdClock.Round()
	if clockRound <= core.lastProposedRound() {
		return nil
	}
	if clockRound <= *core.lastKnownProposedRound {
		// Peers already saw an own block at or above this round; proposing
		// again here would equivocate.
		return nil
	}

	quorumRound := clockRound - 1
	if !force {
		if !core.primaryLeaderExists(quorumRound) {
			return nil
		}
		nowMs := core.context.Clock.NowMs()
		lastMs := core.lastProposedTimestampMs()
		if nowMs < lastMs || time.Duration(nowMs-lastMs)*time.Millisecond < core.context.Params.MinRoundDelay {
			return nil
		}
	}

	ancestors := core.ancestorsToPropose(clockRound)
	core.context.Metrics.BlockAncestors.Observe(float64(len(ancestors)))

	// Catch broken ancestor timestamps, including a clock gone backwards.
	now := core.context.Clock.NowMs()
	for _, ancestor := range ancestors {
		if ancestor.TimestampMs() > now {
			panic(fmt.Sprintf(
				"Core.tryNewBlock: ancestor %s has timestamp %d beyond current time %d, proposing for round %d",
				ancestor.Reference(), ancestor.TimestampMs(), now, clockRound))
		}
	}

	// Borrow transactions; acknowledging waits until after the flush.
	transactions, ackTransactions := core.transactionConsumer.Next()
	commitVotes := core.dagState.TakeCommitVotes(MaxCommitVotesPerBlock)

	ancestorRefs := make([]BlockRef, 0, len(ancestors))
	for _, ancestor := range ancestors {
		ancestorRefs = append(ancestorRefs, ancestor.Reference())
	}
	block := Block{
		Epoch:        core.context.Committee.Epoch(),
		Round:        clockRound,
		Author:       core.context.OwnIndex,
		TimestampMs:  now,
		Ancestors:    ancestorRefs,
		Transactions: transactions,
		CommitVotes:  commitVotes,
	}
	signed, err := NewSignedBlock(block, core.signer)
	if err != nil {
		panic(fmt.Sprintf("Core.tryNewBlock: block signing failed: %v", err))
	}
	serialized, err := SerializeSignedBlock(signed)
	if err != nil {
		panic(fmt.Sprintf("Core.tryNewBlock: block serialization failed: %v", err))
	}
	core.context.Metrics.BlockSize.Observe(float64(len(serialized)))

	// Own blocks skip re-verification.
	verified := NewVerifiedBlock(signed, serialized)

	accepted, missing, err := core.blockManager.TryAcceptBlocks([]*VerifiedBlock{verified})
	if err != nil || len(accepted) != 1 || len(missing) != 0 {
		panic(fmt.Sprintf(
			"Core.tryNewBlock: own block %s must accept cleanly (err=%v, accepted=%d, missing=%d)",
			verified.Reference(), err, len(accepted), len(missing)))
	}
	core.addAcceptedBlocks([]*VerifiedBlock{verified})

	// Durability before exposure: the block and its ancestors must be
	// persisted before any broadcast.
	core.dagState.Flush()

	core.lastProposedBlock = verified
	ackTransactions(verified.Reference())

	glog.Infof("Core.tryNewBlock: created block %s with %d ancestors", verified.Reference(), len(ancestors))
	core.context.Metrics.ProposedBlocks.WithLabelValues(fmt.Sprintf("%t", force)).Inc()
	return verified
}

// tryCommit runs the commit rule until it stops deciding, interleaving
// leader schedule updates at the configured commit boundaries.
func (core *Core) tryCommit() ([]*CommittedSubDag, error) {
	if !core.context.Params.LeaderScoringAndSchedule {
		decided := core.committer.TryDecide(core.lastDecidedLeader)
		if len(decided) == 0 {
			return nil, nil
		}
		core.lastDecidedLeader = decided[len(decided)-1].Slot
		core.context.Metrics.LastDecidedLeaderRound.Set(float64(core.lastDecidedLeader.Round))
		committed := committedBlocksOf(decided)
		return core.commitObserver.HandleCommit(committed)
	}

	var committedSubdags []*CommittedSubDag
	for {
		// The leader schedule bounds how many leaders can be sequenced
		// before the swap table must change; leaders beyond the bound are
		// re-decided under the new schedule on the next iteration.
		commitsUntilUpdate := core.leaderSchedule.CommitsUntilLeaderScheduleUpdate(core.dagState)
		if commitsUntilUpdate == 0 {
			glog.Infof("Core.tryCommit: leader schedule change at commit index %d",
				core.dagState.LastCommitIndex())
			core.leaderSchedule.UpdateLeaderSchedule(core.dagState)
			commitsUntilUpdate = core.leaderSchedule.CommitsUntilLeaderScheduleUpdate(core.dagState)
			if commitsUntilUpdate == 0 {
				panic("Core.tryCommit: leader schedule update did not open a new commit window")
			}
		}

		decided := core.committer.TryDecide(core.lastDecidedLeader)
		if len(decided) == 0 {
			break
		}
		lastDecided := decided[len(decided)-1]

		sequenced := committedBlocksOf(decided)
		if uint64(len(sequenced)) >= commitsUntilUpdate {
			// Truncate to the schedule window; the last sequenced leader
			// becomes the decision watermark so the remainder is re-decided
			// under the updated schedule.
			sequenced = sequenced[:commitsUntilUpdate]
			core.lastDecidedLeader = sequenced[len(sequenced)-1].Slot()
		} else {
			core.lastDecidedLeader = lastDecided.Slot
		}
		core.context.Metrics.LastDecidedLeaderRound.Set(float64(core.lastDecidedLeader.Round))

		if len(sequenced) == 0 {
			break
		}
		subdags, err := core.commitObserver.HandleCommit(sequenced)
		if err != nil {
			return nil, err
		}
		core.dagState.AddUnscoredCommittedSubdags(subdags)
		committedSubdags = append(committedSubdags, subdags...)
	}
	return committedSubdags, nil
}

func committedBlocksOf(decided []DecidedLeader) []*VerifiedBlock {
	var committed []*VerifiedBlock
	for _, leader := range decided {
		if leader.Kind == LeaderCommitted {
			committed = append(committed, leader.Block)
		}
	}
	return committed
}

// ancestorsToPropose assembles the ancestors of a proposal for clockRound:
// our own last block first, then for every other authority its highest
// cached block above the inclusion watermark and below clockRound.
func (core *Core) ancestorsToPropose(clockRound Round) []*VerifiedBlock {
	candidates := core.dagState.GetLastCachedBlockPerAuthority(clockRound)
	if len(candidates) != core.context.Committee.Size() {
		panic("Core.ancestorsToPropose: candidate count does not match committee size")
	}

	ancestors := []*VerifiedBlock{core.lastProposedBlock}
	for _, block := range candidates {
		if block.Author() == core.context.OwnIndex {
			continue
		}
		if included := core.lastIncludedAncestors[block.Author()]; included != nil {
			if included.Round >= block.Round() {
				continue
			}
		}
		ancestors = append(ancestors, block)
	}

	for _, ancestor := range ancestors {
		ref := ancestor.Reference()
		core.lastIncludedAncestors[ancestor.Author()] = &ref
	}

	// Sanity check the parent quorum; a failure means DagState and Core
	// disagree about the DAG, which is unrecoverable.
	quorum := NewStakeAggregator(QuorumThreshold)
	for _, ancestor := range ancestors {
		if ancestor.Round() == clockRound-1 {
			quorum.Add(ancestor.Author(), core.context.Committee)
		}
	}
	if !quorum.ReachedThreshold(core.context.Committee) {
		panic(fmt.Sprintf(
			"Core.ancestorsToPropose: quorum not reached for parent round when proposing for round %d",
			clockRound))
	}
	return ancestors
}

// primaryLeaderExists reports whether the primary leader block of the round
// is present in the DAG.
func (core *Core) primaryLeaderExists(round Round) bool {
	leaders := core.committer.GetLeaders(round)
	if len(leaders) == 0 {
		return false
	}
	return core.dagState.ContainsCachedBlockAtSlot(NewSlot(round, leaders[0]))
}

func (core *Core) lastProposedRound() Round {
	return core.lastProposedBlock.Round()
}

func (core *Core) lastProposedTimestampMs() uint64 {
	return core.lastProposedBlock.TimestampMs()
}

// LastProposedBlock returns our own latest block. Test hook.
func (core *Core) LastProposedBlock() *VerifiedBlock {
	return core.lastProposedBlock
}
