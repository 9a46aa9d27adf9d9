package consensus

import (
	"fmt"

	"github.com/golang/glog"
)

// universal_committer.go implements the deterministic leader decision rule.
// Leaders are decided wave by wave: a leader at round r is directly
// committed when a quorum of round r+1 blocks vote for it and a quorum of
// round r+2 blocks certify those votes. A leader none of whose potential
// votes can ever reach a certificate (a quorum of round r+1 blocks ignore
// it) is directly skipped. Everything else is decided indirectly through
// the first committed anchor leader at round >= r+3, or stays undecided.
//
// Decisions are a pure function of (dag state snapshot, leader schedule
// snapshot, last decided slot), which is what makes replay and testing
// practical.

// LeaderStatusKind enumerates the fate of a leader slot.
type LeaderStatusKind int

const (
	// LeaderUndecided means the commit rule cannot decide the slot yet.
	LeaderUndecided LeaderStatusKind = iota
	// LeaderCommitted means the leader block commits.
	LeaderCommitted
	// LeaderSkipped means the slot will never commit.
	LeaderSkipped
)

func (kind LeaderStatusKind) String() string {
	switch kind {
	case LeaderCommitted:
		return "committed"
	case LeaderSkipped:
		return "skipped"
	default:
		return "undecided"
	}
}

// DecidedLeader is the outcome of the decision rule for one leader slot.
type DecidedLeader struct {
	Kind LeaderStatusKind
	Slot Slot
	// Block is set only when Kind is LeaderCommitted.
	Block *VerifiedBlock
}

func (leader DecidedLeader) IsDecided() bool {
	return leader.Kind != LeaderUndecided
}

func (leader DecidedLeader) String() string {
	return fmt.Sprintf("%s(%s)", leader.Kind, leader.Slot)
}

// UniversalCommitter runs the decision rule across the pipelined wave
// structure: one base committer per (pipeline phase, leader offset) so that
// every round elects NumLeadersPerRound leaders.
type UniversalCommitter struct {
	context        *Context
	dagState       *DagState
	leaderSchedule *LeaderSchedule
	committers     []*baseCommitter
}

// waveLength is the number of rounds in a decision wave: leader, voting
// round, decision round.
const waveLength Round = 3

func NewUniversalCommitter(
	context *Context,
	dagState *DagState,
	leaderSchedule *LeaderSchedule,
) *UniversalCommitter {
	numLeaders := context.Params.NumLeadersPerRound
	if numLeaders > context.Committee.Size() {
		numLeaders = context.Committee.Size()
	}
	var committers []*baseCommitter
	// Ordered by leader offset so same-round decisions come out in the
	// canonical leader order.
	for leaderOffset := 0; leaderOffset < numLeaders; leaderOffset++ {
		for roundOffset := Round(0); roundOffset < waveLength; roundOffset++ {
			committers = append(committers, &baseCommitter{
				context:        context,
				dagState:       dagState,
				leaderSchedule: leaderSchedule,
				roundOffset:    roundOffset,
				leaderOffset:   leaderOffset,
			})
		}
	}
	return &UniversalCommitter{
		context:        context,
		dagState:       dagState,
		leaderSchedule: leaderSchedule,
		committers:     committers,
	}
}

// GetLeaders returns the ordered leader authorities of the round, primary
// first.
func (committer *UniversalCommitter) GetLeaders(round Round) []AuthorityIndex {
	return committer.leaderSchedule.GetLeaders(round)
}

// TryDecide returns the decided prefix of the leader sequence strictly
// after lastDecided, terminated at the first undecided slot.
func (committer *UniversalCommitter) TryDecide(lastDecided Slot) []DecidedLeader {
	highestAccepted := committer.dagState.HighestAcceptedRound()

	// Walk rounds from the highest down so that later decisions are
	// available as indirect anchors for earlier ones. statuses stays in
	// ascending (round, leader offset) order via prepending.
	var statuses []DecidedLeader
	for round := highestAccepted; round > lastDecided.Round && round > GenesisRound; round-- {
		for ii := len(committer.committers) - 1; ii >= 0; ii-- {
			base := committer.committers[ii]
			slot, ok := base.electLeader(round)
			if !ok {
				continue
			}
			status := base.tryDirectDecide(slot)
			if !status.IsDecided() {
				status = base.tryIndirectDecide(slot, statuses)
			}
			glog.V(2).Infof("UniversalCommitter.TryDecide: %s", status)
			statuses = append([]DecidedLeader{status}, statuses...)
		}
	}

	// Keep the maximal decided prefix.
	decided := make([]DecidedLeader, 0, len(statuses))
	for _, status := range statuses {
		if !status.IsDecided() {
			break
		}
		decided = append(decided, status)
	}
	return decided
}

// baseCommitter decides the leader slots of one pipeline phase and leader
// offset.
type baseCommitter struct {
	context        *Context
	dagState       *DagState
	leaderSchedule *LeaderSchedule
	roundOffset    Round
	leaderOffset   int
}

// electLeader returns the leader slot this committer elects for the round,
// if any.
func (base *baseCommitter) electLeader(round Round) (Slot, bool) {
	if round == GenesisRound || round%waveLength != base.roundOffset {
		return Slot{}, false
	}
	authority := base.leaderSchedule.ElectLeader(round, base.leaderOffset)
	return NewSlot(round, authority), true
}

func (base *baseCommitter) votingRound(leaderRound Round) Round {
	return leaderRound + 1
}

func (base *baseCommitter) decisionRound(leaderRound Round) Round {
	return leaderRound + waveLength - 1
}

// tryDirectDecide applies the direct decision rule to the slot.
func (base *baseCommitter) tryDirectDecide(leader Slot) DecidedLeader {
	// 2f+1 non-votes guarantee no certificate can ever form: skip.
	if base.enoughLeaderBlame(base.votingRound(leader.Round), leader) {
		return DecidedLeader{Kind: LeaderSkipped, Slot: leader}
	}

	decisionRound := base.decisionRound(leader.Round)
	var supported []*VerifiedBlock
	for _, leaderBlock := range base.dagState.GetUncommittedBlocksAtSlot(leader) {
		if base.enoughLeaderSupport(decisionRound, leaderBlock) {
			supported = append(supported, leaderBlock)
		}
	}
	// Two certified blocks in one slot would need two quorums voting for
	// conflicting blocks, impossible under the BFT assumption.
	if len(supported) > 1 {
		panic(fmt.Sprintf(
			"baseCommitter.tryDirectDecide: multiple certified leader blocks at %s, byzantine quorum",
			leader))
	}
	if len(supported) == 1 {
		return DecidedLeader{Kind: LeaderCommitted, Slot: leader, Block: supported[0]}
	}
	return DecidedLeader{Kind: LeaderUndecided, Slot: leader}
}

// enoughLeaderBlame reports whether a stake quorum of voting round blocks
// does not reference any block of the leader slot.
func (base *baseCommitter) enoughLeaderBlame(votingRound Round, leader Slot) bool {
	blame := NewStakeAggregator(QuorumThreshold)
	for _, votingBlock := range base.dagState.GetUncommittedBlocksAtRound(votingRound) {
		votesForLeader := false
		for _, ancestor := range votingBlock.Ancestors() {
			if ancestor.Round == leader.Round && ancestor.Author == leader.Author {
				votesForLeader = true
				break
			}
		}
		if !votesForLeader {
			if blame.Add(votingBlock.Author(), base.context.Committee) {
				return true
			}
		}
	}
	return false
}

// enoughLeaderSupport reports whether a stake quorum of decision round
// blocks are certificates for the leader block.
func (base *baseCommitter) enoughLeaderSupport(decisionRound Round, leaderBlock *VerifiedBlock) bool {
	support := NewStakeAggregator(QuorumThreshold)
	voteCache := make(map[BlockRef]bool)
	for _, decisionBlock := range base.dagState.GetUncommittedBlocksAtRound(decisionRound) {
		if base.isCertificate(decisionBlock, leaderBlock, voteCache) {
			if support.Add(decisionBlock.Author(), base.context.Committee) {
				return true
			}
		}
	}
	return false
}

// isCertificate reports whether potentialCertificate carries a stake quorum
// of votes for the leader block among its ancestors.
func (base *baseCommitter) isCertificate(
	potentialCertificate *VerifiedBlock,
	leaderBlock *VerifiedBlock,
	voteCache map[BlockRef]bool,
) bool {
	votes := NewStakeAggregator(QuorumThreshold)
	leaderRef := leaderBlock.Reference()
	for _, ancestorRef := range potentialCertificate.Ancestors() {
		isVote, cached := voteCache[ancestorRef]
		if !cached {
			ancestor := base.dagState.GetBlock(ancestorRef)
			if ancestor == nil {
				panic(fmt.Sprintf(
					"baseCommitter.isCertificate: ancestor %s of accepted block %s not found",
					ancestorRef, potentialCertificate.Reference()))
			}
			isVote = blockVotesFor(ancestor, leaderRef)
			voteCache[ancestorRef] = isVote
		}
		if isVote {
			if votes.Add(ancestorRef.Author, base.context.Committee) {
				return true
			}
		}
	}
	return false
}

// tryIndirectDecide decides the slot through the first committed anchor at
// round >= slot round + wave length. laterStatuses must be in ascending
// round order.
func (base *baseCommitter) tryIndirectDecide(leader Slot, laterStatuses []DecidedLeader) DecidedLeader {
	for _, status := range laterStatuses {
		if status.Slot.Round < leader.Round+waveLength {
			continue
		}
		if status.Kind != LeaderCommitted {
			continue
		}
		return base.decideLeaderFromAnchor(status.Block, leader)
	}
	return DecidedLeader{Kind: LeaderUndecided, Slot: leader}
}

// decideLeaderFromAnchor resolves the slot by inspecting the decision round
// blocks inside the anchor's causal history: if any of them certifies a
// leader block the slot commits, otherwise it is skipped.
func (base *baseCommitter) decideLeaderFromAnchor(anchor *VerifiedBlock, leader Slot) DecidedLeader {
	decisionBlocks := base.ancestorsAtRound(anchor, base.decisionRound(leader.Round))

	leaderBlocks := base.dagState.GetUncommittedBlocksAtSlot(leader)
	voteCache := make(map[BlockRef]bool)
	for _, leaderBlock := range leaderBlocks {
		for _, decisionBlock := range decisionBlocks {
			if base.isCertificate(decisionBlock, leaderBlock, voteCache) {
				return DecidedLeader{Kind: LeaderCommitted, Slot: leader, Block: leaderBlock}
			}
		}
	}
	return DecidedLeader{Kind: LeaderSkipped, Slot: leader}
}

// ancestorsAtRound collects the blocks at the target round reachable from
// the anchor through ancestor links.
func (base *baseCommitter) ancestorsAtRound(anchor *VerifiedBlock, round Round) []*VerifiedBlock {
	visited := map[BlockRef]struct{}{anchor.Reference(): {}}
	var result []*VerifiedBlock
	frontier := []*VerifiedBlock{anchor}
	for len(frontier) > 0 {
		block := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if block.Round() == round {
			result = append(result, block)
			continue
		}
		if block.Round() < round {
			continue
		}
		for _, ancestorRef := range block.Ancestors() {
			if _, ok := visited[ancestorRef]; ok {
				continue
			}
			visited[ancestorRef] = struct{}{}
			if ancestorRef.Round < round {
				continue
			}
			ancestor := base.dagState.GetBlock(ancestorRef)
			if ancestor == nil {
				panic(fmt.Sprintf(
					"baseCommitter.ancestorsAtRound: ancestor %s of accepted block %s not found",
					ancestorRef, block.Reference()))
			}
			frontier = append(frontier, ancestor)
		}
	}
	return result
}
