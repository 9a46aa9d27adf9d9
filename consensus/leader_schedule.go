package consensus

import (
	"sort"

	"github.com/deso-protocol/go-deadlock"
	"github.com/golang/glog"
)

// LeaderSchedule maps rounds to their ordered leader authorities. The base
// assignment is a round-robin over the committee; on top of it sits a swap
// table recomputed at fixed commit-index boundaries from reputation scores,
// demoting persistently bad leaders and promoting good ones in their place.
// The swap table is immutable between boundaries, so leader election stays
// a deterministic function of (round, swap table generation).
type LeaderSchedule struct {
	context  *Context
	dagState *DagState

	mtx       deadlock.RWMutex
	swapTable *LeaderSwapTable

	// numCommitsPerSchedule is the scoring window length; overridable for
	// tests via WithNumCommitsPerSchedule.
	numCommitsPerSchedule uint64
}

func NewLeaderSchedule(context *Context, dagState *DagState) *LeaderSchedule {
	schedule := &LeaderSchedule{
		context:               context,
		dagState:              dagState,
		swapTable:             newEmptyLeaderSwapTable(context),
		numCommitsPerSchedule: context.Params.NumCommitsPerSchedule,
	}
	schedule.recoverScoringWindow()
	return schedule
}

// WithNumCommitsPerSchedule overrides the scoring window length. Test hook.
func (schedule *LeaderSchedule) WithNumCommitsPerSchedule(numCommits uint64) *LeaderSchedule {
	schedule.numCommitsPerSchedule = numCommits
	return schedule
}

// recoverScoringWindow rebuilds the unscored sub-dag window after a restart.
// Commits past the last schedule boundary are re-linearized from the store
// so the next boundary fires at the same commit index it would have without
// the restart.
func (schedule *LeaderSchedule) recoverScoringWindow() {
	if !schedule.context.Params.LeaderScoringAndSchedule {
		return
	}
	lastCommitIndex := schedule.dagState.LastCommitIndex()
	unscored := uint64(lastCommitIndex) % schedule.numCommitsPerSchedule
	if unscored == 0 {
		return
	}
	start := CommitIndex(uint64(lastCommitIndex) - unscored + 1)
	commits, err := schedule.dagState.store.ScanCommits(CommitRange{Start: start, End: lastCommitIndex})
	if err != nil {
		glog.Errorf("LeaderSchedule.recoverScoringWindow: failed to scan commits: %v", err)
		return
	}
	subdags := make([]*CommittedSubDag, 0, len(commits))
	for _, commit := range commits {
		subdag := subDagFromCommit(commit, schedule.dagState)
		if subdag == nil {
			glog.Warningf(
				"LeaderSchedule.recoverScoringWindow: blocks of commit %d no longer readable, "+
					"scoring window truncated", commit.Index())
			break
		}
		subdags = append(subdags, subdag)
	}
	schedule.dagState.AddUnscoredCommittedSubdags(subdags)
	glog.Infof("LeaderSchedule.recoverScoringWindow: recovered %d unscored commits", len(subdags))
}

// GetLeaders returns the ordered leaders of the round; the first entry is
// the primary leader.
func (schedule *LeaderSchedule) GetLeaders(round Round) []AuthorityIndex {
	numLeaders := schedule.context.Params.NumLeadersPerRound
	if numLeaders > schedule.context.Committee.Size() {
		numLeaders = schedule.context.Committee.Size()
	}
	leaders := make([]AuthorityIndex, 0, numLeaders)
	for offset := 0; offset < numLeaders; offset++ {
		leaders = append(leaders, schedule.ElectLeader(round, offset))
	}
	return leaders
}

// ElectLeader returns the leader of the round at the given offset within the
// round's leader set.
func (schedule *LeaderSchedule) ElectLeader(round Round, offset int) AuthorityIndex {
	committeeSize := uint64(schedule.context.Committee.Size())
	base := AuthorityIndex((uint64(round) + uint64(offset)) % committeeSize)
	if !schedule.context.Params.LeaderScoringAndSchedule {
		return base
	}
	schedule.mtx.RLock()
	defer schedule.mtx.RUnlock()
	return schedule.swapTable.swap(base, round)
}

// CommitsUntilLeaderScheduleUpdate returns how many commits may still be
// sequenced before the swap table must be recomputed. Zero means the update
// is due now.
func (schedule *LeaderSchedule) CommitsUntilLeaderScheduleUpdate(dagState *DagState) uint64 {
	unscored := dagState.UnscoredCommittedSubdagsCount()
	if unscored >= schedule.numCommitsPerSchedule {
		return 0
	}
	return schedule.numCommitsPerSchedule - unscored
}

// UpdateLeaderSchedule atomically recomputes the swap table from the
// reputation scores of the commits accumulated since the last boundary.
func (schedule *LeaderSchedule) UpdateLeaderSchedule(dagState *DagState) {
	subdags := dagState.TakeUnscoredCommittedSubdags()
	scores := CalculateReputationScores(schedule.context, subdags)
	swapTable := newLeaderSwapTable(schedule.context, scores)

	schedule.mtx.Lock()
	schedule.swapTable = swapTable
	schedule.mtx.Unlock()

	schedule.context.Metrics.LeaderScheduleUpdates.Inc()
	glog.Infof("LeaderSchedule.UpdateLeaderSchedule: new swap table over commits %s: "+
		"%d bad nodes, %d good nodes", scores.CommitRange, len(swapTable.badNodes), len(swapTable.goodNodes))
}

// ReputationScores returns the scores behind the current swap table.
func (schedule *LeaderSchedule) ReputationScores() *ReputationScores {
	schedule.mtx.RLock()
	defer schedule.mtx.RUnlock()
	return schedule.swapTable.reputationScores
}

// LeaderSwapTable demotes the lowest scored authorities (capped by the
// configured stake threshold) out of their leader slots and rotates the
// highest scored authorities in instead.
type LeaderSwapTable struct {
	reputationScores *ReputationScores
	// goodNodes are promotion candidates, highest score first.
	goodNodes []AuthorityIndex
	// badNodes are the demoted authorities.
	badNodes map[AuthorityIndex]struct{}
}

func newEmptyLeaderSwapTable(context *Context) *LeaderSwapTable {
	return &LeaderSwapTable{
		reputationScores: NewReputationScores(context.Committee.Size(), CommitRange{}),
		badNodes:         make(map[AuthorityIndex]struct{}),
	}
}

func newLeaderSwapTable(context *Context, scores *ReputationScores) *LeaderSwapTable {
	committee := context.Committee
	// Authorities ordered by (score, index): ascending for demotion,
	// descending for promotion. The index tie-break keeps the ordering
	// deterministic across nodes.
	byScoreAsc := make([]AuthorityIndex, committee.Size())
	for ii := range byScoreAsc {
		byScoreAsc[ii] = AuthorityIndex(ii)
	}
	sort.Slice(byScoreAsc, func(i, j int) bool {
		a, b := byScoreAsc[i], byScoreAsc[j]
		if scores.Scores[a] != scores.Scores[b] {
			return scores.Scores[a] < scores.Scores[b]
		}
		return a < b
	})

	stakeCap := committee.TotalStake() * Stake(context.Params.BadNodesStakeThreshold) / 100

	badNodes := make(map[AuthorityIndex]struct{})
	badStake := Stake(0)
	for _, authority := range byScoreAsc {
		if badStake+committee.Stake(authority) > stakeCap {
			break
		}
		badStake += committee.Stake(authority)
		badNodes[authority] = struct{}{}
	}

	goodNodes := []AuthorityIndex{}
	goodStake := Stake(0)
	for ii := len(byScoreAsc) - 1; ii >= 0; ii-- {
		authority := byScoreAsc[ii]
		if goodStake+committee.Stake(authority) > stakeCap {
			break
		}
		goodStake += committee.Stake(authority)
		goodNodes = append(goodNodes, authority)
	}

	return &LeaderSwapTable{
		reputationScores: scores,
		goodNodes:        goodNodes,
		badNodes:         badNodes,
	}
}

// swap replaces a demoted base leader with a good node rotated by round.
func (table *LeaderSwapTable) swap(base AuthorityIndex, round Round) AuthorityIndex {
	if len(table.goodNodes) == 0 {
		return base
	}
	if _, bad := table.badNodes[base]; !bad {
		return base
	}
	return table.goodNodes[uint64(round)%uint64(len(table.goodNodes))]
}

// subDagFromCommit re-materializes a committed sub-dag from its persisted
// record, or nil when any of its blocks is unreadable.
func subDagFromCommit(commit *TrustedCommit, dagState *DagState) *CommittedSubDag {
	blocks := dagState.GetBlocks(commit.Commit().Blocks)
	subdagBlocks := make([]*VerifiedBlock, 0, len(blocks))
	var leader *VerifiedBlock
	for _, block := range blocks {
		if block == nil {
			return nil
		}
		subdagBlocks = append(subdagBlocks, block)
		if block.Reference() == commit.Leader() {
			leader = block
		}
	}
	if leader == nil {
		return nil
	}
	return &CommittedSubDag{
		Leader:       leader,
		Blocks:       subdagBlocks,
		TimestampMs:  commit.Commit().TimestampMs,
		CommitIndex:  commit.Index(),
		CommitDigest: commit.Digest(),
	}
}
