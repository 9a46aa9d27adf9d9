package consensus

import (
	"fmt"
)

// ReputationScores holds the per-authority scores computed over one scoring
// window of commits. Scores reward authorities whose blocks voted for the
// window's leaders.
type ReputationScores struct {
	// CommitRange is the window of commits the scores were computed over.
	CommitRange CommitRange
	// Scores has one entry per authority, in committee order.
	Scores []uint64
}

func NewReputationScores(committeeSize int, commitRange CommitRange) *ReputationScores {
	return &ReputationScores{
		CommitRange: commitRange,
		Scores:      make([]uint64, committeeSize),
	}
}

func (scores *ReputationScores) String() string {
	return fmt.Sprintf("ReputationScores(%s, %v)", scores.CommitRange, scores.Scores)
}

// CalculateReputationScores scores the authorities over the provided
// scoring window. An authority earns one point for every block it authored
// in the window that votes for (directly references) a leader of the
// window. The computation is a pure function of the sub-dags, so every
// correct node derives identical scores for identical windows.
func CalculateReputationScores(context *Context, subdags []*CommittedSubDag) *ReputationScores {
	commitRange := CommitRange{}
	if len(subdags) > 0 {
		commitRange.Start = subdags[0].CommitIndex
		commitRange.End = subdags[len(subdags)-1].CommitIndex
	}
	scores := NewReputationScores(context.Committee.Size(), commitRange)

	// Leader refs of the window, keyed by the round blocks voting for them
	// live in.
	leadersByVoteRound := make(map[Round][]BlockRef)
	for _, subdag := range subdags {
		leaderRef := subdag.Leader.Reference()
		leadersByVoteRound[leaderRef.Round+1] = append(leadersByVoteRound[leaderRef.Round+1], leaderRef)
	}

	for _, subdag := range subdags {
		for _, block := range subdag.Blocks {
			leaders := leadersByVoteRound[block.Round()]
			if len(leaders) == 0 {
				continue
			}
			for _, leaderRef := range leaders {
				if blockVotesFor(block, leaderRef) {
					scores.Scores[block.Author()]++
				}
			}
		}
	}
	return scores
}

func blockVotesFor(block *VerifiedBlock, leaderRef BlockRef) bool {
	for _, ancestor := range block.Ancestors() {
		if ancestor == leaderRef {
			return true
		}
	}
	return false
}
