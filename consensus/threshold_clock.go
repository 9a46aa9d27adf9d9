package consensus

import (
	"time"
)

// ThresholdClock tracks the current round from accepted block references.
// While at round r the clock aggregates references of round r and advances
// to r+1 once they reach a stake quorum; a reference from a higher round
// jumps the clock straight to that round. The clock never regresses.
type ThresholdClock struct {
	context    *Context
	round      Round
	aggregator *StakeAggregator
	quorumTs   time.Time
}

func NewThresholdClock(context *Context, round Round) *ThresholdClock {
	return &ThresholdClock{
		context:    context,
		round:      round,
		aggregator: NewStakeAggregator(QuorumThreshold),
		quorumTs:   context.Clock.Now(),
	}
}

// AddBlocks observes the provided references. Returns the new round and true
// when the clock advanced, zero and false otherwise.
func (clock *ThresholdClock) AddBlocks(refs []BlockRef) (Round, bool) {
	before := clock.round
	for _, ref := range refs {
		clock.addBlock(ref)
	}
	if clock.round > before {
		return clock.round, true
	}
	return 0, false
}

func (clock *ThresholdClock) addBlock(ref BlockRef) {
	switch {
	case ref.Round < clock.round:
		// Too old to matter for progress.
	case ref.Round == clock.round:
		if clock.aggregator.Add(ref.Author, clock.context.Committee) {
			clock.advance(clock.round + 1)
		}
	default:
		// A reference from a future round jumps the clock forward; the
		// aggregator restarts on the new round.
		clock.advance(ref.Round)
		clock.aggregator.Add(ref.Author, clock.context.Committee)
	}
}

func (clock *ThresholdClock) advance(round Round) {
	clock.round = round
	clock.aggregator.Clear()
	clock.quorumTs = clock.context.Clock.Now()
}

// Round returns the current round of the clock.
func (clock *ThresholdClock) Round() Round {
	return clock.round
}

// QuorumTs returns the instant the clock last advanced.
func (clock *ThresholdClock) QuorumTs() time.Time {
	return clock.quorumTs
}
