package consensus

// ThresholdKind selects which stake threshold a StakeAggregator tests
// against.
type ThresholdKind int

const (
	// QuorumThreshold requires 2f+1 stake.
	QuorumThreshold ThresholdKind = iota
	// ValidityThreshold requires f+1 stake.
	ValidityThreshold
)

// StakeAggregator accumulates the stake of distinct authorities and reports
// when the configured threshold is reached. Adding the same authority twice
// counts its stake once.
type StakeAggregator struct {
	kind  ThresholdKind
	votes map[AuthorityIndex]struct{}
	stake Stake
}

func NewStakeAggregator(kind ThresholdKind) *StakeAggregator {
	return &StakeAggregator{
		kind:  kind,
		votes: make(map[AuthorityIndex]struct{}),
	}
}

// Add records the authority's stake and reports whether the threshold is
// reached after the addition.
func (agg *StakeAggregator) Add(authority AuthorityIndex, committee *Committee) bool {
	if _, ok := agg.votes[authority]; !ok {
		agg.votes[authority] = struct{}{}
		agg.stake += committee.Stake(authority)
	}
	return agg.ReachedThreshold(committee)
}

// Stake returns the accumulated stake.
func (agg *StakeAggregator) Stake() Stake {
	return agg.stake
}

// ReachedThreshold reports whether the accumulated stake meets the
// configured threshold for the committee.
func (agg *StakeAggregator) ReachedThreshold(committee *Committee) bool {
	if agg.kind == ValidityThreshold {
		return committee.ReachedValidity(agg.stake)
	}
	return committee.ReachedQuorum(agg.stake)
}

// Clear resets the aggregator for reuse.
func (agg *StakeAggregator) Clear() {
	agg.votes = make(map[AuthorityIndex]struct{})
	agg.stake = 0
}
