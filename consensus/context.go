package consensus

import (
	"github.com/carry2web/core/signing"
	"github.com/prometheus/client_golang/prometheus"
)

// Context bundles the static environment of one authority: the committee it
// belongs to, its own index, the clock, the parameters and the metrics
// registry. A Context is immutable and shared by every component.
type Context struct {
	Committee *Committee
	OwnIndex  AuthorityIndex
	Clock     Clock
	Params    Params
	Metrics   *Metrics
}

func NewContext(
	committee *Committee,
	ownIndex AuthorityIndex,
	clock Clock,
	params Params,
	registerer prometheus.Registerer,
) *Context {
	return &Context{
		Committee: committee,
		OwnIndex:  ownIndex,
		Clock:     clock,
		Params:    params,
		Metrics:   NewMetrics(registerer),
	}
}

// NewContextForTest builds a context with committeeSize equally staked
// authorities, a settable test clock starting at a fixed instant, default
// parameters and a private metrics registry. Returns the context and the
// authority signers in index order.
func NewContextForTest(committeeSize int) (*Context, []*signing.Signer) {
	stakes := make([]Stake, committeeSize)
	for ii := range stakes {
		stakes[ii] = 1
	}
	committee, signers := NewCommitteeForTest(0, stakes)
	params := DefaultParams()
	params.MinRoundDelay = 0
	clock := NewTestClock(testEpochStart)
	context := NewContext(committee, 0, clock, params, prometheus.NewRegistry())
	return context, signers
}

// WithOwnIndex returns a copy of the context with a different own index.
// Metrics are re-created on the provided registerer to keep per-node
// registries separate in multi-node tests.
func (context *Context) WithOwnIndex(index AuthorityIndex, registerer prometheus.Registerer) *Context {
	clone := *context
	clone.OwnIndex = index
	clone.Metrics = NewMetrics(registerer)
	return &clone
}
