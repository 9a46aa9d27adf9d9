package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the prometheus surface of the engine. Every context owns its
// own registry so tests can run many nodes in one process without label
// collisions.
type Metrics struct {
	ThresholdClockRound    prometheus.Gauge
	LastCommittedIndex     prometheus.Gauge
	LastDecidedLeaderRound prometheus.Gauge
	LastKnownOwnBlockRound prometheus.Gauge

	ProposedBlocks     *prometheus.CounterVec
	LeaderTimeouts     *prometheus.CounterVec
	BlockAncestors     prometheus.Histogram
	BlockSize          prometheus.Histogram
	AddBlocksBatchSize prometheus.Histogram

	AcceptedBlocks         prometheus.Counter
	SuspendedBlocks        prometheus.Counter
	InvalidBlocks          *prometheus.CounterVec
	RejectedFetchResponses *prometheus.CounterVec

	CommittedSubDags      prometheus.Counter
	CommittedBlocks       prometheus.Counter
	LeaderScheduleUpdates prometheus.Counter

	FetchedBlocksByPeer      *prometheus.CounterVec
	MissingBlocksByAuthority *prometheus.CounterVec
	MissingBlocksAfterFetch  prometheus.Counter
	SchedulerSkips           *prometheus.CounterVec
	SchedulerInflight        prometheus.Gauge
	SynchronizerSaturated    *prometheus.CounterVec
	OwnBlockRecoveryRetries  prometheus.Counter

	QuorumCommitIndex prometheus.Gauge
}

// NewMetrics registers the engine metrics with the provided registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		ThresholdClockRound: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_threshold_clock_round",
			Help: "Current round of the threshold clock.",
		}),
		LastCommittedIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_last_committed_index",
			Help: "Index of the last committed sub-dag.",
		}),
		LastDecidedLeaderRound: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_last_decided_leader_round",
			Help: "Round of the last decided leader slot.",
		}),
		LastKnownOwnBlockRound: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_last_known_own_block_round",
			Help: "Highest own block round recovered from peers.",
		}),
		ProposedBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_proposed_blocks_total",
			Help: "Number of blocks proposed, by forced flag.",
		}, []string{"forced"}),
		LeaderTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_leader_timeouts_total",
			Help: "Number of leader timeout triggered proposals, by forced flag.",
		}, []string{"forced"}),
		BlockAncestors: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consensus_block_ancestors",
			Help:    "Number of ancestors included in proposed blocks.",
			Buckets: prometheus.LinearBuckets(0, 5, 20),
		}),
		BlockSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consensus_block_size_bytes",
			Help:    "Serialized size of proposed blocks.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 16),
		}),
		AddBlocksBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consensus_add_blocks_batch_size",
			Help:    "Batch sizes handed to Core.AddBlocks.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		AcceptedBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_accepted_blocks_total",
			Help: "Blocks accepted into the DAG.",
		}),
		SuspendedBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_suspended_blocks_total",
			Help: "Blocks suspended on missing causal history.",
		}),
		InvalidBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_invalid_blocks_total",
			Help: "Blocks rejected by verification, by peer hostname, source and error kind.",
		}, []string{"peer_hostname", "source", "error_kind"}),
		RejectedFetchResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_rejected_fetch_responses_total",
			Help: "Fetch responses dropped whole, by peer hostname and error kind.",
		}, []string{"peer_hostname", "error_kind"}),
		CommittedSubDags: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_committed_subdags_total",
			Help: "Committed sub-dags forwarded downstream.",
		}),
		CommittedBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_committed_blocks_total",
			Help: "Blocks linearized into committed sub-dags.",
		}),
		LeaderScheduleUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_leader_schedule_updates_total",
			Help: "Leader schedule swap table recomputations.",
		}),
		FetchedBlocksByPeer: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_fetched_blocks_total",
			Help: "Blocks fetched by the synchronizer, by peer hostname and method.",
		}, []string{"peer_hostname", "method"}),
		MissingBlocksByAuthority: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_missing_blocks_total",
			Help: "Missing block references scheduled for fetch, by author hostname.",
		}, []string{"authority_hostname"}),
		MissingBlocksAfterFetch: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_missing_blocks_after_fetch_total",
			Help: "Missing ancestors still reported by Core after processing a fetch.",
		}),
		SchedulerSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_fetch_scheduler_skips_total",
			Help: "Periodic fetch runs skipped, by reason.",
		}, []string{"reason"}),
		SchedulerInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_fetch_scheduler_inflight",
			Help: "Whether a periodic fetch run is in flight.",
		}),
		SynchronizerSaturated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_synchronizer_saturated_total",
			Help: "Fetch requests dropped because a peer fetch queue was full.",
		}, []string{"peer_hostname"}),
		OwnBlockRecoveryRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_own_block_recovery_retries_total",
			Help: "Retries of the own-last-block recovery round.",
		}),
		QuorumCommitIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_quorum_commit_index",
			Help: "Highest commit index backed by a validity quorum of peer votes.",
		}),
	}
}
