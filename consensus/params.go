package consensus

import (
	"time"

	"github.com/spf13/viper"
)

// Recognized configuration keys. These are the knobs operators are expected
// to set; everything else in the engine is a named constant.
const (
	KeyNumLeadersPerRound       = "mysticeti_num_leaders_per_round"
	KeyLeaderScoringAndSchedule = "mysticeti_leader_scoring_and_schedule"
	KeyMinRoundDelay            = "min_round_delay"
	KeyDagStateCachedRounds     = "dag_state_cached_rounds"
	KeyCommitSyncBatchSize      = "commit_sync_batch_size"
	KeySyncLastOwnBlockTimeout  = "sync_last_known_own_block_timeout"
	KeyBadNodesStakeThreshold   = "consensus_bad_nodes_stake_threshold"
	KeyNumCommitsPerSchedule    = "consensus_num_commits_per_schedule"
)

// Params holds the tunable parameters of the consensus engine.
type Params struct {
	// NumLeadersPerRound is the size of the per-round leader set.
	NumLeadersPerRound int
	// LeaderScoringAndSchedule enables reputation-driven leader swap tables.
	LeaderScoringAndSchedule bool
	// MinRoundDelay is the floor between own block proposals.
	MinRoundDelay time.Duration
	// DagStateCachedRounds is the in-memory cache depth per authority and
	// the buffer size of the block broadcast channel.
	DagStateCachedRounds uint32
	// CommitSyncBatchSize is the unit used by the commit-lag threshold.
	CommitSyncBatchSize uint32
	// SyncLastKnownOwnBlockTimeout is the per-attempt budget when recovering
	// our own last proposed block from peers.
	SyncLastKnownOwnBlockTimeout time.Duration
	// BadNodesStakeThreshold caps, as a percentage of total stake, how much
	// stake worth of authorities the leader schedule may demote.
	BadNodesStakeThreshold uint64
	// NumCommitsPerSchedule is the length of the reputation scoring window,
	// in commits, between leader schedule updates.
	NumCommitsPerSchedule uint64
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		NumLeadersPerRound:           1,
		LeaderScoringAndSchedule:     true,
		MinRoundDelay:                50 * time.Millisecond,
		DagStateCachedRounds:         500,
		CommitSyncBatchSize:          100,
		SyncLastKnownOwnBlockTimeout: 5 * time.Second,
		BadNodesStakeThreshold:       20,
		NumCommitsPerSchedule:        300,
	}
}

// ParamsFromViper overlays any configured keys on top of the defaults.
// Durations are expressed in milliseconds in the configuration surface.
func ParamsFromViper(v *viper.Viper) Params {
	params := DefaultParams()
	if v == nil {
		return params
	}
	if v.IsSet(KeyNumLeadersPerRound) {
		if n := v.GetInt(KeyNumLeadersPerRound); n > 0 {
			params.NumLeadersPerRound = n
		}
	}
	if v.IsSet(KeyLeaderScoringAndSchedule) {
		params.LeaderScoringAndSchedule = v.GetBool(KeyLeaderScoringAndSchedule)
	}
	if v.IsSet(KeyMinRoundDelay) {
		params.MinRoundDelay = time.Duration(v.GetUint64(KeyMinRoundDelay)) * time.Millisecond
	}
	if v.IsSet(KeyDagStateCachedRounds) {
		if n := v.GetUint32(KeyDagStateCachedRounds); n > 0 {
			params.DagStateCachedRounds = n
		}
	}
	if v.IsSet(KeyCommitSyncBatchSize) {
		if n := v.GetUint32(KeyCommitSyncBatchSize); n > 0 {
			params.CommitSyncBatchSize = n
		}
	}
	if v.IsSet(KeySyncLastOwnBlockTimeout) {
		params.SyncLastKnownOwnBlockTimeout =
			time.Duration(v.GetUint64(KeySyncLastOwnBlockTimeout)) * time.Millisecond
	}
	if v.IsSet(KeyBadNodesStakeThreshold) {
		params.BadNodesStakeThreshold = v.GetUint64(KeyBadNodesStakeThreshold)
	}
	if v.IsSet(KeyNumCommitsPerSchedule) {
		if n := v.GetUint64(KeyNumCommitsPerSchedule); n > 0 {
			params.NumCommitsPerSchedule = n
		}
	}
	return params
}
