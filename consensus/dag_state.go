package consensus

import (
	"fmt"
	"sort"

	"github.com/deso-protocol/go-deadlock"
	"github.com/golang/glog"
)

// DagState caches the recent blocks of the DAG and buffers writes to the
// Store: blocks, committed sub-dags and the per-authority committed round
// watermarks. It is the source of truth for "latest block per authority"
// queries.
//
// DagState is shared by Core, BlockManager, CommitObserver and the
// Synchronizer under a single-writer discipline: the only mutating callers
// are BlockManager (accept) and CommitObserver (commit), both invoked from
// the core dispatcher goroutine, so writes are effectively serialized. The
// internal RWMutex protects the concurrent readers.
type DagState struct {
	mtx     deadlock.RWMutex
	context *Context
	store   Store

	// genesis is the synthetic round-0 block per authority, kept outside
	// the eviction window as the permanent fallback.
	genesis map[BlockRef]*VerifiedBlock

	// recentBlocks caches accepted blocks within the configured number of
	// rounds; recentRefs keeps per-authority refs sorted by round.
	recentBlocks map[BlockRef]*VerifiedBlock
	recentRefs   [][]BlockRef

	highestAcceptedRound Round

	lastCommit          *TrustedCommit
	lastCommittedRounds []Round

	// pendingCommitVotes are own votes for recent commits, drained into the
	// next block proposals.
	pendingCommitVotes []CommitVote

	// unscoredCommittedSubdags is the reputation scoring window since the
	// last leader schedule update.
	unscoredCommittedSubdags []*CommittedSubDag

	// Write-back buffers flushed by Flush().
	blocksToWrite  []*VerifiedBlock
	commitsToWrite []*TrustedCommit
}

// NewDagState recovers the cached state from the store: the last commit, the
// committed round watermarks, and the recent blocks of every authority.
func NewDagState(context *Context, store Store) *DagState {
	committeeSize := context.Committee.Size()
	state := &DagState{
		context:      context,
		store:        store,
		genesis:      make(map[BlockRef]*VerifiedBlock),
		recentBlocks: make(map[BlockRef]*VerifiedBlock),
		recentRefs:   make([][]BlockRef, committeeSize),
	}

	for _, block := range GenesisBlocks(context) {
		state.genesis[block.Reference()] = block
	}

	lastCommit, err := store.ReadLastCommit()
	if err != nil {
		panic(fmt.Sprintf("NewDagState: failed to read last commit: %v", err))
	}
	state.lastCommit = lastCommit

	lastCommittedRounds, err := store.ReadLastCommittedRounds()
	if err != nil {
		panic(fmt.Sprintf("NewDagState: failed to read last committed rounds: %v", err))
	}
	if lastCommittedRounds == nil {
		lastCommittedRounds = make([]Round, committeeSize)
	}
	state.lastCommittedRounds = lastCommittedRounds

	for ii := 0; ii < committeeSize; ii++ {
		author := AuthorityIndex(ii)
		startRound := evictionCutoff(lastCommittedRounds[ii], context.Params.DagStateCachedRounds)
		blocks, err := store.ScanBlocksByAuthor(author, startRound)
		if err != nil {
			panic(fmt.Sprintf("NewDagState: failed to scan blocks of authority %d: %v", author, err))
		}
		for _, block := range blocks {
			state.cacheBlock(block)
		}
	}

	if state.lastCommit != nil {
		glog.Infof("DagState recovered at commit index %d, highest accepted round %d",
			state.lastCommit.Index(), state.highestAcceptedRound)
	}
	return state
}

// AcceptBlock caches the block and schedules it for persistence on the next
// Flush. The caller (BlockManager) guarantees the causal history is present.
func (state *DagState) AcceptBlock(block *VerifiedBlock) {
	state.mtx.Lock()
	defer state.mtx.Unlock()
	state.acceptBlockLocked(block)
}

// AcceptBlocks caches a batch of blocks.
func (state *DagState) AcceptBlocks(blocks []*VerifiedBlock) {
	state.mtx.Lock()
	defer state.mtx.Unlock()
	for _, block := range blocks {
		state.acceptBlockLocked(block)
	}
}

func (state *DagState) acceptBlockLocked(block *VerifiedBlock) {
	ref := block.Reference()
	if _, ok := state.recentBlocks[ref]; ok {
		return
	}
	state.cacheBlock(block)
	state.blocksToWrite = append(state.blocksToWrite, block)
}

// cacheBlock inserts into the in-memory indices only.
func (state *DagState) cacheBlock(block *VerifiedBlock) {
	ref := block.Reference()
	if _, ok := state.recentBlocks[ref]; ok {
		return
	}
	state.recentBlocks[ref] = block
	refs := state.recentRefs[ref.Author]
	pos := sort.Search(len(refs), func(i int) bool { return !refs[i].Less(ref) })
	refs = append(refs, BlockRef{})
	copy(refs[pos+1:], refs[pos:])
	refs[pos] = ref
	state.recentRefs[ref.Author] = refs
	if ref.Round > state.highestAcceptedRound {
		state.highestAcceptedRound = ref.Round
	}
}

// GetBlock returns the block for ref from the cache, the genesis set or the
// store, or nil when unknown.
func (state *DagState) GetBlock(ref BlockRef) *VerifiedBlock {
	blocks := state.GetBlocks([]BlockRef{ref})
	return blocks[0]
}

// GetBlocks returns one entry per ref; unknown blocks are nil.
func (state *DagState) GetBlocks(refs []BlockRef) []*VerifiedBlock {
	state.mtx.RLock()
	blocks := make([]*VerifiedBlock, len(refs))
	var missingIndices []int
	var missingRefs []BlockRef
	for ii, ref := range refs {
		if block, ok := state.recentBlocks[ref]; ok {
			blocks[ii] = block
			continue
		}
		if block, ok := state.genesis[ref]; ok {
			blocks[ii] = block
			continue
		}
		missingIndices = append(missingIndices, ii)
		missingRefs = append(missingRefs, ref)
	}
	state.mtx.RUnlock()

	if len(missingRefs) > 0 {
		stored, err := state.store.ReadBlocks(missingRefs)
		if err != nil {
			panic(fmt.Sprintf("DagState.GetBlocks: store read failed: %v", err))
		}
		for ii, block := range stored {
			blocks[missingIndices[ii]] = block
		}
	}
	return blocks
}

// ContainsBlock reports whether the block is known to the DAG (cached,
// genesis or persisted).
func (state *DagState) ContainsBlock(ref BlockRef) bool {
	return state.GetBlock(ref) != nil
}

// ContainsCachedBlockAtSlot reports whether any cached block occupies slot.
func (state *DagState) ContainsCachedBlockAtSlot(slot Slot) bool {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	if slot.Round == GenesisRound {
		for ref := range state.genesis {
			if ref.Author == slot.Author {
				return true
			}
		}
	}
	return state.findCachedAtSlotLocked(slot) != nil
}

func (state *DagState) findCachedAtSlotLocked(slot Slot) []BlockRef {
	refs := state.recentRefs[slot.Author]
	lo := sort.Search(len(refs), func(i int) bool { return refs[i].Round >= slot.Round })
	hi := lo
	for hi < len(refs) && refs[hi].Round == slot.Round {
		hi++
	}
	if lo == hi {
		return nil
	}
	return refs[lo:hi]
}

// GetUncommittedBlocksAtSlot returns the cached blocks occupying slot.
// Usually zero or one block; more than one means the author equivocated.
func (state *DagState) GetUncommittedBlocksAtSlot(slot Slot) []*VerifiedBlock {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	var blocks []*VerifiedBlock
	for _, ref := range state.findCachedAtSlotLocked(slot) {
		blocks = append(blocks, state.recentBlocks[ref])
	}
	return blocks
}

// GetUncommittedBlocksAtRound returns all cached blocks of the round, in
// canonical (author, digest) order.
func (state *DagState) GetUncommittedBlocksAtRound(round Round) []*VerifiedBlock {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	var blocks []*VerifiedBlock
	for authority := range state.recentRefs {
		for _, ref := range state.findCachedAtSlotLocked(NewSlot(round, AuthorityIndex(authority))) {
			blocks = append(blocks, state.recentBlocks[ref])
		}
	}
	return blocks
}

// GetLastBlockForAuthority returns the highest-round cached block of the
// authority, or its genesis block when none is cached.
func (state *DagState) GetLastBlockForAuthority(author AuthorityIndex) *VerifiedBlock {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	return state.lastBlockForAuthorityLocked(author, MaxRound)
}

func (state *DagState) lastBlockForAuthorityLocked(author AuthorityIndex, beforeRound Round) *VerifiedBlock {
	refs := state.recentRefs[author]
	pos := sort.Search(len(refs), func(i int) bool { return refs[i].Round >= beforeRound })
	if pos > 0 {
		return state.recentBlocks[refs[pos-1]]
	}
	for ref, block := range state.genesis {
		if ref.Author == author {
			return block
		}
	}
	panic(fmt.Sprintf("DagState: no genesis block for authority %d", author))
}

// GetLastCachedBlockPerAuthority returns, for every authority, the highest
// cached block with round < beforeRound, falling back to genesis. The result
// has exactly committee size entries, in authority order.
func (state *DagState) GetLastCachedBlockPerAuthority(beforeRound Round) []*VerifiedBlock {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	blocks := make([]*VerifiedBlock, state.context.Committee.Size())
	for ii := range blocks {
		blocks[ii] = state.lastBlockForAuthorityLocked(AuthorityIndex(ii), beforeRound)
	}
	return blocks
}

// GetLastProposedBlock returns our own latest block (genesis if none).
func (state *DagState) GetLastProposedBlock() *VerifiedBlock {
	return state.GetLastBlockForAuthority(state.context.OwnIndex)
}

// HighestAcceptedRound returns the highest round of any accepted block.
func (state *DagState) HighestAcceptedRound() Round {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	return state.highestAcceptedRound
}

// LastCommitIndex returns the index of the latest commit, zero when none.
func (state *DagState) LastCommitIndex() CommitIndex {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	if state.lastCommit == nil {
		return 0
	}
	return state.lastCommit.Index()
}

// LastCommitDigest returns the digest of the latest commit, zero when none.
func (state *DagState) LastCommitDigest() CommitDigest {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	if state.lastCommit == nil {
		return CommitDigest{}
	}
	return state.lastCommit.Digest()
}

// LastCommitLeader returns the leader slot of the latest commit. The zero
// slot when nothing has been committed yet.
func (state *DagState) LastCommitLeader() Slot {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	if state.lastCommit == nil {
		return Slot{}
	}
	return SlotFromRef(state.lastCommit.Leader())
}

// LastCommitTimestampMs returns the timestamp of the latest commit.
func (state *DagState) LastCommitTimestampMs() uint64 {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	if state.lastCommit == nil {
		return 0
	}
	return state.lastCommit.Commit().TimestampMs
}

// LastCommittedRounds returns a copy of the per-authority committed round
// watermarks.
func (state *DagState) LastCommittedRounds() []Round {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	return append([]Round{}, state.lastCommittedRounds...)
}

// AddCommit records a new commit: it becomes the latest commit, its blocks
// advance the committed round watermarks, an own commit vote is queued for
// the next proposals, and the record is scheduled for persistence.
func (state *DagState) AddCommit(commit *TrustedCommit) {
	state.mtx.Lock()
	defer state.mtx.Unlock()
	if state.lastCommit != nil {
		if commit.Index() != state.lastCommit.Index()+1 {
			panic(fmt.Sprintf("DagState.AddCommit: commit index %d does not follow %d",
				commit.Index(), state.lastCommit.Index()))
		}
	} else if commit.Index() != 1 {
		panic(fmt.Sprintf("DagState.AddCommit: first commit must have index 1, got %d", commit.Index()))
	}
	state.lastCommit = commit
	for _, ref := range commit.Commit().Blocks {
		if ref.Round > state.lastCommittedRounds[ref.Author] {
			state.lastCommittedRounds[ref.Author] = ref.Round
		}
	}
	state.pendingCommitVotes = append(state.pendingCommitVotes,
		CommitVote{Index: commit.Index(), Digest: commit.Digest()})
	state.commitsToWrite = append(state.commitsToWrite, commit)
}

// TakeCommitVotes removes and returns up to limit pending commit votes.
func (state *DagState) TakeCommitVotes(limit int) []CommitVote {
	state.mtx.Lock()
	defer state.mtx.Unlock()
	if limit > len(state.pendingCommitVotes) {
		limit = len(state.pendingCommitVotes)
	}
	votes := append([]CommitVote{}, state.pendingCommitVotes[:limit]...)
	state.pendingCommitVotes = state.pendingCommitVotes[limit:]
	return votes
}

// AddUnscoredCommittedSubdags extends the reputation scoring window.
func (state *DagState) AddUnscoredCommittedSubdags(subdags []*CommittedSubDag) {
	state.mtx.Lock()
	defer state.mtx.Unlock()
	state.unscoredCommittedSubdags = append(state.unscoredCommittedSubdags, subdags...)
}

// UnscoredCommittedSubdagsCount returns the size of the scoring window.
func (state *DagState) UnscoredCommittedSubdagsCount() uint64 {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	return uint64(len(state.unscoredCommittedSubdags))
}

// TakeUnscoredCommittedSubdags empties and returns the scoring window.
func (state *DagState) TakeUnscoredCommittedSubdags() []*CommittedSubDag {
	state.mtx.Lock()
	defer state.mtx.Unlock()
	subdags := state.unscoredCommittedSubdags
	state.unscoredCommittedSubdags = nil
	return subdags
}

// LastQuorum returns the blocks of the highest round holding a stake quorum,
// or the genesis blocks when no such round exists. Used on recovery to
// replay the threshold clock.
func (state *DagState) LastQuorum() []*VerifiedBlock {
	state.mtx.RLock()
	defer state.mtx.RUnlock()
	for round := state.highestAcceptedRound; round > GenesisRound; round-- {
		aggregator := NewStakeAggregator(QuorumThreshold)
		var blocks []*VerifiedBlock
		for authority := range state.recentRefs {
			for _, ref := range state.findCachedAtSlotLocked(NewSlot(round, AuthorityIndex(authority))) {
				blocks = append(blocks, state.recentBlocks[ref])
				aggregator.Add(ref.Author, state.context.Committee)
			}
		}
		if aggregator.ReachedThreshold(state.context.Committee) {
			return blocks
		}
	}
	blocks := make([]*VerifiedBlock, 0, len(state.genesis))
	for _, block := range state.genesis {
		blocks = append(blocks, block)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Author() < blocks[j].Author() })
	return blocks
}

// Flush writes all buffered blocks and commits to the store in one atomic
// batch and evicts cache entries that fell out of the configured window.
// Flush MUST complete before a locally produced block is broadcast.
func (state *DagState) Flush() {
	state.mtx.Lock()
	defer state.mtx.Unlock()
	batch := &WriteBatch{
		Blocks:  state.blocksToWrite,
		Commits: state.commitsToWrite,
	}
	if len(batch.Commits) > 0 {
		batch.LastCommittedRounds = append([]Round{}, state.lastCommittedRounds...)
	}
	if !batch.IsEmpty() {
		if err := state.store.Write(batch); err != nil {
			panic(fmt.Sprintf("DagState.Flush: store write failed: %v", err))
		}
		glog.V(2).Infof("DagState.Flush: wrote %d blocks, %d commits",
			len(batch.Blocks), len(batch.Commits))
	}
	state.blocksToWrite = nil
	state.commitsToWrite = nil
	state.evictCacheLocked()
}

func (state *DagState) evictCacheLocked() {
	for authority, refs := range state.recentRefs {
		cutoff := evictionCutoff(
			state.lastCommittedRounds[authority], state.context.Params.DagStateCachedRounds)
		if cutoff == 0 {
			continue
		}
		pos := sort.Search(len(refs), func(i int) bool { return refs[i].Round >= cutoff })
		if pos == 0 {
			continue
		}
		for _, ref := range refs[:pos] {
			delete(state.recentBlocks, ref)
		}
		state.recentRefs[authority] = append([]BlockRef{}, refs[pos:]...)
	}
}

// evictionCutoff is the lowest round kept in cache for an authority with the
// given committed round watermark.
func evictionCutoff(lastCommittedRound Round, cachedRounds uint32) Round {
	if lastCommittedRound <= Round(cachedRounds) {
		return 0
	}
	return lastCommittedRound - Round(cachedRounds)
}
