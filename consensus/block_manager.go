package consensus

import (
	"sort"

	"github.com/golang/glog"
)

// BlockManager admits verified blocks into the DAG only when their entire
// causal history is present. Blocks with absent ancestors are suspended
// until the history closes; the refs that are unknown altogether are
// reported back so the synchronizer can fetch them.
type BlockManager struct {
	context  *Context
	dagState *DagState

	// suspended maps a block ref to its block and the set of ancestors the
	// block is still waiting on (unknown or themselves suspended).
	suspended map[BlockRef]*suspendedBlock
	// dependents is the reverse index: ancestor ref -> suspended blocks
	// waiting on it.
	dependents map[BlockRef]map[BlockRef]struct{}
	// missing is the set of refs with no block data at all, each blocking at
	// least one suspended block.
	missing map[BlockRef]struct{}
}

type suspendedBlock struct {
	block    *VerifiedBlock
	awaiting map[BlockRef]struct{}
}

func NewBlockManager(context *Context, dagState *DagState) *BlockManager {
	return &BlockManager{
		context:    context,
		dagState:   dagState,
		suspended:  make(map[BlockRef]*suspendedBlock),
		dependents: make(map[BlockRef]map[BlockRef]struct{}),
		missing:    make(map[BlockRef]struct{}),
	}
}

// TryAcceptBlocks feeds verified blocks into the DAG. It returns the blocks
// accepted (in causal order, possibly including previously suspended
// dependents) and the ancestor refs newly discovered missing, deduplicated.
// A structurally invalid block fails the whole call with BlockNotAcceptable.
func (manager *BlockManager) TryAcceptBlocks(blocks []*VerifiedBlock) ([]*VerifiedBlock, []BlockRef, error) {
	for _, block := range blocks {
		if err := manager.checkStructure(block); err != nil {
			return nil, nil, err
		}
	}

	// Accept lowest rounds first so that intra-batch parent links resolve.
	sorted := append([]*VerifiedBlock{}, blocks...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Reference().Less(sorted[j].Reference())
	})

	var accepted []*VerifiedBlock
	var newlyMissing []BlockRef
	for _, block := range sorted {
		ref := block.Reference()
		// The data for this ref is now known, whatever happens next.
		delete(manager.missing, ref)

		if _, ok := manager.suspended[ref]; ok {
			continue
		}
		if manager.dagState.ContainsBlock(ref) {
			continue
		}

		awaiting := make(map[BlockRef]struct{})
		for _, ancestor := range block.Ancestors() {
			if manager.isAcceptedLocked(ancestor) {
				continue
			}
			awaiting[ancestor] = struct{}{}
			if _, suspendedAncestor := manager.suspended[ancestor]; !suspendedAncestor {
				if _, known := manager.missing[ancestor]; !known {
					manager.missing[ancestor] = struct{}{}
					newlyMissing = append(newlyMissing, ancestor)
				}
			}
			dependents, ok := manager.dependents[ancestor]
			if !ok {
				dependents = make(map[BlockRef]struct{})
				manager.dependents[ancestor] = dependents
			}
			dependents[ref] = struct{}{}
		}

		if len(awaiting) > 0 {
			manager.suspended[ref] = &suspendedBlock{block: block, awaiting: awaiting}
			manager.context.Metrics.SuspendedBlocks.Inc()
			glog.V(1).Infof("BlockManager.TryAcceptBlocks: suspended block %s on %d pending ancestors",
				ref, len(awaiting))
			continue
		}
		accepted = append(accepted, manager.acceptAndUnsuspend(block)...)
	}

	SortBlockRefs(newlyMissing)
	return accepted, newlyMissing, nil
}

// acceptAndUnsuspend accepts the block into DagState and cascades acceptance
// to any suspended dependents whose history is now complete. Returns all
// blocks accepted, in causal order.
func (manager *BlockManager) acceptAndUnsuspend(block *VerifiedBlock) []*VerifiedBlock {
	accepted := []*VerifiedBlock{}
	queue := []*VerifiedBlock{block}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		ref := current.Reference()

		manager.dagState.AcceptBlock(current)
		manager.context.Metrics.AcceptedBlocks.Inc()
		accepted = append(accepted, current)

		dependents := manager.dependents[ref]
		delete(manager.dependents, ref)
		var readyRefs []BlockRef
		for dependentRef := range dependents {
			dependent := manager.suspended[dependentRef]
			delete(dependent.awaiting, ref)
			if len(dependent.awaiting) == 0 {
				readyRefs = append(readyRefs, dependentRef)
			}
		}
		// Deterministic cascade order.
		SortBlockRefs(readyRefs)
		for _, readyRef := range readyRefs {
			ready := manager.suspended[readyRef]
			delete(manager.suspended, readyRef)
			queue = append(queue, ready.block)
		}
	}
	return accepted
}

func (manager *BlockManager) isAcceptedLocked(ref BlockRef) bool {
	if _, ok := manager.suspended[ref]; ok {
		return false
	}
	return manager.dagState.ContainsBlock(ref)
}

// checkStructure enforces the static block invariants: at most one ancestor
// per author, ancestors strictly below the block round, and a stake quorum
// of parents at the previous round.
func (manager *BlockManager) checkStructure(block *VerifiedBlock) error {
	ref := block.Reference()
	if block.Round() == GenesisRound {
		return newBlockNotAcceptableError(ref, "genesis blocks are derived locally, never transmitted")
	}
	seenAuthors := make(map[AuthorityIndex]struct{})
	parentQuorum := NewStakeAggregator(QuorumThreshold)
	for _, ancestor := range block.Ancestors() {
		if !manager.context.Committee.IsValidIndex(ancestor.Author) {
			return newBlockNotAcceptableError(ref, "ancestor author %d out of range", ancestor.Author)
		}
		if _, dup := seenAuthors[ancestor.Author]; dup {
			return newBlockNotAcceptableError(ref, "duplicate ancestor author %d", ancestor.Author)
		}
		seenAuthors[ancestor.Author] = struct{}{}
		if ancestor.Round >= block.Round() {
			return newBlockNotAcceptableError(ref,
				"ancestor %s not below block round %d", ancestor, block.Round())
		}
		if ancestor.Round == block.Round()-1 {
			parentQuorum.Add(ancestor.Author, manager.context.Committee)
		}
	}
	if !parentQuorum.ReachedThreshold(manager.context.Committee) {
		return newBlockNotAcceptableError(ref,
			"parents at round %d hold %d stake, below quorum", block.Round()-1, parentQuorum.Stake())
	}
	return nil
}

// MissingBlocks returns all refs currently blocking at least one suspended
// block, in canonical order.
func (manager *BlockManager) MissingBlocks() []BlockRef {
	refs := make([]BlockRef, 0, len(manager.missing))
	for ref := range manager.missing {
		refs = append(refs, ref)
	}
	SortBlockRefs(refs)
	return refs
}

// SuspendedCount returns the number of suspended blocks, used by tests and
// metrics.
func (manager *BlockManager) SuspendedCount() int {
	return len(manager.suspended)
}
