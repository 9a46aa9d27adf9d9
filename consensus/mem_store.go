package consensus

import (
	"sort"
	"sync"
)

// MemStore is an in-memory Store used by tests and single-node setups. It
// honors the same atomicity contract as the persistent store: a Write is
// applied under one lock acquisition.
type MemStore struct {
	mtx                 sync.RWMutex
	blocks              map[BlockRef]*VerifiedBlock
	blocksByAuthor      map[AuthorityIndex][]BlockRef
	commits             map[CommitIndex]*TrustedCommit
	lastCommitIndex     CommitIndex
	lastCommittedRounds []Round
}

func NewMemStore() *MemStore {
	return &MemStore{
		blocks:         make(map[BlockRef]*VerifiedBlock),
		blocksByAuthor: make(map[AuthorityIndex][]BlockRef),
		commits:        make(map[CommitIndex]*TrustedCommit),
	}
}

func (store *MemStore) Write(batch *WriteBatch) error {
	store.mtx.Lock()
	defer store.mtx.Unlock()
	for _, block := range batch.Blocks {
		ref := block.Reference()
		if _, ok := store.blocks[ref]; ok {
			continue
		}
		store.blocks[ref] = block
		refs := store.blocksByAuthor[ref.Author]
		pos := sort.Search(len(refs), func(i int) bool { return !refs[i].Less(ref) })
		refs = append(refs, BlockRef{})
		copy(refs[pos+1:], refs[pos:])
		refs[pos] = ref
		store.blocksByAuthor[ref.Author] = refs
	}
	for _, commit := range batch.Commits {
		store.commits[commit.Index()] = commit
		if commit.Index() > store.lastCommitIndex {
			store.lastCommitIndex = commit.Index()
		}
	}
	if batch.LastCommittedRounds != nil {
		store.lastCommittedRounds = append([]Round{}, batch.LastCommittedRounds...)
	}
	return nil
}

func (store *MemStore) ReadBlocks(refs []BlockRef) ([]*VerifiedBlock, error) {
	store.mtx.RLock()
	defer store.mtx.RUnlock()
	blocks := make([]*VerifiedBlock, len(refs))
	for ii, ref := range refs {
		blocks[ii] = store.blocks[ref]
	}
	return blocks, nil
}

func (store *MemStore) ReadLastCommit() (*TrustedCommit, error) {
	store.mtx.RLock()
	defer store.mtx.RUnlock()
	if store.lastCommitIndex == 0 {
		return nil, nil
	}
	return store.commits[store.lastCommitIndex], nil
}

func (store *MemStore) ScanCommits(commitRange CommitRange) ([]*TrustedCommit, error) {
	store.mtx.RLock()
	defer store.mtx.RUnlock()
	commits := []*TrustedCommit{}
	for index := commitRange.Start; index <= commitRange.End; index++ {
		commit, ok := store.commits[index]
		if !ok {
			break
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

func (store *MemStore) ScanBlocksByAuthor(author AuthorityIndex, startRound Round) ([]*VerifiedBlock, error) {
	store.mtx.RLock()
	defer store.mtx.RUnlock()
	blocks := []*VerifiedBlock{}
	for _, ref := range store.blocksByAuthor[author] {
		if ref.Round >= startRound {
			blocks = append(blocks, store.blocks[ref])
		}
	}
	return blocks, nil
}

func (store *MemStore) ReadLastCommittedRounds() ([]Round, error) {
	store.mtx.RLock()
	defer store.mtx.RUnlock()
	if store.lastCommittedRounds == nil {
		return nil, nil
	}
	return append([]Round{}, store.lastCommittedRounds...), nil
}
