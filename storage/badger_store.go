package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/carry2web/core/consensus"
	"github.com/dgraph-io/badger/v3"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// BadgerStore persists consensus state in badger. One Write maps to one
// badger transaction, which gives the all-or-nothing guarantee the engine
// relies on before broadcasting its own blocks.
//
// Key layout (all integers big-endian so lexicographic order matches
// numeric order):
//
//	b:<author u32><round u32><digest 32B> -> serialized signed block
//	c:<commit index u64>                  -> serialized commit
//	m:last_committed_rounds               -> per-authority rounds
type BadgerStore struct {
	db           *badger.DB
	eventManager *EventManager
}

var (
	prefixBlocks           = []byte("b:")
	prefixCommits          = []byte("c:")
	keyLastCommittedRounds = []byte("m:last_committed_rounds")
)

// NewBadgerStore wraps an open badger handle. The event manager may be nil
// when nobody observes storage events.
func NewBadgerStore(db *badger.DB, eventManager *EventManager) *BadgerStore {
	if eventManager == nil {
		eventManager = NewEventManager()
	}
	return &BadgerStore{db: db, eventManager: eventManager}
}

// OpenBadgerStore opens (or creates) the database in dir.
func OpenBadgerStore(dir string, eventManager *EventManager) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "OpenBadgerStore: ")
	}
	return NewBadgerStore(db, eventManager), nil
}

// Close releases the underlying database.
func (store *BadgerStore) Close() error {
	return store.db.Close()
}

// EventManager returns the event fan-out of this store.
func (store *BadgerStore) EventManager() *EventManager {
	return store.eventManager
}

func (store *BadgerStore) Write(batch *consensus.WriteBatch) error {
	flushId := uuid.New()
	err := store.db.Update(func(txn *badger.Txn) error {
		for _, block := range batch.Blocks {
			key := blockKey(block.Reference())
			if err := txn.Set(key, block.Serialized()); err != nil {
				return errors.Wrapf(err, "BadgerStore.Write: block %s: ", block.Reference())
			}
			store.eventManager.storeWrite(&StoreWriteEvent{
				Key: key, Value: block.Serialized(), FlushId: flushId})
		}
		for _, commit := range batch.Commits {
			key := commitKey(commit.Index())
			if err := txn.Set(key, commit.Serialized()); err != nil {
				return errors.Wrapf(err, "BadgerStore.Write: commit %d: ", commit.Index())
			}
			store.eventManager.storeWrite(&StoreWriteEvent{
				Key: key, Value: commit.Serialized(), FlushId: flushId})
		}
		if batch.LastCommittedRounds != nil {
			value := encodeRounds(batch.LastCommittedRounds)
			if err := txn.Set(keyLastCommittedRounds, value); err != nil {
				return errors.Wrapf(err, "BadgerStore.Write: last committed rounds: ")
			}
			store.eventManager.storeWrite(&StoreWriteEvent{
				Key: keyLastCommittedRounds, Value: value, FlushId: flushId})
		}
		return nil
	})
	store.eventManager.storeFlushed(&StoreFlushedEvent{FlushId: flushId, Succeeded: err == nil})
	if err != nil {
		return err
	}
	glog.V(2).Infof("BadgerStore.Write: persisted %d blocks, %d commits",
		len(batch.Blocks), len(batch.Commits))
	return nil
}

func (store *BadgerStore) ReadBlocks(refs []consensus.BlockRef) ([]*consensus.VerifiedBlock, error) {
	blocks := make([]*consensus.VerifiedBlock, len(refs))
	err := store.db.View(func(txn *badger.Txn) error {
		for ii, ref := range refs {
			item, err := txn.Get(blockKey(ref))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "BadgerStore.ReadBlocks: %s: ", ref)
			}
			serialized, err := item.ValueCopy(nil)
			if err != nil {
				return errors.Wrapf(err, "BadgerStore.ReadBlocks: %s: ", ref)
			}
			block, err := deserializeStoredBlock(serialized)
			if err != nil {
				return err
			}
			blocks[ii] = block
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

func (store *BadgerStore) ReadLastCommit() (*consensus.TrustedCommit, error) {
	var commit *consensus.TrustedCommit
	err := store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixCommits
		opts.Reverse = true
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Seek past the largest possible commit key, then step back into
		// the prefix.
		seek := append(append([]byte{}, prefixCommits...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if !it.Valid() {
			return nil
		}
		serialized, err := it.Item().ValueCopy(nil)
		if err != nil {
			return errors.Wrapf(err, "BadgerStore.ReadLastCommit: ")
		}
		commit, err = consensus.DeserializeCommit(serialized)
		if err != nil {
			return errors.Wrapf(err, "BadgerStore.ReadLastCommit: ")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commit, nil
}

func (store *BadgerStore) ScanCommits(commitRange consensus.CommitRange) ([]*consensus.TrustedCommit, error) {
	var commits []*consensus.TrustedCommit
	err := store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixCommits
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(commitKey(commitRange.Start)); it.Valid(); it.Next() {
			index := commitIndexFromKey(it.Item().Key())
			if index > commitRange.End {
				break
			}
			serialized, err := it.Item().ValueCopy(nil)
			if err != nil {
				return errors.Wrapf(err, "BadgerStore.ScanCommits: ")
			}
			commit, err := consensus.DeserializeCommit(serialized)
			if err != nil {
				return errors.Wrapf(err, "BadgerStore.ScanCommits: ")
			}
			commits = append(commits, commit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commits, nil
}

func (store *BadgerStore) ScanBlocksByAuthor(
	author consensus.AuthorityIndex, startRound consensus.Round,
) ([]*consensus.VerifiedBlock, error) {
	var blocks []*consensus.VerifiedBlock
	prefix := blockAuthorPrefix(author)
	err := store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte{}, prefix...), beUint32(uint32(startRound))...)
		for it.Seek(seek); it.Valid(); it.Next() {
			serialized, err := it.Item().ValueCopy(nil)
			if err != nil {
				return errors.Wrapf(err, "BadgerStore.ScanBlocksByAuthor: ")
			}
			block, err := deserializeStoredBlock(serialized)
			if err != nil {
				return err
			}
			blocks = append(blocks, block)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

func (store *BadgerStore) ReadLastCommittedRounds() ([]consensus.Round, error) {
	var rounds []consensus.Round
	err := store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyLastCommittedRounds)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "BadgerStore.ReadLastCommittedRounds: ")
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return errors.Wrapf(err, "BadgerStore.ReadLastCommittedRounds: ")
		}
		rounds = decodeRounds(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rounds, nil
}

func deserializeStoredBlock(serialized []byte) (*consensus.VerifiedBlock, error) {
	signed, err := consensus.DeserializeSignedBlock(serialized)
	if err != nil {
		// Locally persisted data failing to parse means disk corruption.
		return nil, errors.Wrapf(err, "BadgerStore: corrupt stored block: ")
	}
	return consensus.NewVerifiedBlock(signed, serialized), nil
}

func blockKey(ref consensus.BlockRef) []byte {
	key := bytes.NewBuffer(make([]byte, 0, len(prefixBlocks)+4+4+len(ref.Digest)))
	key.Write(prefixBlocks)
	key.Write(beUint32(uint32(ref.Author)))
	key.Write(beUint32(uint32(ref.Round)))
	key.Write(ref.Digest[:])
	return key.Bytes()
}

func blockAuthorPrefix(author consensus.AuthorityIndex) []byte {
	key := bytes.NewBuffer(make([]byte, 0, len(prefixBlocks)+4))
	key.Write(prefixBlocks)
	key.Write(beUint32(uint32(author)))
	return key.Bytes()
}

func commitKey(index consensus.CommitIndex) []byte {
	key := bytes.NewBuffer(make([]byte, 0, len(prefixCommits)+8))
	key.Write(prefixCommits)
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(index))
	key.Write(scratch[:])
	return key.Bytes()
}

func commitIndexFromKey(key []byte) consensus.CommitIndex {
	return consensus.CommitIndex(binary.BigEndian.Uint64(key[len(prefixCommits):]))
}

func beUint32(v uint32) []byte {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], v)
	return scratch[:]
}

func encodeRounds(rounds []consensus.Round) []byte {
	value := make([]byte, 0, 4*len(rounds))
	for _, round := range rounds {
		value = append(value, beUint32(uint32(round))...)
	}
	return value
}

func decodeRounds(value []byte) []consensus.Round {
	rounds := make([]consensus.Round, 0, len(value)/4)
	for ii := 0; ii+4 <= len(value); ii += 4 {
		rounds = append(rounds, consensus.Round(binary.BigEndian.Uint32(value[ii:ii+4])))
	}
	return rounds
}
