package consensus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/deso-protocol/go-deadlock"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Synchronizer oversees live block synchronization. It serves two paths:
//
//  1. Explicit fetches: when processing a received block surfaces missing
//     ancestors, callers ask a designated peer (usually the block author)
//     for them. Per-block locks bound how many peers chase the same block.
//  2. A periodic scheduler that sweeps Core's missing set every half second
//     (or sooner when kicked) and spreads the load across random peers.
//
// It can additionally recover our own last proposed block from peers on
// startup, the amnesia guard that prevents equivocation.
//
// If the node falls far behind on commits the scheduler throttles itself to
// near-future blocks and leaves bulk catch-up to the commit syncer.

const (
	// fetchBlocksConcurrency is the number of concurrent fetch requests per
	// peer.
	fetchBlocksConcurrency = 5
	// fetchRequestTimeout bounds one fetch RPC.
	fetchRequestTimeout = 2 * time.Second
	// fetchFromPeersTimeout bounds one periodic scheduler sweep.
	fetchFromPeersTimeout = 4 * time.Second
	// MaxBlocksPerFetch is the largest number of refs in one request.
	MaxBlocksPerFetch = 32
	// maxAuthoritiesToFetchPerBlock caps how many peers may concurrently
	// fetch the same block.
	maxAuthoritiesToFetchPerBlock = 2
	// MaxAdditionalFetchedBlocks is how many blocks beyond the requested
	// set a response may carry (ancestors the peer thinks we miss).
	MaxAdditionalFetchedBlocks = 10
	// maxFetchRetries bounds retries of an explicit fetch against one peer.
	maxFetchRetries = 5
	// maxFetchPeers is how many peers one scheduler sweep fans out to.
	maxFetchPeers = 3
	// schedulerInterval is the periodic sweep cadence.
	schedulerInterval = 500 * time.Millisecond
	// syncMissingBlockRoundThreshold is how many rounds above the highest
	// accepted round the scheduler still fetches while commit-lagging.
	syncMissingBlockRoundThreshold = Round(50)
	// CommitLagMultiplier scales the commit-sync batch size into the lag
	// threshold that flips the scheduler into throttled mode.
	CommitLagMultiplier = 5
	// ownBlockRefetchDelay spaces retries against one peer during own-block
	// recovery.
	ownBlockRefetchDelay = 1 * time.Second
	// ownBlockRetryDelayStart and ownBlockRetryDelayCap bound the backoff
	// between own-block recovery rounds.
	ownBlockRetryDelayStart = 500 * time.Millisecond
	ownBlockRetryDelayCap   = 4 * time.Second
	// synchronizerCommandsCapacity bounds the handle's command queue.
	synchronizerCommandsCapacity = 1000
)

// BlocksGuard holds per-block fetch locks for one peer. Releasing the guard
// releases exactly the refs it locked; Release is idempotent.
type BlocksGuard struct {
	inflight    *InflightBlocksMap
	refs        map[BlockRef]struct{}
	peer        AuthorityIndex
	releaseOnce sync.Once
}

// Refs returns the locked refs in canonical order.
func (guard *BlocksGuard) Refs() []BlockRef {
	refs := make([]BlockRef, 0, len(guard.refs))
	for ref := range guard.refs {
		refs = append(refs, ref)
	}
	SortBlockRefs(refs)
	return refs
}

// Release unlocks the guard's refs for its peer.
func (guard *BlocksGuard) Release() {
	guard.releaseOnce.Do(func() {
		guard.inflight.unlockBlocks(guard.refs, guard.peer)
	})
}

// InflightBlocksMap tracks which peers are currently instructed to fetch
// which blocks, bounding the per-block fetch concurrency.
type InflightBlocksMap struct {
	mtx   deadlock.Mutex
	inner map[BlockRef]map[AuthorityIndex]struct{}
}

func NewInflightBlocksMap() *InflightBlocksMap {
	return &InflightBlocksMap{
		inner: make(map[BlockRef]map[AuthorityIndex]struct{}),
	}
}

// LockBlocks locks as many of the refs as allowed for the peer: a ref is
// skipped when the peer already holds it or the per-block peer cap is
// reached. Returns nil when nothing could be locked.
func (inflight *InflightBlocksMap) LockBlocks(refs []BlockRef, peer AuthorityIndex) *BlocksGuard {
	locked := make(map[BlockRef]struct{})
	inflight.mtx.Lock()
	for _, ref := range refs {
		peers, ok := inflight.inner[ref]
		if !ok {
			peers = make(map[AuthorityIndex]struct{})
			inflight.inner[ref] = peers
		}
		if _, already := peers[peer]; already {
			continue
		}
		if len(peers) >= maxAuthoritiesToFetchPerBlock {
			continue
		}
		peers[peer] = struct{}{}
		locked[ref] = struct{}{}
	}
	// Do not leave empty entries behind for refs we only probed.
	for _, ref := range refs {
		if len(inflight.inner[ref]) == 0 {
			delete(inflight.inner, ref)
		}
	}
	inflight.mtx.Unlock()

	if len(locked) == 0 {
		return nil
	}
	return &BlocksGuard{inflight: inflight, refs: locked, peer: peer}
}

// unlockBlocks strictly releases the refs for the peer; unbalanced unlocks
// indicate a bug and panic.
func (inflight *InflightBlocksMap) unlockBlocks(refs map[BlockRef]struct{}, peer AuthorityIndex) {
	inflight.mtx.Lock()
	defer inflight.mtx.Unlock()
	for ref := range refs {
		peers, ok := inflight.inner[ref]
		if !ok {
			panic("InflightBlocksMap.unlockBlocks: unlocking a ref that holds no locks")
		}
		if _, held := peers[peer]; !held {
			panic("InflightBlocksMap.unlockBlocks: peer does not hold the lock")
		}
		delete(peers, peer)
		if len(peers) == 0 {
			delete(inflight.inner, ref)
		}
	}
}

// SwapLocks releases the guard and relocks its refs under a new peer, best
// effort. Returns nil when no ref could be relocked.
func (inflight *InflightBlocksMap) SwapLocks(guard *BlocksGuard, peer AuthorityIndex) *BlocksGuard {
	refs := guard.Refs()
	guard.Release()
	return inflight.LockBlocks(refs, peer)
}

// NumLockedBlocks returns how many refs hold at least one lock.
func (inflight *InflightBlocksMap) NumLockedBlocks() int {
	inflight.mtx.Lock()
	defer inflight.mtx.Unlock()
	return len(inflight.inner)
}

type synchronizerCommand interface{ isSynchronizerCommand() }

type fetchBlocksCommand struct {
	refs   []BlockRef
	peer   AuthorityIndex
	result chan error
}

type fetchOwnLastBlockCommand struct{}

type kickOffSchedulerCommand struct{}

func (*fetchBlocksCommand) isSynchronizerCommand()       {}
func (*fetchOwnLastBlockCommand) isSynchronizerCommand() {}
func (*kickOffSchedulerCommand) isSynchronizerCommand()  {}

// SynchronizerHandle controls a running synchronizer.
type SynchronizerHandle struct {
	commands chan synchronizerCommand
	cancel   context.CancelFunc
	group    *errgroup.Group
	done     <-chan struct{}
}

// FetchBlocks asks the synchronizer to fetch the refs from the given peer.
// Returns SynchronizerSaturated when the peer's fetch pipeline is full; the
// periodic scheduler covers the leftovers either way.
func (handle *SynchronizerHandle) FetchBlocks(refs []BlockRef, peer AuthorityIndex) error {
	command := &fetchBlocksCommand{
		refs:   refs,
		peer:   peer,
		result: make(chan error, 1),
	}
	select {
	case handle.commands <- command:
	case <-handle.done:
		return ErrShutdown
	}
	select {
	case err := <-command.result:
		return err
	case <-handle.done:
		return ErrShutdown
	}
}

// Stop aborts all synchronizer tasks and waits for them to finish.
// In-flight RPCs are cancelled at their context await points.
func (handle *SynchronizerHandle) Stop() error {
	handle.cancel()
	if err := handle.group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !IsShutdown(err) {
		return err
	}
	return nil
}

// Synchronizer implements the fetch tasks; see the package comment above.
type Synchronizer struct {
	context           *Context
	networkClient     NetworkClient
	coreDispatcher    CoreThreadDispatcher
	commitVoteMonitor *CommitVoteMonitor
	blockVerifier     BlockVerifier
	dagState          *DagState
	inflight          *InflightBlocksMap

	commands          chan synchronizerCommand
	fetchBlockSenders map[AuthorityIndex]chan *BlocksGuard
	group             *errgroup.Group
}

// StartSynchronizer spawns the per-peer fetch tasks, the scheduler loop and
// (optionally) the own-last-block recovery task.
func StartSynchronizer(
	networkClient NetworkClient,
	engineContext *Context,
	coreDispatcher CoreThreadDispatcher,
	commitVoteMonitor *CommitVoteMonitor,
	blockVerifier BlockVerifier,
	dagState *DagState,
	syncLastKnownOwnBlock bool,
) *SynchronizerHandle {
	runCtx, cancel := context.WithCancel(context.Background())
	group, runCtx := errgroup.WithContext(runCtx)

	synchronizer := &Synchronizer{
		context:           engineContext,
		networkClient:     networkClient,
		coreDispatcher:    coreDispatcher,
		commitVoteMonitor: commitVoteMonitor,
		blockVerifier:     blockVerifier,
		dagState:          dagState,
		inflight:          NewInflightBlocksMap(),
		commands:          make(chan synchronizerCommand, synchronizerCommandsCapacity),
		fetchBlockSenders: make(map[AuthorityIndex]chan *BlocksGuard),
		group:             group,
	}

	for ii := 0; ii < engineContext.Committee.Size(); ii++ {
		peer := AuthorityIndex(ii)
		if peer == engineContext.OwnIndex {
			continue
		}
		guards := make(chan *BlocksGuard, fetchBlocksConcurrency)
		synchronizer.fetchBlockSenders[peer] = guards
		for worker := 0; worker < fetchBlocksConcurrency; worker++ {
			group.Go(func() error {
				return synchronizer.fetchBlocksFromAuthorityWorker(runCtx, peer, guards)
			})
		}
	}

	if syncLastKnownOwnBlock {
		synchronizer.commands <- &fetchOwnLastBlockCommand{}
	}

	group.Go(func() error {
		return synchronizer.run(runCtx)
	})

	return &SynchronizerHandle{
		commands: synchronizer.commands,
		cancel:   cancel,
		group:    group,
		done:     runCtx.Done(),
	}
}

// run is the command-and-scheduler loop.
func (synchronizer *Synchronizer) run(ctx context.Context) error {
	timer := time.NewTimer(schedulerInterval)
	defer timer.Stop()
	deadline := time.Now().Add(schedulerInterval)

	schedulerRunning := false
	schedulerDone := make(chan struct{}, 1)
	ownBlockTaskStarted := false

	resetTimer := func(at time.Time) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(at))
		deadline = at
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case command := <-synchronizer.commands:
			switch typed := command.(type) {
			case *fetchBlocksCommand:
				synchronizer.handleFetchBlocksCommand(typed)
			case *fetchOwnLastBlockCommand:
				if !ownBlockTaskStarted {
					ownBlockTaskStarted = true
					synchronizer.group.Go(func() error {
						synchronizer.fetchOwnLastBlockTask(ctx)
						return nil
					})
				}
			case *kickOffSchedulerCommand:
				// Run the scheduler sooner; halve the wait when a sweep is
				// already in flight.
				kickAt := time.Now()
				if schedulerRunning {
					kickAt = kickAt.Add(schedulerInterval / 2)
				}
				if kickAt.Before(deadline) {
					resetTimer(kickAt)
				}
			}

		case <-schedulerDone:
			schedulerRunning = false

		case <-timer.C:
			if !schedulerRunning {
				runNow, err := synchronizer.prepareMissingBlocksSweep()
				if err != nil {
					glog.Infof("Synchronizer.run: core is shutting down, synchronizer exiting: %v", err)
					return err
				}
				if runNow != nil {
					schedulerRunning = true
					synchronizer.group.Go(func() error {
						synchronizer.fetchBlocksFromAuthorities(ctx, runNow)
						schedulerDone <- struct{}{}
						return nil
					})
				}
			}
			resetTimer(time.Now().Add(schedulerInterval))
		}
	}
}

func (synchronizer *Synchronizer) handleFetchBlocksCommand(command *fetchBlocksCommand) {
	defer close(command.result)
	if command.peer == synchronizer.context.OwnIndex {
		command.result <- errors.New("Synchronizer: refusing to fetch blocks from own node")
		return
	}
	refs := command.refs
	if len(refs) > MaxBlocksPerFetch {
		// The scheduler will sweep up whatever is cut off here.
		refs = refs[:MaxBlocksPerFetch]
	}
	guard := synchronizer.inflight.LockBlocks(refs, command.peer)
	if guard == nil {
		command.result <- nil
		return
	}
	// Never block on a saturated peer pipeline: drop the request and let
	// the periodic sweep retry.
	select {
	case synchronizer.fetchBlockSenders[command.peer] <- guard:
		command.result <- nil
	default:
		guard.Release()
		synchronizer.context.Metrics.SynchronizerSaturated.
			WithLabelValues(synchronizer.context.Committee.Hostname(command.peer)).Inc()
		command.result <- newSynchronizerSaturatedError(command.peer)
	}
}

// fetchBlocksFromAuthorityWorker serves one slot of a peer's fetch pipeline:
// it picks up locked guards and runs the request with bounded retries.
func (synchronizer *Synchronizer) fetchBlocksFromAuthorityWorker(
	ctx context.Context,
	peer AuthorityIndex,
	guards <-chan *BlocksGuard,
) error {
	peerHostname := synchronizer.context.Committee.Hostname(peer)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case guard := <-guards:
			blocks, err := synchronizer.fetchBlocksWithRetries(ctx, peer, guard)
			if err != nil {
				glog.Warningf("Synchronizer: giving up fetching %d blocks from peer %s: %v",
					len(guard.refs), peerHostname, err)
				guard.Release()
				continue
			}
			if err := synchronizer.processFetchedBlocks(blocks, peer, guard, "live"); err != nil {
				if IsShutdown(err) {
					guard.Release()
					return err
				}
				glog.Warningf("Synchronizer: error processing blocks fetched from peer %s: %v",
					peerHostname, err)
			}
			guard.Release()
		}
	}
}

// fetchBlocksWithRetries runs one fetch request with up to maxFetchRetries
// attempts, pacing failed attempts to the request timeout.
func (synchronizer *Synchronizer) fetchBlocksWithRetries(
	ctx context.Context,
	peer AuthorityIndex,
	guard *BlocksGuard,
) ([][]byte, error) {
	refs := guard.Refs()
	var lastErr error
	for attempt := 1; attempt <= maxFetchRetries; attempt++ {
		start := time.Now()
		blocks, err := synchronizer.fetchBlocksRequest(ctx, peer, refs)
		if err == nil {
			return blocks, nil
		}
		lastErr = err
		// Pace the retry: wait out the remainder of the request timeout.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Until(start.Add(fetchRequestTimeout))):
		}
	}
	return nil, lastErr
}

// fetchBlocksRequest performs a single fetch RPC under the request timeout.
func (synchronizer *Synchronizer) fetchBlocksRequest(
	ctx context.Context,
	peer AuthorityIndex,
	refs []BlockRef,
) ([][]byte, error) {
	requestCtx, cancel := context.WithTimeout(ctx, fetchRequestTimeout)
	defer cancel()
	blocks, err := synchronizer.networkClient.FetchBlocks(
		requestCtx, peer, refs, synchronizer.highestAcceptedRounds(), fetchRequestTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newNetworkRequestTimeoutError(peer, err)
		}
		return nil, err
	}
	return blocks, nil
}

func (synchronizer *Synchronizer) highestAcceptedRounds() []Round {
	blocks := synchronizer.dagState.GetLastCachedBlockPerAuthority(MaxRound)
	rounds := make([]Round, 0, len(blocks))
	for _, block := range blocks {
		rounds = append(rounds, block.Round())
	}
	return rounds
}

// processFetchedBlocks validates a peer response end to end and hands the
// surviving blocks to Core. Validation order: response size cap, per-block
// verification, future-timestamp drop, requested-or-ancestor closure.
func (synchronizer *Synchronizer) processFetchedBlocks(
	serializedBlocks [][]byte,
	peer AuthorityIndex,
	guard *BlocksGuard,
	method string,
) error {
	peerHostname := synchronizer.context.Committee.Hostname(peer)

	if len(serializedBlocks) > len(guard.refs)+MaxAdditionalFetchedBlocks {
		err := newTooManyFetchedBlocksError(peer, len(serializedBlocks), len(guard.refs))
		synchronizer.context.Metrics.RejectedFetchResponses.
			WithLabelValues(peerHostname, string(KindTooManyFetchedBlocks)).Inc()
		return err
	}

	blocks, err := synchronizer.verifyFetchedBlocks(serializedBlocks, peer, method)
	if err != nil {
		return err
	}

	// Collect the ancestors of the requested blocks; everything returned
	// must be requested or a direct ancestor of something requested.
	ancestors := make(map[BlockRef]struct{})
	for _, block := range blocks {
		if _, requested := guard.refs[block.Reference()]; requested {
			for _, ancestor := range block.Ancestors() {
				ancestors[ancestor] = struct{}{}
			}
		}
	}
	for _, block := range blocks {
		ref := block.Reference()
		if _, requested := guard.refs[ref]; requested {
			continue
		}
		if _, isAncestor := ancestors[ref]; isAncestor {
			continue
		}
		synchronizer.context.Metrics.RejectedFetchResponses.
			WithLabelValues(peerHostname, string(KindUnexpectedFetchedBlock)).Inc()
		return newUnexpectedFetchedBlockError(peer, ref)
	}

	for _, block := range blocks {
		synchronizer.commitVoteMonitor.ObserveBlock(block)
	}
	synchronizer.context.Metrics.FetchedBlocksByPeer.
		WithLabelValues(peerHostname, method).Add(float64(len(blocks)))

	glog.V(1).Infof("Synchronizer: fetched %d blocks from peer %s via %s",
		len(blocks), peerHostname, method)

	missing, err := synchronizer.coreDispatcher.AddBlocks(blocks)
	if err != nil {
		return err
	}
	synchronizer.context.Metrics.MissingBlocksAfterFetch.Add(float64(len(missing)))

	// More ancestors surfaced: pull the scheduler forward, best effort.
	if len(missing) > 0 {
		select {
		case synchronizer.commands <- &kickOffSchedulerCommand{}:
		default:
			glog.Warningf("Synchronizer: commands channel full, skipping scheduler kick")
		}
	}
	return nil
}

// verifyFetchedBlocks deserializes and verifies a response. Any invalid
// block rejects the whole response; blocks with future timestamps are
// silently dropped and refetched later.
func (synchronizer *Synchronizer) verifyFetchedBlocks(
	serializedBlocks [][]byte,
	peer AuthorityIndex,
	source string,
) ([]*VerifiedBlock, error) {
	peerHostname := synchronizer.context.Committee.Hostname(peer)
	verified := make([]*VerifiedBlock, 0, len(serializedBlocks))
	for _, serialized := range serializedBlocks {
		signed, err := DeserializeSignedBlock(serialized)
		if err != nil {
			synchronizer.context.Metrics.InvalidBlocks.
				WithLabelValues(peerHostname, source, string(KindMalformedBlock)).Inc()
			return nil, err
		}
		if err := synchronizer.blockVerifier.VerifyAndVote(signed, serialized); err != nil {
			synchronizer.context.Metrics.InvalidBlocks.
				WithLabelValues(peerHostname, source, string(KindOf(err))).Inc()
			glog.Warningf("Synchronizer: invalid block from peer %s: %v", peerHostname, err)
			return nil, err
		}
		block := NewVerifiedBlock(signed, serialized)

		if now := synchronizer.context.Clock.NowMs(); block.TimestampMs() > now {
			glog.Warningf("Synchronizer: block %s timestamp %d is in the future (now=%d), ignoring",
				block.Reference(), block.TimestampMs(), now)
			continue
		}
		verified = append(verified, block)
	}
	return verified, nil
}

// prepareMissingBlocksSweep collects the missing set from Core and applies
// the commit-lag throttle. Returns nil when this sweep should be skipped.
func (synchronizer *Synchronizer) prepareMissingBlocksSweep() ([]BlockRef, error) {
	missing, err := synchronizer.coreDispatcher.GetMissingBlocks()
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}

	lagging, lastCommitIndex, quorumCommitIndex := synchronizer.isCommitLagging()
	if lagging {
		// While far behind on commits only chase blocks near the accepted
		// frontier; the commit syncer closes large gaps more efficiently.
		highestAccepted := synchronizer.dagState.HighestAcceptedRound()
		inThreshold := make([]BlockRef, 0, len(missing))
		for _, ref := range missing {
			if ref.Round <= highestAccepted+syncMissingBlockRoundThreshold {
				inThreshold = append(inThreshold, ref)
			}
		}
		if len(inThreshold) == 0 {
			glog.V(1).Infof(
				"Synchronizer: scheduler disabled for this run, commit lagging (%d << %d) and "+
					"missing blocks too far ahead", lastCommitIndex, quorumCommitIndex)
			synchronizer.context.Metrics.SchedulerSkips.WithLabelValues("commit_lagging").Inc()
			return nil, nil
		}
		missing = inThreshold
	}
	return missing, nil
}

func (synchronizer *Synchronizer) isCommitLagging() (bool, CommitIndex, CommitIndex) {
	lastCommitIndex := synchronizer.dagState.LastCommitIndex()
	quorumCommitIndex := synchronizer.commitVoteMonitor.QuorumCommitIndex()
	threshold := lastCommitIndex +
		CommitIndex(synchronizer.context.Params.CommitSyncBatchSize)*CommitLagMultiplier
	return threshold < quorumCommitIndex, lastCommitIndex, quorumCommitIndex
}

type periodicFetchResult struct {
	blocks [][]byte
	guard  *BlocksGuard
	peer   AuthorityIndex
	err    error
}

// fetchBlocksFromAuthorities is one periodic sweep: chunk the missing refs,
// fan the chunks out to random peers, and rotate failed chunks to the
// remaining peers until peers or time run out.
func (synchronizer *Synchronizer) fetchBlocksFromAuthorities(ctx context.Context, missing []BlockRef) {
	synchronizer.context.Metrics.SchedulerInflight.Inc()
	defer synchronizer.context.Metrics.SchedulerInflight.Dec()

	if len(missing) > maxFetchPeers*MaxBlocksPerFetch {
		missing = missing[:maxFetchPeers*MaxBlocksPerFetch]
	}
	for _, ref := range missing {
		synchronizer.context.Metrics.MissingBlocksByAuthority.
			WithLabelValues(synchronizer.context.Committee.Hostname(ref.Author)).Inc()
	}

	var peers []AuthorityIndex
	for ii := 0; ii < synchronizer.context.Committee.Size(); ii++ {
		if AuthorityIndex(ii) != synchronizer.context.OwnIndex {
			peers = append(peers, AuthorityIndex(ii))
		}
	}
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	nextPeer := 0

	results := make(chan periodicFetchResult, maxFetchPeers)
	outstanding := 0

	launch := func(guard *BlocksGuard, peer AuthorityIndex) {
		outstanding++
		go func() {
			blocks, err := synchronizer.fetchBlocksRequest(ctx, peer, guard.Refs())
			results <- periodicFetchResult{blocks: blocks, guard: guard, peer: peer, err: err}
		}()
	}

	for start := 0; start < len(missing); start += MaxBlocksPerFetch {
		if nextPeer >= len(peers) {
			break
		}
		end := start + MaxBlocksPerFetch
		if end > len(missing) {
			end = len(missing)
		}
		peer := peers[nextPeer]
		nextPeer++
		// Best effort: chunks whose blocks are all locked elsewhere wait
		// for the next sweep.
		if guard := synchronizer.inflight.LockBlocks(missing[start:end], peer); guard != nil {
			glog.V(1).Infof("Synchronizer: periodic sync of %d missing blocks from peer %s",
				len(guard.refs), synchronizer.context.Committee.Hostname(peer))
			launch(guard, peer)
		}
	}

	sweepTimeout := time.NewTimer(fetchFromPeersTimeout)
	defer sweepTimeout.Stop()

	var successes []periodicFetchResult
	for outstanding > 0 {
		select {
		case <-ctx.Done():
			for outstanding > 0 {
				result := <-results
				result.guard.Release()
				outstanding--
			}
			return
		case result := <-results:
			outstanding--
			if result.err == nil {
				successes = append(successes, result)
				continue
			}
			// Rotate the chunk to the next unused peer, keeping the locks
			// if possible.
			if nextPeer < len(peers) {
				peer := peers[nextPeer]
				nextPeer++
				if guard := synchronizer.inflight.SwapLocks(result.guard, peer); guard != nil {
					glog.V(1).Infof("Synchronizer: retrying %d missing blocks against peer %s",
						len(guard.refs), synchronizer.context.Committee.Hostname(peer))
					launch(guard, peer)
					continue
				}
				glog.V(1).Infof("Synchronizer: could not relock blocks for peer %d", peer)
			} else {
				glog.V(1).Infof("Synchronizer: no more peers left to fetch blocks")
				result.guard.Release()
			}
		case <-sweepTimeout.C:
			glog.V(1).Infof("Synchronizer: timed out while fetching missing blocks")
			// Abandon the sweep; outstanding request goroutines drain into
			// the buffered results channel and their guards self-release
			// below.
			go func(count int) {
				for ii := 0; ii < count; ii++ {
					result := <-results
					result.guard.Release()
				}
			}(outstanding)
			outstanding = 0
		}
	}

	for _, result := range successes {
		if err := synchronizer.processFetchedBlocks(
			result.blocks, result.peer, result.guard, "periodic"); err != nil {
			glog.Warningf("Synchronizer: error processing periodic fetch from peer %d: %v",
				result.peer, err)
		}
		result.guard.Release()
	}
}

// fetchOwnLastBlockTask recovers our highest proposed round from peers. It
// keeps gathering answers until a validity threshold (f+1) of stake has
// responded, backing off 1.5x between rounds, then publishes the round to
// Core. Under partition this blocks indefinitely, by design: proposing
// without the answer risks equivocation.
func (synchronizer *Synchronizer) fetchOwnLastBlockTask(ctx context.Context) {
	committee := synchronizer.context.Committee
	retryDelay := ownBlockRetryDelayStart
	highestRound := Round(0)

	for {
		if committee.Size() == 1 {
			highestRound = synchronizer.dagState.GetLastProposedBlock().Round()
			glog.Infof("Synchronizer: single node network, skipping own block recovery")
			break
		}

		roundStake, maxRound, err := synchronizer.gatherOwnLastBlock(ctx)
		if err != nil {
			return
		}
		if maxRound > highestRound {
			highestRound = maxRound
		}
		if committee.ReachedValidity(roundStake) {
			glog.Infof("Synchronizer: %d stake reported our last block, highest round %d",
				roundStake, highestRound)
			break
		}

		synchronizer.context.Metrics.OwnBlockRecoveryRetries.Inc()
		glog.Warningf("Synchronizer: only %d of %d stake answered own block recovery, retrying",
			roundStake, committee.TotalStake())
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay = time.Duration(float64(retryDelay) * 1.5)
		if retryDelay > ownBlockRetryDelayCap {
			retryDelay = ownBlockRetryDelayCap
		}
	}

	if err := synchronizer.coreDispatcher.SetLastKnownProposedRound(highestRound); err != nil {
		glog.Warningf("Synchronizer: core dispatcher is shutting down, own block recovery exiting: %v", err)
	}
}

// gatherOwnLastBlock runs one recovery round: ask every peer for our latest
// block and collect answers until the configured timeout.
func (synchronizer *Synchronizer) gatherOwnLastBlock(ctx context.Context) (Stake, Round, error) {
	committee := synchronizer.context.Committee
	ownIndex := synchronizer.context.OwnIndex

	attemptCtx, cancel := context.WithTimeout(ctx, synchronizer.context.Params.SyncLastKnownOwnBlockTimeout)
	defer cancel()

	type peerAnswer struct {
		peer   AuthorityIndex
		blocks [][]byte
		err    error
	}
	answers := make(chan peerAnswer, committee.Size())
	peerCount := 0
	for ii := 0; ii < committee.Size(); ii++ {
		peer := AuthorityIndex(ii)
		if peer == ownIndex {
			continue
		}
		peerCount++
		go func() {
			// Retry the peer until it answers or the attempt expires.
			for {
				requestCtx, requestCancel := context.WithTimeout(attemptCtx, fetchRequestTimeout)
				blocks, err := synchronizer.networkClient.FetchLatestBlocks(
					requestCtx, peer, []AuthorityIndex{ownIndex}, fetchRequestTimeout)
				requestCancel()
				if err == nil {
					answers <- peerAnswer{peer: peer, blocks: blocks}
					return
				}
				glog.Warningf("Synchronizer: error fetching our own block from peer %d, will retry: %v",
					peer, err)
				select {
				case <-attemptCtx.Done():
					answers <- peerAnswer{peer: peer, err: err}
					return
				case <-time.After(ownBlockRefetchDelay):
				}
			}
		}()
	}

	totalStake := Stake(0)
	highestRound := Round(0)
	for ii := 0; ii < peerCount; ii++ {
		var answer peerAnswer
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case answer = <-answers:
		}
		if answer.err != nil {
			continue
		}
		maxRound, err := synchronizer.processOwnLastBlocks(answer.blocks, answer.peer)
		if err != nil {
			glog.Warningf("Synchronizer: invalid own block answer from peer %d: %v", answer.peer, err)
			continue
		}
		if maxRound > highestRound {
			highestRound = maxRound
		}
		totalStake += committee.Stake(answer.peer)
	}
	return totalStake, highestRound, nil
}

// processOwnLastBlocks verifies a recovery answer and extracts the highest
// own round it proves.
func (synchronizer *Synchronizer) processOwnLastBlocks(serializedBlocks [][]byte, peer AuthorityIndex) (Round, error) {
	highest := Round(0)
	for _, serialized := range serializedBlocks {
		signed, err := DeserializeSignedBlock(serialized)
		if err != nil {
			return 0, err
		}
		if err := synchronizer.blockVerifier.VerifyAndVote(signed, serialized); err != nil {
			synchronizer.context.Metrics.InvalidBlocks.
				WithLabelValues(synchronizer.context.Committee.Hostname(peer),
					"synchronizer_own_block", string(KindOf(err))).Inc()
			return 0, err
		}
		block := NewVerifiedBlock(signed, serialized)
		if block.Author() != synchronizer.context.OwnIndex {
			return 0, newUnexpectedLastOwnBlockError(peer, block.Reference())
		}
		if block.Round() > highest {
			highest = block.Round()
		}
	}
	return highest, nil
}
