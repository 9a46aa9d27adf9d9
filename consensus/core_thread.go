package consensus

import (
	"sync"

	"github.com/golang/glog"
)

// CoreThreadDispatcher serializes all access to Core on a single dispatcher
// goroutine: Core is never concurrent with itself. The synchronizer and the
// network-facing services talk to Core exclusively through this interface.
type CoreThreadDispatcher interface {
	AddBlocks(blocks []*VerifiedBlock) ([]BlockRef, error)
	NewBlock(round Round, force bool) error
	GetMissingBlocks() ([]BlockRef, error)
	SetConsumerAvailability(available bool) error
	SetLastKnownProposedRound(round Round) error
}

// coreDispatcherCapacity bounds the queued commands; backpressure beyond it
// lands on the callers.
const coreDispatcherCapacity = 32

// ChannelCoreThreadDispatcher runs Core on its own goroutine and feeds it
// commands over a bounded channel.
type ChannelCoreThreadDispatcher struct {
	commands chan func(core *Core)
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartCoreThread takes ownership of core and starts the dispatcher
// goroutine. Stop the dispatcher to release it.
func StartCoreThread(core *Core) *ChannelCoreThreadDispatcher {
	dispatcher := &ChannelCoreThreadDispatcher{
		commands: make(chan func(core *Core), coreDispatcherCapacity),
		done:     make(chan struct{}),
	}
	dispatcher.wg.Add(1)
	go func() {
		defer dispatcher.wg.Done()
		for {
			select {
			case command := <-dispatcher.commands:
				command(core)
			case <-dispatcher.done:
				glog.Infof("ChannelCoreThreadDispatcher: core thread stopping")
				return
			}
		}
	}()
	return dispatcher
}

// Stop terminates the dispatcher goroutine. Pending and future calls return
// Shutdown.
func (dispatcher *ChannelCoreThreadDispatcher) Stop() {
	dispatcher.stopOnce.Do(func() {
		close(dispatcher.done)
	})
	dispatcher.wg.Wait()
}

// dispatch runs command on the core goroutine and waits for it to finish.
func (dispatcher *ChannelCoreThreadDispatcher) dispatch(command func(core *Core)) error {
	finished := make(chan struct{})
	wrapped := func(core *Core) {
		defer close(finished)
		command(core)
	}
	select {
	case dispatcher.commands <- wrapped:
	case <-dispatcher.done:
		return ErrShutdown
	}
	select {
	case <-finished:
		return nil
	case <-dispatcher.done:
		return ErrShutdown
	}
}

func (dispatcher *ChannelCoreThreadDispatcher) AddBlocks(blocks []*VerifiedBlock) ([]BlockRef, error) {
	var missing []BlockRef
	var callErr error
	if err := dispatcher.dispatch(func(core *Core) {
		missing, callErr = core.AddBlocks(blocks)
	}); err != nil {
		return nil, err
	}
	return missing, callErr
}

func (dispatcher *ChannelCoreThreadDispatcher) NewBlock(round Round, force bool) error {
	var callErr error
	if err := dispatcher.dispatch(func(core *Core) {
		_, callErr = core.NewBlock(round, force)
	}); err != nil {
		return err
	}
	return callErr
}

func (dispatcher *ChannelCoreThreadDispatcher) GetMissingBlocks() ([]BlockRef, error) {
	var missing []BlockRef
	if err := dispatcher.dispatch(func(core *Core) {
		missing = core.GetMissingBlocks()
	}); err != nil {
		return nil, err
	}
	return missing, nil
}

func (dispatcher *ChannelCoreThreadDispatcher) SetConsumerAvailability(available bool) error {
	return dispatcher.dispatch(func(core *Core) {
		core.SetConsumerAvailability(available)
	})
}

func (dispatcher *ChannelCoreThreadDispatcher) SetLastKnownProposedRound(round Round) error {
	return dispatcher.dispatch(func(core *Core) {
		core.SetLastKnownProposedRound(round)
	})
}
