package consensus

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/golang/glog"
)

// CoreSignals fans out the two event streams Core produces. They carry
// deliberately different semantics:
//
//   - "new block": a lossless bounded broadcast. Losing a block would break
//     liveness for subscribers (the block broadcaster), so sends block until
//     every subscriber has buffered the block, and a send with no
//     subscribers at all is a Shutdown condition in a multi-node committee.
//   - "new round": a latest-value watch. Slow subscribers may miss
//     intermediate rounds; only the latest value matters.
type CoreSignals struct {
	context   *Context
	blockFeed event.Feed
	newRound  *RoundWatch
}

// CoreSignalsReceivers hands out subscriptions to the core signals.
// Components should only subscribe to the channels they need.
type CoreSignalsReceivers struct {
	signals *CoreSignals
}

func NewCoreSignals(context *Context) (*CoreSignals, *CoreSignalsReceivers) {
	signals := &CoreSignals{
		context:  context,
		newRound: NewRoundWatch(),
	}
	return signals, &CoreSignalsReceivers{signals: signals}
}

// NewBlock broadcasts a freshly proposed block to all subscribers. Returns
// Shutdown when nobody is subscribed in a committee of more than one
// authority: producing blocks nobody broadcasts is useless and unsafe.
func (signals *CoreSignals) NewBlock(block *VerifiedBlock) error {
	if signals.context.Committee.Size() <= 1 {
		glog.V(2).Infof("CoreSignals.NewBlock: not broadcasting %s, committee size <= 1", block.Reference())
		return nil
	}
	if nsent := signals.blockFeed.Send(block); nsent == 0 {
		glog.Warningf("CoreSignals.NewBlock: no subscribers for block %s", block.Reference())
		return ErrShutdown
	}
	return nil
}

// NewRound signals that the threshold clock advanced.
func (signals *CoreSignals) NewRound(round Round) {
	signals.newRound.Set(round)
}

// SubscribeBlocks registers ch for the block broadcast. The channel should
// be buffered with at least Params.DagStateCachedRounds entries; the feed
// blocks on a full subscriber.
func (receivers *CoreSignalsReceivers) SubscribeBlocks(ch chan *VerifiedBlock) event.Subscription {
	return receivers.signals.blockFeed.Subscribe(ch)
}

// NewBlockChannel returns a subscribed channel sized per the configured
// cache depth, plus its subscription.
func (receivers *CoreSignalsReceivers) NewBlockChannel() (chan *VerifiedBlock, event.Subscription) {
	ch := make(chan *VerifiedBlock, receivers.signals.context.Params.DagStateCachedRounds)
	return ch, receivers.SubscribeBlocks(ch)
}

// SubscribeRounds returns a latest-value round subscription.
func (receivers *CoreSignalsReceivers) SubscribeRounds() *RoundSubscription {
	return receivers.signals.newRound.Subscribe()
}

// RoundWatch is a latest-value-wins watch over rounds. Values are monotonic;
// a subscriber always observes the latest set value but may skip
// intermediate ones.
type RoundWatch struct {
	mtx         sync.Mutex
	round       Round
	subscribers []*RoundSubscription
}

// RoundSubscription receives round updates on a 1-buffered channel where a
// newer value replaces an undelivered older one.
type RoundSubscription struct {
	watch *RoundWatch
	ch    chan Round
}

func NewRoundWatch() *RoundWatch {
	return &RoundWatch{}
}

// Set publishes a new round. Regressions are ignored.
func (watch *RoundWatch) Set(round Round) {
	watch.mtx.Lock()
	defer watch.mtx.Unlock()
	if round <= watch.round {
		return
	}
	watch.round = round
	for _, sub := range watch.subscribers {
		// Replace a pending undelivered value with the newest one.
		select {
		case sub.ch <- round:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- round:
			default:
			}
		}
	}
}

// Round returns the latest published round.
func (watch *RoundWatch) Round() Round {
	watch.mtx.Lock()
	defer watch.mtx.Unlock()
	return watch.round
}

func (watch *RoundWatch) Subscribe() *RoundSubscription {
	watch.mtx.Lock()
	defer watch.mtx.Unlock()
	sub := &RoundSubscription{
		watch: watch,
		ch:    make(chan Round, 1),
	}
	watch.subscribers = append(watch.subscribers, sub)
	return sub
}

// Ch returns the update channel.
func (sub *RoundSubscription) Ch() <-chan Round {
	return sub.ch
}

// Unsubscribe detaches the subscription from the watch.
func (sub *RoundSubscription) Unsubscribe() {
	watch := sub.watch
	watch.mtx.Lock()
	defer watch.mtx.Unlock()
	for ii, candidate := range watch.subscribers {
		if candidate == sub {
			watch.subscribers = append(watch.subscribers[:ii], watch.subscribers[ii+1:]...)
			return
		}
	}
}
