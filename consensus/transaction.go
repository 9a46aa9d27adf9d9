package consensus

import (
	"context"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// transaction.go is the transaction ingress boundary: clients submit opaque
// payloads, Core borrows them for the next proposal and acknowledges them
// once the containing block is durable.

// maxTransactionsPerBlock bounds how many payloads one proposal includes.
const maxTransactionsPerBlock = 512

// transactionIngressCapacity bounds the submissions waiting for a proposal.
const transactionIngressCapacity = 2048

type pendingTransaction struct {
	payload []byte
	// included is closed with the including block's ref once that block has
	// been flushed to the store.
	included chan BlockRef
}

// TransactionClient is the submission side of the ingress.
type TransactionClient struct {
	pending chan *pendingTransaction
}

// TransactionConsumer is Core's side: it borrows pending transactions for a
// proposal without acknowledging them, and acknowledges after the durability
// barrier.
type TransactionConsumer struct {
	pending chan *pendingTransaction
}

func NewTransactionClientAndConsumer() (*TransactionClient, *TransactionConsumer) {
	pending := make(chan *pendingTransaction, transactionIngressCapacity)
	return &TransactionClient{pending: pending}, &TransactionConsumer{pending: pending}
}

// Submit queues a payload for inclusion and returns a channel that yields
// the including block's reference once the payload is durably included.
func (client *TransactionClient) Submit(ctx context.Context, payload []byte) (<-chan BlockRef, error) {
	pending := &pendingTransaction{
		payload:  payload,
		included: make(chan BlockRef, 1),
	}
	select {
	case client.pending <- pending:
		return pending.included, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "TransactionClient.Submit: ")
	}
}

// Next borrows the next batch of transactions. The returned ack must be
// called with the including block's reference only after the block has been
// persisted; it releases the submitters' inclusion watchers.
func (consumer *TransactionConsumer) Next() ([][]byte, func(BlockRef)) {
	var batch []*pendingTransaction
	var payloads [][]byte
	for len(batch) < maxTransactionsPerBlock {
		select {
		case pending := <-consumer.pending:
			batch = append(batch, pending)
			payloads = append(payloads, pending.payload)
		default:
			ack := func(ref BlockRef) {
				for _, pending := range batch {
					pending.included <- ref
					close(pending.included)
				}
				if len(batch) > 0 {
					glog.V(2).Infof("TransactionConsumer: acknowledged %d transactions in %s",
						len(batch), ref)
				}
			}
			return payloads, ack
		}
	}
	ack := func(ref BlockRef) {
		for _, pending := range batch {
			pending.included <- ref
			close(pending.included)
		}
		glog.V(2).Infof("TransactionConsumer: acknowledged %d transactions in %s", len(batch), ref)
	}
	return payloads, ack
}
