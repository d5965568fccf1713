package service

import (
	"context"

	"payrelay/internal/accumulation"
	"payrelay/internal/queue"
	"payrelay/internal/saga"
	"payrelay/internal/storage"
	"payrelay/internal/token"
)

// BatchPublisher starts the payout saga for committed batches.
type BatchPublisher struct {
	codec *token.Codec
	queue queue.Enqueuer
}

// NewBatchPublisher builds a publisher onto q.
func NewBatchPublisher(codec *token.Codec, q queue.Enqueuer) *BatchPublisher {
	return &BatchPublisher{codec: codec, queue: q}
}

// PublishBatch enqueues a batch token for b. Publishing the same batch twice
// enqueues it once.
func (p *BatchPublisher) PublishBatch(ctx context.Context, b storage.PayoutBatch) error {
	_, err := saga.Publish(ctx, p.codec, p.queue, saga.Next{
		Queue: queue.QueueBatch,
		Token: &token.Batch{
			Header:         token.Header{Retry: token.FirstAttempt(p.codec.Now())},
			BatchID:        b.ID,
			RecipientID:    b.RecipientID,
			WalletAddress:  b.WalletAddress,
			PayoutCurrency: b.PayoutCurrency,
			PayoutNetwork:  b.PayoutNetwork,
			AmountUSD:      b.AmountUSD.InexactFloat64(),
		},
	})
	return err
}

var _ accumulation.Publisher = (*BatchPublisher)(nil)
