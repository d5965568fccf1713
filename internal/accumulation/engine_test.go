package accumulation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrelay/internal/storage"
	"payrelay/internal/storage/memory"
)

type recordingPublisher struct {
	err       error
	published []storage.PayoutBatch
}

func (p *recordingPublisher) PublishBatch(ctx context.Context, batch storage.PayoutBatch) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, batch)
	return nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(store *memory.Store, pub Publisher, lockKey int64) *Engine {
	return NewEngine(store, store, pub, nil, Options{
		LockKey: lockKey,
		Now:     func() time.Time { return fixedNow },
	}, zerolog.Nop())
}

func thresholdRecipient(t *testing.T, s *memory.Store, id int64, threshold string) {
	t.Helper()
	var th *decimal.Decimal
	if threshold != "" {
		v := decimal.RequireFromString(threshold)
		th = &v
	}
	require.NoError(t, s.UpsertRecipient(context.Background(), storage.Recipient{
		ID:             id,
		WalletAddress:  "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		PayoutCurrency: "eth",
		PayoutNetwork:  "eth",
		PayoutMode:     storage.PayoutThreshold,
		ThresholdUSD:   th,
	}))
}

func accumulate(t *testing.T, e *Engine, ref string, recipient int64, amount string) Progress {
	t.Helper()
	p, err := e.Accumulate(context.Background(), storage.Fragment{
		PaymentRef:     ref,
		RecipientID:    recipient,
		UserID:         1,
		AmountUSD:      decimal.RequireFromString(amount),
		PayoutCurrency: "eth",
		PayoutNetwork:  "eth",
	})
	require.NoError(t, err)
	return p
}

func TestThresholdBoundary(t *testing.T) {
	store := memory.New()
	engine := newEngine(store, &recordingPublisher{}, 0)
	thresholdRecipient(t, store, 1, "50")

	accumulate(t, engine, "a", 1, "25")
	progress := accumulate(t, engine, "b", 1, "24.99")
	assert.False(t, progress.Ready)
	assert.Equal(t, "99.98", progress.ProgressPct.String())

	found, err := engine.FindRecipientsOverThreshold(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found, "$49.99 against $50 must be excluded")

	progress = accumulate(t, engine, "c", 1, "0.01")
	assert.True(t, progress.Ready)

	found, err = engine.FindRecipientsOverThreshold(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "50", found[0].UnpaidUSD.String())
	assert.Equal(t, "100", found[0].ProgressPct.String())
}

func TestReplayedFragmentCountsOnce(t *testing.T) {
	store := memory.New()
	engine := newEngine(store, &recordingPublisher{}, 0)
	thresholdRecipient(t, store, 1, "50")

	first := accumulate(t, engine, "same", 1, "10")
	second := accumulate(t, engine, "same", 1, "10")
	assert.True(t, first.Inserted)
	assert.False(t, second.Inserted)
	assert.Equal(t, "10", second.UnpaidUSD.String())
	assert.Len(t, store.Fragments(), 1)
}

func TestNullAndZeroThresholdsShortCircuit(t *testing.T) {
	store := memory.New()
	engine := newEngine(store, &recordingPublisher{}, 0)
	thresholdRecipient(t, store, 1, "")
	thresholdRecipient(t, store, 2, "0")

	p := accumulate(t, engine, "a", 1, "1000")
	assert.False(t, p.Ready)
	assert.True(t, p.ProgressPct.IsZero())
	accumulate(t, engine, "b", 2, "1000")

	found, err := engine.FindRecipientsOverThreshold(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)

	_, ok := ProgressPct(decimal.NewFromInt(5), nil)
	assert.False(t, ok)
}

func TestRunCommitsAndPublishes(t *testing.T) {
	store := memory.New()
	pub := &recordingPublisher{}
	engine := newEngine(store, pub, 0)
	thresholdRecipient(t, store, 1, "50")
	thresholdRecipient(t, store, 2, "100")
	accumulate(t, engine, "a", 1, "30")
	accumulate(t, engine, "b", 1, "20")
	accumulate(t, engine, "c", 2, "99")

	summary, err := engine.Run(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Eligible)
	require.Len(t, summary.Committed, 1)
	require.Len(t, pub.published, 1)

	batch, err := store.GetBatch(context.Background(), pub.published[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.BatchProcessing, batch.Status)
	assert.Equal(t, "50", batch.AmountUSD.String())
	assert.Equal(t, 2, batch.FragmentCount)

	unpaid, err := store.ListUnpaidFragments(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, unpaid)

	again, err := engine.Run(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Empty(t, again.Committed, "paid fragments never form a second batch")
}

func TestRunMarksBatchFailedWhenPublishFails(t *testing.T) {
	store := memory.New()
	pub := &recordingPublisher{err: errors.New("queue unavailable")}
	engine := newEngine(store, pub, 0)
	thresholdRecipient(t, store, 1, "10")
	accumulate(t, engine, "a", 1, "10")

	summary, err := engine.Run(context.Background(), fixedNow)
	require.Error(t, err)
	require.Len(t, summary.Failed, 1)

	batch, err := store.GetBatch(context.Background(), summary.Failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.BatchFailed, batch.Status)
	require.NotNil(t, batch.Error)
	assert.Contains(t, *batch.Error, "queue unavailable")

	unpaid, err := store.ListUnpaidFragments(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, unpaid, "fragments stay linked to the failed batch")

	pub.err = nil
	again, err := engine.Run(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Empty(t, again.Committed)
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	store := memory.New()
	pub := &recordingPublisher{}
	engine := newEngine(store, pub, 99)
	thresholdRecipient(t, store, 1, "10")
	accumulate(t, engine, "a", 1, "10")

	unlock, ok, err := store.TryAdvisoryLock(context.Background(), 99)
	require.NoError(t, err)
	require.True(t, ok)

	summary, err := engine.Run(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Empty(t, pub.published)

	unlock()
	summary, err = engine.Run(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Len(t, summary.Committed, 1)
}
