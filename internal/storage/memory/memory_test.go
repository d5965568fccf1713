package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrelay/internal/storage"
)

func fragment(ref string, recipient int64, amount string) storage.Fragment {
	return storage.Fragment{
		PaymentRef:     ref,
		RecipientID:    recipient,
		UserID:         1,
		AmountUSD:      decimal.RequireFromString(amount),
		PayoutCurrency: "eth",
		PayoutNetwork:  "eth",
	}
}

func TestFragmentInsertIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.InsertFragment(ctx, fragment("p-1", 5, "10"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertFragment(ctx, fragment("p-1", 5, "10"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, s.Fragments(), 1)

	_, err = s.InsertFragment(ctx, fragment("p-2", 5, "0"))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestCommitBatchLinksFragments(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.UpsertRecipient(ctx, storage.Recipient{ID: 5, PayoutMode: storage.PayoutThreshold}))
	for _, ref := range []string{"a", "b", "c"} {
		_, err := s.InsertFragment(ctx, fragment(ref, 5, "1.25"))
		require.NoError(t, err)
	}
	_, err := s.InsertFragment(ctx, fragment("other", 6, "99"))
	require.NoError(t, err)

	unpaid, err := s.ListUnpaidFragments(ctx, 5)
	require.NoError(t, err)
	ids := []int64{unpaid[0].ID, unpaid[1].ID, unpaid[2].ID}

	batch, err := s.CommitBatch(ctx, storage.PayoutBatch{ID: uuid.New(), RecipientID: 5}, ids)
	require.NoError(t, err)
	assert.Equal(t, "3.75", batch.AmountUSD.String())
	assert.Equal(t, storage.BatchPending, batch.Status)

	for _, f := range s.Fragments() {
		if f.RecipientID != 5 {
			assert.False(t, f.PaidOut)
			continue
		}
		assert.True(t, f.PaidOut)
		require.NotNil(t, f.BatchID)
		assert.Equal(t, batch.ID, *f.BatchID)
	}

	_, err = s.CommitBatch(ctx, storage.PayoutBatch{ID: uuid.New(), RecipientID: 5}, ids)
	assert.ErrorIs(t, err, storage.ErrConflict)

	totals, err := s.ListRecipientTotals(ctx)
	require.NoError(t, err)
	assert.Empty(t, totals, "recipient 6 has no settings and recipient 5 is fully paid")
}

func TestBatchStatusTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.InsertFragment(ctx, fragment("x", 1, "5"))
	require.NoError(t, err)
	batch, err := s.CommitBatch(ctx, storage.PayoutBatch{ID: uuid.New(), RecipientID: 1}, []int64{1})
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.UpdateBatchStatus(ctx, batch.ID, storage.BatchProcessing, "", at))
	require.NoError(t, s.UpdateBatchStatus(ctx, batch.ID, storage.BatchFailed, "swap rejected", at))
	require.NoError(t, s.UpdateBatchStatus(ctx, batch.ID, storage.BatchFailed, "", at))
	err = s.UpdateBatchStatus(ctx, batch.ID, storage.BatchCompleted, "", at)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "swap rejected", *got.Error)
	assert.Equal(t, at, *got.CompletedAt)
}

func TestPaymentClaimLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New().WithClock(func() time.Time { return now })
	ctx := context.Background()
	p := storage.Payment{UniqueID: "u1", Amount: decimal.NewFromInt(1), Currency: "eth"}

	claim, err := s.ClaimPayment(ctx, p, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, claim.Claimed)

	claim, err = s.ClaimPayment(ctx, p, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, claim.Claimed)

	claim, err = s.ClaimPayment(ctx, p, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, claim.Claimed, "stale claims are taken over")

	require.NoError(t, s.CompletePayment(ctx, "u1", "0xabc", 1, 2, now))
	require.NoError(t, s.FailPayment(ctx, "u1", "LATE", now))
	got, err := s.GetPayment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentCompleted, got.Status)
}

func TestFailureRecordedOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	ok, err := s.RecordFailure(ctx, storage.Failure{UniqueID: "l", ErrorCode: "A"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RecordFailure(ctx, storage.Failure{UniqueID: "l", ErrorCode: "B"})
	require.NoError(t, err)
	assert.True(t, ok, "still awaiting its alert")

	require.NoError(t, s.MarkAlerted(ctx, "l", time.Unix(100, 0)))
	ok, err = s.RecordFailure(ctx, storage.Failure{UniqueID: "l", ErrorCode: "C"})
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.ListRecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "A", list[0].ErrorCode)
	require.NotNil(t, list[0].AlertedAt)
}

func TestBroadcastJournal(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	assert.ErrorIs(t, s.RecordBroadcast(ctx, "u1", "0x01", 3, now), storage.ErrConflict)

	_, err := s.ClaimPayment(ctx, storage.Payment{UniqueID: "u1", ClaimedAt: now}, now.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.RecordBroadcast(ctx, "u1", "0x01", 3, now))
	require.NoError(t, s.RecordBroadcast(ctx, "u1", "0x02", 3, now))
	require.NoError(t, s.RecordBroadcast(ctx, "u1", "0x01", 3, now))
	assert.ErrorIs(t, s.RecordBroadcast(ctx, "u1", "0x03", 4, now), storage.ErrConflict)

	require.NoError(t, s.FailPayment(ctx, "u1", "CONFIRMATION_TIMEOUT", now))
	claim, err := s.ClaimPayment(ctx, storage.Payment{UniqueID: "u1", ClaimedAt: now}, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claim.Claimed)
	require.NotNil(t, claim.Current.Nonce)
	assert.Equal(t, int64(3), *claim.Current.Nonce)
	assert.Equal(t, []string{"0x01", "0x02"}, claim.Current.BroadcastHashes)
}

func TestAdvisoryLock(t *testing.T) {
	s := New()
	unlock, ok, err := s.TryAdvisoryLock(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = s.TryAdvisoryLock(context.Background(), 1)
	assert.False(t, ok)

	unlock()
	unlock()
	_, ok, _ = s.TryAdvisoryLock(context.Background(), 1)
	assert.True(t, ok)
}
