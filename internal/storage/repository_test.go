package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"payrelay/internal/config"
)

// setupStore starts a PostgreSQL container, applies the embedded migrations
// and returns a Store bound to it.
func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("payrelay"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	applied, err := Migrate(ctx, pool)
	require.NoError(t, err)
	require.Len(t, applied, 2)

	again, err := Migrate(ctx, pool)
	require.NoError(t, err)
	require.Empty(t, again, "migrations must not be applied twice")

	return NewStore(pool)
}

func seedThresholdRecipient(t *testing.T, s *Store, id int64, threshold string) {
	t.Helper()
	th := decimal.RequireFromString(threshold)
	require.NoError(t, s.UpsertRecipient(context.Background(), Recipient{
		ID:             id,
		WalletAddress:  "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		PayoutCurrency: "eth",
		PayoutNetwork:  "eth",
		PayoutMode:     PayoutThreshold,
		ThresholdUSD:   &th,
	}))
}

func insertFragment(t *testing.T, s *Store, ref string, recipient int64, amount string) {
	t.Helper()
	inserted, err := s.InsertFragment(context.Background(), Fragment{
		PaymentRef:     ref,
		RecipientID:    recipient,
		UserID:         7,
		AmountUSD:      decimal.RequireFromString(amount),
		PayoutCurrency: "eth",
		PayoutNetwork:  "eth",
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestStoreNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.GetRecipient(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = NewStore(nil).TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = Migrate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRepositoryFragmentsAndBatches(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedThresholdRecipient(t, s, 42, "50")
	insertFragment(t, s, "pay-1", 42, "20.00")
	insertFragment(t, s, "pay-2", 42, "29.99")

	dup, err := s.InsertFragment(ctx, Fragment{
		PaymentRef: "pay-1", RecipientID: 42, UserID: 7,
		AmountUSD: decimal.NewFromInt(20), PayoutCurrency: "eth", PayoutNetwork: "eth",
	})
	require.NoError(t, err)
	assert.False(t, dup, "replayed payment ref must not insert a second fragment")

	totals, err := s.ListRecipientTotals(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, "49.99", totals[0].UnpaidUSD.String())
	assert.Equal(t, 2, totals[0].FragmentCount)
	require.NotNil(t, totals[0].ThresholdUSD)
	assert.Equal(t, "50", totals[0].ThresholdUSD.String())

	unpaid, err := s.ListUnpaidFragments(ctx, 42)
	require.NoError(t, err)
	require.Len(t, unpaid, 2)

	batch, err := s.CommitBatch(ctx, PayoutBatch{
		ID:             uuid.New(),
		RecipientID:    42,
		WalletAddress:  totals[0].WalletAddress,
		PayoutCurrency: "eth",
		PayoutNetwork:  "eth",
	}, []int64{unpaid[0].ID, unpaid[1].ID})
	require.NoError(t, err)
	assert.Equal(t, BatchPending, batch.Status)
	assert.Equal(t, "49.99", batch.AmountUSD.String())
	assert.Equal(t, 2, batch.FragmentCount)

	left, err := s.ListUnpaidFragments(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, left)

	_, err = s.CommitBatch(ctx, PayoutBatch{ID: uuid.New(), RecipientID: 42}, []int64{unpaid[0].ID})
	assert.ErrorIs(t, err, ErrConflict, "paid fragments cannot join a second batch")

	now := time.Now().UTC()
	require.NoError(t, s.UpdateBatchStatus(ctx, batch.ID, BatchProcessing, "", now))
	require.NoError(t, s.UpdateBatchStatus(ctx, batch.ID, BatchProcessing, "", now), "redelivered update is a no-op")
	require.NoError(t, s.UpdateBatchStatus(ctx, batch.ID, BatchCompleted, "", now))
	err = s.UpdateBatchStatus(ctx, batch.ID, BatchFailed, "late failure", now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, got.Status)
	assert.NotNil(t, got.ProcessingStartedAt)
	assert.NotNil(t, got.CompletedAt)

	err = s.UpdateBatchStatus(ctx, uuid.New(), BatchFailed, "", now)
	assert.ErrorIs(t, err, ErrNotFound)

	recent, err := s.ListRecentBatches(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	between, err := s.ListBatchesBetween(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, between, 1)
}

func TestRepositoryConcurrentCommitPaysOnce(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedThresholdRecipient(t, s, 9, "10")
	insertFragment(t, s, "c-1", 9, "6")
	insertFragment(t, s, "c-2", 9, "6")
	unpaid, err := s.ListUnpaidFragments(ctx, 9)
	require.NoError(t, err)
	ids := []int64{unpaid[0].ID, unpaid[1].ID}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.CommitBatch(ctx, PayoutBatch{
				ID: uuid.New(), RecipientID: 9, WalletAddress: "0x1", PayoutCurrency: "eth", PayoutNetwork: "eth",
			}, ids)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
}

func TestRepositoryFailuresAndPayments(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	first := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	f := Failure{
		UniqueID: "lineage-1", Stage: "payment", ErrorCode: "INSUFFICIENT_FUNDS",
		ErrorMessage: "insufficient funds for gas", AttemptCount: 1, FirstAttemptAt: first,
	}
	pending, err := s.RecordFailure(ctx, f)
	require.NoError(t, err)
	assert.True(t, pending)

	f.ErrorCode = "NETWORK_TIMEOUT"
	pending, err = s.RecordFailure(ctx, f)
	require.NoError(t, err)
	assert.True(t, pending, "an unalerted record stays pending across deliveries")

	require.NoError(t, s.MarkAlerted(ctx, f.UniqueID, time.Now().UTC()))
	pending, err = s.RecordFailure(ctx, f)
	require.NoError(t, err)
	assert.False(t, pending)

	failures, err := s.ListRecentFailures(ctx, 5)
	require.NoError(t, err)
	require.Len(t, failures, 1, "a lineage has exactly one failure record")
	assert.Equal(t, "INSUFFICIENT_FUNDS", failures[0].ErrorCode)
	assert.True(t, first.Equal(failures[0].FirstAttemptAt))
	assert.NotNil(t, failures[0].AlertedAt)

	now := time.Now().UTC()
	p := Payment{UniqueID: "lineage-2", ExternalRefID: "swap-9", Destination: "0xabc",
		Amount: decimal.RequireFromString("0.0125"), Currency: "eth", ClaimedAt: now}
	claim, err := s.ClaimPayment(ctx, p, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.True(t, claim.Claimed)
	assert.Equal(t, PaymentExecuting, claim.Current.Status)

	claim, err = s.ClaimPayment(ctx, p, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.False(t, claim.Claimed, "a live claim blocks a second worker")

	require.NoError(t, s.RecordBroadcast(ctx, p.UniqueID, "0xaaa1", 7, now))
	require.NoError(t, s.RecordBroadcast(ctx, p.UniqueID, "0xaaa2", 7, now))
	require.NoError(t, s.RecordBroadcast(ctx, p.UniqueID, "0xaaa2", 7, now))
	assert.ErrorIs(t, s.RecordBroadcast(ctx, p.UniqueID, "0xbbb1", 8, now), ErrConflict)

	require.NoError(t, s.FailPayment(ctx, p.UniqueID, "NETWORK_TIMEOUT", now))
	assert.ErrorIs(t, s.RecordBroadcast(ctx, p.UniqueID, "0xaaa3", 7, now), ErrConflict, "only an executing payment journals broadcasts")

	claim, err = s.ClaimPayment(ctx, p, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.True(t, claim.Claimed, "a failed payment may be claimed again")
	require.NotNil(t, claim.Current.Nonce)
	assert.Equal(t, int64(7), *claim.Current.Nonce)
	assert.Equal(t, []string{"0xaaa1", "0xaaa2"}, claim.Current.BroadcastHashes, "the journal survives a re-claim")

	require.NoError(t, s.CompletePayment(ctx, p.UniqueID, "0xdeadbeef", 101, 21000, now))
	claim, err = s.ClaimPayment(ctx, p, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, claim.Claimed)
	assert.Equal(t, PaymentCompleted, claim.Current.Status)
	require.NotNil(t, claim.Current.TxHash)
	assert.Equal(t, "0xdeadbeef", *claim.Current.TxHash)
}

func TestRepositoryAdvisoryLock(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	unlock, ok, err := s.TryAdvisoryLock(ctx, 77)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryAdvisoryLock(ctx, 77)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held by another session")

	unlock()
	unlock2, ok, err := s.TryAdvisoryLock(ctx, 77)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}
