// Package accumulation aggregates unpaid payment fragments per recipient and
// turns balances that reach the recipient's threshold into payout batches.
package accumulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"payrelay/internal/metrics"
	"payrelay/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// Store is the persistence the engine needs.
type Store interface {
	storage.RecipientStore
	storage.FragmentStore
	storage.BatchStore
}

// Publisher hands a committed batch to the payout saga.
type Publisher interface {
	PublishBatch(ctx context.Context, batch storage.PayoutBatch) error
}

// Options tune the engine.
type Options struct {
	// LockKey is the advisory lock serialising runs across processes. Zero disables locking.
	LockKey int64
	Now     func() time.Time
}

// Candidate is a recipient whose unpaid balance has reached its threshold.
type Candidate struct {
	storage.RecipientTotal
	ProgressPct decimal.Decimal
}

// Progress describes a recipient's balance after a fragment was recorded.
type Progress struct {
	Inserted    bool
	UnpaidUSD   decimal.Decimal
	Threshold   *decimal.Decimal
	ProgressPct decimal.Decimal
	Ready       bool
}

// RunSummary reports one batch engine pass.
type RunSummary struct {
	Skipped   bool
	Eligible  int
	Committed []storage.PayoutBatch
	Failed    []storage.PayoutBatch
}

// Engine finds recipients over threshold and commits their batches.
type Engine struct {
	store     Store
	locker    storage.AdvisoryLocker
	publisher Publisher
	metrics   *metrics.Metrics
	opts      Options
	logger    zerolog.Logger
}

// NewEngine wires an Engine. locker may be nil when LockKey is zero.
func NewEngine(store Store, locker storage.AdvisoryLocker, publisher Publisher, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:     store,
		locker:    locker,
		publisher: publisher,
		metrics:   m,
		opts:      opts,
		logger:    logger.With().Str("component", "accumulation_engine").Logger(),
	}
}

// ProgressPct returns unpaid as a percentage of threshold. ok is false when
// the recipient has no usable threshold, in which case no division happens.
func ProgressPct(unpaid decimal.Decimal, threshold *decimal.Decimal) (pct decimal.Decimal, ok bool) {
	if threshold == nil || !threshold.IsPositive() {
		return decimal.Zero, false
	}
	return unpaid.Mul(hundred).Div(*threshold).Round(2), true
}

// MeetsThreshold reports whether unpaid is at least threshold.
func MeetsThreshold(unpaid decimal.Decimal, threshold *decimal.Decimal) bool {
	if threshold == nil || !threshold.IsPositive() {
		return false
	}
	return unpaid.GreaterThanOrEqual(*threshold)
}

// Accumulate records f and reports the recipient's progress towards a payout.
// Replaying a fragment with a known payment ref is a no-op.
func (e *Engine) Accumulate(ctx context.Context, f storage.Fragment) (Progress, error) {
	inserted, err := e.store.InsertFragment(ctx, f)
	if err != nil {
		return Progress{}, fmt.Errorf("insert fragment: %w", err)
	}

	unpaid, err := e.store.ListUnpaidFragments(ctx, f.RecipientID)
	if err != nil {
		return Progress{}, fmt.Errorf("list unpaid fragments: %w", err)
	}
	total := decimal.Zero
	for _, fr := range unpaid {
		total = total.Add(fr.AmountUSD)
	}

	progress := Progress{Inserted: inserted, UnpaidUSD: total}
	recipient, err := e.store.GetRecipient(ctx, f.RecipientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return Progress{}, fmt.Errorf("get recipient: %w", err)
	default:
		progress.Threshold = recipient.ThresholdUSD
	}
	if pct, ok := ProgressPct(total, progress.Threshold); ok {
		progress.ProgressPct = pct
		progress.Ready = MeetsThreshold(total, progress.Threshold)
	}

	e.logger.Info().
		Str("payment_ref", f.PaymentRef).
		Int64("recipient_id", f.RecipientID).
		Bool("inserted", inserted).
		Str("unpaid_usd", total.String()).
		Str("progress_pct", progress.ProgressPct.String()).
		Bool("ready", progress.Ready).
		Msg("fragment accumulated")
	return progress, nil
}

// FindRecipientsOverThreshold returns every recipient whose unpaid balance
// meets or exceeds its configured threshold.
func (e *Engine) FindRecipientsOverThreshold(ctx context.Context) ([]Candidate, error) {
	totals, err := e.store.ListRecipientTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recipient totals: %w", err)
	}

	out := make([]Candidate, 0, len(totals))
	for _, t := range totals {
		if t.PayoutMode != storage.PayoutThreshold {
			continue
		}
		if !MeetsThreshold(t.UnpaidUSD, t.ThresholdUSD) {
			continue
		}
		pct, _ := ProgressPct(t.UnpaidUSD, t.ThresholdUSD)
		out = append(out, Candidate{RecipientTotal: t, ProgressPct: pct})
	}
	return out, nil
}

// CommitBatch creates a pending batch for recipient and links fragments to
// it in one transaction.
func (e *Engine) CommitBatch(ctx context.Context, recipient storage.Recipient, fragments []storage.Fragment) (storage.PayoutBatch, error) {
	if len(fragments) == 0 {
		return storage.PayoutBatch{}, fmt.Errorf("commit batch for recipient %d: %w", recipient.ID, storage.ErrInvalidInput)
	}
	ids := make([]int64, 0, len(fragments))
	for _, f := range fragments {
		ids = append(ids, f.ID)
	}

	batch, err := e.store.CommitBatch(ctx, storage.PayoutBatch{
		ID:             uuid.New(),
		RecipientID:    recipient.ID,
		WalletAddress:  recipient.WalletAddress,
		PayoutCurrency: recipient.PayoutCurrency,
		PayoutNetwork:  recipient.PayoutNetwork,
		CreatedAt:      e.opts.Now(),
	}, ids)
	if err != nil {
		return storage.PayoutBatch{}, fmt.Errorf("commit batch for recipient %d: %w", recipient.ID, err)
	}
	return batch, nil
}

// Run performs one engine pass: find eligible recipients, commit a batch for
// each and hand it to the publisher. A batch whose publish fails is marked
// failed and its fragments stay linked to it.
func (e *Engine) Run(ctx context.Context, bucket time.Time) (RunSummary, error) {
	start := e.opts.Now()
	summary := RunSummary{}

	if e.opts.LockKey != 0 && e.locker != nil {
		unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.opts.LockKey)
		if err != nil {
			return summary, fmt.Errorf("acquire batch lock: %w", err)
		}
		if !acquired {
			e.logger.Debug().Time("bucket", bucket).Msg("another instance holds the batch lock")
			summary.Skipped = true
			return summary, nil
		}
		defer unlock()
	}

	candidates, err := e.FindRecipientsOverThreshold(ctx)
	if err != nil {
		return summary, err
	}
	summary.Eligible = len(candidates)

	var firstErr error
	for _, c := range candidates {
		logger := e.logger.With().Int64("recipient_id", c.ID).Logger()

		fragments, err := e.store.ListUnpaidFragments(ctx, c.ID)
		if err != nil {
			logger.Error().Err(err).Msg("list unpaid fragments failed")
			firstErr = keepFirst(firstErr, err)
			continue
		}
		if len(fragments) == 0 {
			continue
		}

		batch, err := e.CommitBatch(ctx, c.Recipient, fragments)
		if errors.Is(err, storage.ErrConflict) {
			logger.Warn().Err(err).Msg("fragments changed during commit; retrying next run")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("commit batch failed")
			firstErr = keepFirst(firstErr, err)
			continue
		}
		logger = logger.With().Str("batch_id", batch.ID.String()).Logger()

		if err := e.publisher.PublishBatch(ctx, batch); err != nil {
			logger.Error().Err(err).Msg("publish batch failed; marking batch failed")
			if markErr := e.store.UpdateBatchStatus(ctx, batch.ID, storage.BatchFailed, "enqueue failed: "+err.Error(), e.opts.Now()); markErr != nil {
				logger.Error().Err(markErr).Msg("mark batch failed")
			}
			batch.Status = storage.BatchFailed
			summary.Failed = append(summary.Failed, batch)
			firstErr = keepFirst(firstErr, err)
			continue
		}

		if err := e.store.UpdateBatchStatus(ctx, batch.ID, storage.BatchProcessing, "", e.opts.Now()); err != nil {
			logger.Warn().Err(err).Msg("mark batch processing")
		} else {
			batch.Status = storage.BatchProcessing
		}
		summary.Committed = append(summary.Committed, batch)
		logger.Info().
			Str("amount_usd", batch.AmountUSD.String()).
			Int("fragments", batch.FragmentCount).
			Msg("payout batch committed")
	}

	e.metrics.BatchRun(len(summary.Committed), len(summary.Failed), e.opts.Now().Sub(start))
	return summary, firstErr
}

func keepFirst(current, next error) error {
	if current != nil {
		return current
	}
	return next
}
