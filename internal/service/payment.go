package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"payrelay/internal/alerting"
	"payrelay/internal/classifier"
	"payrelay/internal/executor"
	"payrelay/internal/saga"
	"payrelay/internal/storage"
	"payrelay/internal/token"
)

// pay executes a transfer at most once per unique id. A delivery that finds
// the payment already claimed by a live worker is deferred; one that finds it
// completed only re-runs the settlement steps.
func (s *Service) pay(ctx context.Context, t *token.Transfer) ([]saga.Next, error) {
	if s.deps.Sender == nil {
		return nil, errors.New("payment executor not configured")
	}
	now := s.opts.Now()
	uid := t.UniqueID.String()
	amount := decimal.NewFromFloat(t.Amount)
	log := s.logger.With().Str("lineage", uid).Str("destination", t.DestinationAddress).Logger()

	claim, err := s.deps.Store.ClaimPayment(ctx, storage.Payment{
		UniqueID:      uid,
		ExternalRefID: t.ExternalRefID,
		Destination:   t.DestinationAddress,
		Amount:        amount,
		Currency:      t.SourceCurrency,
		Status:        storage.PaymentExecuting,
		ClaimedAt:     now,
	}, now.Add(-s.opts.PaymentLease))
	if err != nil {
		return nil, fmt.Errorf("claim payment: %w", err)
	}

	if !claim.Claimed {
		switch claim.Current.Status {
		case storage.PaymentCompleted:
			log.Info().Msg("payment already completed; settling only")
			return nil, s.settle(ctx, t, claim.Current)
		default:
			log.Info().Time("claimed_at", claim.Current.ClaimedAt).Msg("payment claimed by another delivery")
			return nil, saga.ErrDeferred
		}
	}

	prior := journaled(claim.Current)
	if len(prior) > 0 {
		log.Info().Int("broadcasts", len(prior)).Uint64("nonce", prior[0].Nonce).
			Msg("resuming journaled broadcasts")
	}

	sendCtx, cancel := s.sendContext(ctx)
	defer cancel()
	res, err := s.deps.Sender.Send(sendCtx, executor.Request{
		LineageID:   uid,
		Destination: t.DestinationAddress,
		Amount:      amount,
		Currency:    t.SourceCurrency,
		Prior:       prior,
		Record: func(ctx context.Context, b executor.Broadcast) error {
			return s.deps.Store.RecordBroadcast(ctx, uid, b.Hash.Hex(), b.Nonce, s.opts.Now())
		},
	})
	if err != nil {
		code := classifier.UnknownCode
		var ce *classifier.ClassifiedError
		if errors.As(err, &ce) {
			code = ce.Code
		}
		if failErr := s.deps.Store.FailPayment(context.WithoutCancel(ctx), uid, code, s.opts.Now()); failErr != nil {
			log.Error().Err(failErr).Msg("release payment claim")
		}
		return nil, err
	}

	hash := res.TxHash.Hex()
	block := int64(res.BlockNumber)
	gas := int64(res.GasUsed)
	if err := s.deps.Store.CompletePayment(context.WithoutCancel(ctx), uid, hash, block, gas, s.opts.Now()); err != nil {
		// The transfer is on chain; the saga must not retry into a second send.
		log.Error().Err(err).Str("tx_hash", hash).Msg("record completed payment")
	}

	log.Info().Str("tx_hash", hash).
		Uint64("block", res.BlockNumber).
		Int("executor_attempts", res.Attempts).
		Msg("payment confirmed")

	return nil, s.settle(ctx, t, storage.Payment{
		UniqueID:    uid,
		Destination: t.DestinationAddress,
		Amount:      amount,
		Currency:    t.SourceCurrency,
		Status:      storage.PaymentCompleted,
		TxHash:      &hash,
		BlockNumber: &block,
		GasUsed:     &gas,
	})
}

// journaled returns the transfers an earlier delivery broadcast for p.
func journaled(p storage.Payment) []executor.Broadcast {
	if p.Nonce == nil {
		return nil
	}
	out := make([]executor.Broadcast, 0, len(p.BroadcastHashes))
	for _, hash := range p.BroadcastHashes {
		out = append(out, executor.Broadcast{Hash: common.HexToHash(hash), Nonce: uint64(*p.Nonce)})
	}
	return out
}

func (s *Service) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.SendTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.SendTimeout)
}

// settle marks a batch lineage completed and tells the front-end. It is
// safe to repeat.
func (s *Service) settle(ctx context.Context, t *token.Transfer, p storage.Payment) error {
	batch, err := s.isBatch(ctx, t.UniqueID)
	if err != nil {
		return fmt.Errorf("lookup batch: %w", err)
	}
	if batch {
		if err := s.markBatch(ctx, t.UniqueID, storage.BatchCompleted, ""); err != nil {
			return err
		}
	}

	event := alerting.CompletionEvent{
		Lineage:     p.UniqueID,
		ExternalRef: t.ExternalRefID,
		Status:      alerting.CompletionSucceeded,
		Destination: p.Destination,
		Amount:      p.Amount.String(),
		Currency:    p.Currency,
		OccurredAt:  s.opts.Now(),
	}
	if p.TxHash != nil {
		event.TxHash = *p.TxHash
	}
	s.publishCompletion(ctx, event)
	return nil
}

// paymentFailed compensates a terminally failed transfer.
func (s *Service) paymentFailed(ctx context.Context, t *token.Transfer, failure storage.Failure) error {
	uid := t.UniqueID.String()
	current, err := s.deps.Store.GetPayment(ctx, uid)
	switch {
	case err == nil && current.Status == storage.PaymentCompleted:
		s.logger.Warn().Str("lineage", uid).Msg("terminal failure for a completed payment; leaving it settled")
		return nil
	case err == nil && current.Status == storage.PaymentExecuting:
		if err := s.deps.Store.FailPayment(ctx, uid, failure.ErrorCode, s.opts.Now()); err != nil {
			return fmt.Errorf("fail payment: %w", err)
		}
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load payment: %w", err)
	}

	batch, err := s.isBatch(ctx, t.UniqueID)
	if err != nil {
		return fmt.Errorf("lookup batch: %w", err)
	}
	if batch {
		if err := s.markBatch(ctx, t.UniqueID, storage.BatchFailed, failureReason(failure)); err != nil {
			return err
		}
	}

	s.publishCompletion(ctx, alerting.CompletionEvent{
		Lineage:     uid,
		ExternalRef: t.ExternalRefID,
		Status:      alerting.CompletionFailed,
		Destination: t.DestinationAddress,
		Amount:      strconv.FormatFloat(t.Amount, 'f', -1, 64),
		Currency:    t.SourceCurrency,
		ErrorCode:   failure.ErrorCode,
		OccurredAt:  s.opts.Now(),
	})
	return nil
}
