package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payrelay/internal/alerting"
	"payrelay/internal/queue"
	"payrelay/internal/saga"
	"payrelay/internal/storage"
	"payrelay/internal/swap"
	"payrelay/internal/token"
)

// Stages are the saga hops served by this process.
type Stages struct {
	Split      *saga.Stage[*token.Notice]
	Accumulate *saga.Stage[*token.Notice]
	Batch      *saga.Stage[*token.Batch]
	Payment    *saga.Stage[*token.Transfer]
}

// Policy is the retry policy shared by every stage.
type Policy struct {
	MaxAttempts uint16
	RetryDelay  time.Duration
}

// Stages builds every stage on top of deps.
func (s *Service) Stages(deps saga.Deps, policy Policy) (*Stages, error) {
	cfg := func(name, q string) saga.Config {
		return saga.Config{Name: name, Queue: q, MaxAttempts: policy.MaxAttempts, RetryDelay: policy.RetryDelay}
	}
	newNotice := func() *token.Notice { return &token.Notice{} }

	split, err := saga.NewStage(cfg("split", queue.QueueSplit), deps, newNotice, s.split)
	if err != nil {
		return nil, err
	}
	accumulate, err := saga.NewStage(cfg("accumulate", queue.QueueAccumulate), deps, newNotice, s.accumulate)
	if err != nil {
		return nil, err
	}
	batch, err := saga.NewStage(cfg("batch", queue.QueueBatch), deps, func() *token.Batch { return &token.Batch{} }, s.payoutBatch)
	if err != nil {
		return nil, err
	}
	payment, err := saga.NewStage(cfg("payment", queue.QueuePayment), deps, func() *token.Transfer { return &token.Transfer{} }, s.pay)
	if err != nil {
		return nil, err
	}

	batch.OnTerminalFailure(s.batchFailed)
	payment.OnTerminalFailure(s.paymentFailed)

	return &Stages{Split: split, Accumulate: accumulate, Batch: batch, Payment: payment}, nil
}

// Handlers maps each queue to the stage that consumes it.
func (st *Stages) Handlers() map[string]http.Handler {
	return map[string]http.Handler{
		queue.QueueSplit:      st.Split,
		queue.QueueAccumulate: st.Accumulate,
		queue.QueueBatch:      st.Batch,
		queue.QueuePayment:    st.Payment,
	}
}

// split retains the platform fee and routes the creator's share to
// accumulation or straight to payout.
func (s *Service) split(ctx context.Context, n *token.Notice) ([]saga.Next, error) {
	amount := decimal.NewFromFloat(n.AmountUSD)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("invalid amount: %s usd", amount)
	}
	fee, net := SplitFee(amount, s.opts.PlatformFeePct)

	log := s.logger.With().Str("payment_ref", n.PaymentRef).Logger()
	log.Info().Str("amount_usd", amount.String()).
		Str("fee_usd", fee.String()).
		Str("net_usd", net.String()).
		Str("payout_mode", n.PayoutMode).
		Msg("fee split")

	if storage.PayoutMode(n.PayoutMode) == storage.PayoutThreshold {
		fwd := *n
		fwd.Header = token.Header{}
		fwd.AmountUSD = net.InexactFloat64()
		return []saga.Next{{Queue: queue.QueueAccumulate, Token: &fwd}}, nil
	}

	transfer, err := s.prepareTransfer(ctx, payout{
		ID:       TransferID(n.PaymentRef),
		Ref:      n.PaymentRef,
		Wallet:   n.WalletAddress,
		Currency: n.PayoutCurrency,
		Network:  n.PayoutNetwork,
		USD:      net,
	})
	if err != nil {
		return nil, err
	}
	return []saga.Next{{Queue: queue.QueuePayment, Token: transfer}}, nil
}

// accumulate records the creator's share as an unpaid fragment. The batch
// engine picks the recipient up once the threshold is met.
func (s *Service) accumulate(ctx context.Context, n *token.Notice) ([]saga.Next, error) {
	if s.deps.Engine == nil {
		return nil, errors.New("accumulation engine not configured")
	}
	progress, err := s.deps.Engine.Accumulate(ctx, storage.Fragment{
		PaymentRef:     n.PaymentRef,
		RecipientID:    n.RecipientID,
		UserID:         n.UserID,
		AmountUSD:      decimal.NewFromFloat(n.AmountUSD).Round(8),
		PayoutCurrency: n.PayoutCurrency,
		PayoutNetwork:  n.PayoutNetwork,
		CreatedAt:      s.opts.Now(),
	})
	if err != nil {
		return nil, err
	}
	if progress.Ready {
		s.logger.Info().Int64("recipient_id", n.RecipientID).
			Str("unpaid_usd", progress.UnpaidUSD.String()).
			Msg("recipient reached payout threshold")
	}
	return nil, nil
}

// payoutBatch prices and swaps a committed batch and hands the transfer to
// the payment stage under the batch id.
func (s *Service) payoutBatch(ctx context.Context, b *token.Batch) ([]saga.Next, error) {
	batch, err := s.deps.Store.GetBatch(ctx, b.BatchID)
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", b.BatchID, err)
	}
	log := s.logger.With().Str("batch_id", b.BatchID.String()).Logger()

	switch batch.Status {
	case storage.BatchCompleted, storage.BatchFailed:
		log.Info().Str("status", string(batch.Status)).Msg("batch already settled; skipping")
		return nil, nil
	}

	transfer, err := s.prepareTransfer(ctx, payout{
		ID:       batch.ID,
		Ref:      batch.ID.String(),
		Wallet:   batch.WalletAddress,
		Currency: batch.PayoutCurrency,
		Network:  batch.PayoutNetwork,
		USD:      batch.AmountUSD,
	})
	if err != nil {
		return nil, err
	}
	return []saga.Next{{Queue: queue.QueuePayment, Token: transfer}}, nil
}

func (s *Service) batchFailed(ctx context.Context, b *token.Batch, failure storage.Failure) error {
	return s.markBatch(ctx, b.BatchID, storage.BatchFailed, failureReason(failure))
}

type payout struct {
	ID       uuid.UUID
	Ref      string
	Wallet   string
	Currency string
	Network  string
	USD      decimal.Decimal
}

// prepareTransfer quotes the payout in the host wallet's currency. When the
// recipient wants another asset an exchange is opened and the transfer pays
// its deposit address instead of the recipient.
func (s *Service) prepareTransfer(ctx context.Context, p payout) (*token.Transfer, error) {
	if s.deps.Quoter == nil {
		return nil, errors.New("price quoter not configured")
	}
	pair := swap.Pair{
		FromCurrency: s.opts.SourceCurrency,
		FromNetwork:  s.opts.SourceNetwork,
		ToCurrency:   p.Currency,
		ToNetwork:    p.Network,
	}

	quote, err := s.deps.Quoter.Quote(ctx, s.opts.SourceCurrency, p.USD)
	if err != nil {
		return nil, fmt.Errorf("quote %s usd in %s: %w", p.USD, s.opts.SourceCurrency, err)
	}
	amount := quote.Amount.Truncate(18)

	transfer := &token.Transfer{
		UniqueID:           p.ID,
		SourceCurrency:     strings.ToLower(s.opts.SourceCurrency),
		SourceNetwork:      strings.ToLower(s.opts.SourceNetwork),
		DestinationAddress: p.Wallet,
		Amount:             amount.InexactFloat64(),
	}

	if !pair.Direct() {
		if s.deps.Exchanger == nil {
			return nil, errors.New("swap exchanger not configured")
		}
		ex, err := s.deps.Exchanger.Create(ctx, swap.CreateRequest{
			Pair:       pair,
			FromAmount: amount,
			Address:    p.Wallet,
			Reference:  p.Ref,
		})
		if err != nil {
			return nil, fmt.Errorf("create exchange: %w", err)
		}
		transfer.DestinationAddress = ex.PayinAddress
		transfer.ExternalRefID = ex.ID
	}

	s.logger.Info().Str("lineage", p.ID.String()).
		Str("usd", p.USD.String()).
		Str("amount", amount.String()).
		Str("source_currency", transfer.SourceCurrency).
		Str("payout_currency", p.Currency).
		Str("exchange_id", transfer.ExternalRefID).
		Msg("transfer prepared")
	return transfer, nil
}

func (s *Service) markBatch(ctx context.Context, id uuid.UUID, status storage.BatchStatus, reason string) error {
	err := s.deps.Store.UpdateBatchStatus(ctx, id, status, reason, s.opts.Now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrInvalidTransition):
		s.logger.Warn().Err(err).Str("batch_id", id.String()).Str("status", string(status)).Msg("batch already settled")
		return nil
	default:
		return fmt.Errorf("mark batch %s %s: %w", id, status, err)
	}
}

// isBatch reports whether lineage names a payout batch.
func (s *Service) isBatch(ctx context.Context, lineage uuid.UUID) (bool, error) {
	_, err := s.deps.Store.GetBatch(ctx, lineage)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *Service) publishCompletion(ctx context.Context, event alerting.CompletionEvent) {
	if s.deps.Completions == nil {
		return
	}
	if err := s.deps.Completions.PublishCompletion(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("lineage", event.Lineage).Msg("completion event not delivered")
	}
}

func failureReason(f storage.Failure) string {
	if f.ErrorMessage == "" {
		return f.ErrorCode
	}
	return f.ErrorCode + ": " + f.ErrorMessage
}
