// Package service holds the unit of work behind each saga stage: intake,
// fee split, accumulation, batch payout and on-chain payment.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"payrelay/internal/accumulation"
	"payrelay/internal/alerting"
	"payrelay/internal/executor"
	"payrelay/internal/pricing"
	"payrelay/internal/queue"
	"payrelay/internal/saga"
	"payrelay/internal/storage"
	"payrelay/internal/swap"
	"payrelay/internal/token"
)

// ErrInvalidNotification is returned by Intake for a notification that can never be processed.
var ErrInvalidNotification = errors.New("service: invalid payment notification")

// transferNamespace derives a transfer's unique id from its payment ref so
// that every redelivery of a split produces the same lineage.
var transferNamespace = uuid.MustParse("6f1c1d2e-8d0b-4b8e-9f43-0c6cbb1a5e21")

var hundred = decimal.NewFromInt(100)

// Sender executes on-chain transfers.
type Sender interface {
	Send(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Store is the persistence the stages need.
type Store interface {
	storage.RecipientStore
	storage.BatchStore
	storage.PaymentStore
}

// Options tune the stages.
type Options struct {
	// PlatformFeePct is retained from every payment before the creator payout.
	PlatformFeePct decimal.Decimal
	// SourceCurrency and SourceNetwork name what the host wallet pays with.
	SourceCurrency string
	SourceNetwork  string
	// PaymentLease is how long a payment claim blocks other deliveries.
	PaymentLease time.Duration
	// SendTimeout bounds one executor Send so the delivery keeps time to
	// record its outcome. Zero leaves the delivery's context as the bound.
	SendTimeout time.Duration
	Now         func() time.Time
}

// Deps are the collaborators of Service.
type Deps struct {
	Store       Store
	Engine      *accumulation.Engine
	Quoter      pricing.Quoter
	Exchanger   swap.Exchanger
	Sender      Sender
	Completions alerting.CompletionPublisher
	Codec       *token.Codec
	Queue       queue.Enqueuer
}

// Service orchestrates pricing, swapping, payment and persistence for the saga.
type Service struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
}

// New validates deps and constructs the service.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Store == nil || deps.Codec == nil || deps.Queue == nil {
		return nil, errors.New("service: store, codec and queue are required")
	}
	if opts.SourceCurrency == "" {
		opts.SourceCurrency = "eth"
	}
	if opts.SourceNetwork == "" {
		opts.SourceNetwork = "eth"
	}
	if opts.PaymentLease <= 0 {
		opts.PaymentLease = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.PlatformFeePct.IsNegative() || opts.PlatformFeePct.GreaterThanOrEqual(hundred) {
		return nil, fmt.Errorf("service: platform fee %s%% out of range", opts.PlatformFeePct)
	}

	return &Service{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "service").Logger(),
	}, nil
}

// Notification is an inbound payment notification.
type Notification struct {
	UserID         int64            `json:"user_id"`
	RecipientID    int64            `json:"recipient_id"`
	PaymentRef     string           `json:"payment_ref"`
	WalletAddress  string           `json:"wallet_address"`
	PayoutCurrency string           `json:"payout_currency"`
	PayoutNetwork  string           `json:"payout_network"`
	PayoutMode     string           `json:"payout_mode"`
	ThresholdUSD   *decimal.Decimal `json:"threshold_usd,omitempty"`
	AmountUSD      decimal.Decimal  `json:"amount_usd"`
}

// IntakeResult reports what Intake did.
type IntakeResult struct {
	PaymentRef string `json:"payment_ref"`
	// Enqueued is false when the same notification was already accepted.
	Enqueued bool `json:"enqueued"`
}

func (n Notification) validate() error {
	var problems []string
	if strings.TrimSpace(n.PaymentRef) == "" {
		problems = append(problems, "payment_ref is required")
	}
	if strings.TrimSpace(n.WalletAddress) == "" {
		problems = append(problems, "wallet_address is required")
	}
	if n.PayoutCurrency == "" || n.PayoutNetwork == "" {
		problems = append(problems, "payout_currency and payout_network are required")
	}
	if !n.AmountUSD.IsPositive() {
		problems = append(problems, "amount_usd must be positive")
	}
	switch storage.PayoutMode(n.PayoutMode) {
	case storage.PayoutInstant:
	case storage.PayoutThreshold:
		if n.ThresholdUSD == nil || !n.ThresholdUSD.IsPositive() {
			problems = append(problems, "threshold_usd must be positive for threshold payouts")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown payout_mode %q", n.PayoutMode))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidNotification, strings.Join(problems, "; "))
	}
	return nil
}

// Intake records the recipient's payout settings and starts a saga by
// minting a notice token onto the split queue. Repeating a notification is a no-op.
func (s *Service) Intake(ctx context.Context, n Notification) (IntakeResult, error) {
	if err := n.validate(); err != nil {
		return IntakeResult{}, err
	}

	recipient := storage.Recipient{
		ID:             n.RecipientID,
		WalletAddress:  n.WalletAddress,
		PayoutCurrency: strings.ToLower(n.PayoutCurrency),
		PayoutNetwork:  strings.ToLower(n.PayoutNetwork),
		PayoutMode:     storage.PayoutMode(n.PayoutMode),
		ThresholdUSD:   n.ThresholdUSD,
	}
	notice := &token.Notice{
		Header:         token.Header{Retry: token.FirstAttempt(s.opts.Now())},
		UserID:         n.UserID,
		RecipientID:    n.RecipientID,
		PaymentRef:     n.PaymentRef,
		WalletAddress:  n.WalletAddress,
		PayoutCurrency: recipient.PayoutCurrency,
		PayoutNetwork:  recipient.PayoutNetwork,
		PayoutMode:     n.PayoutMode,
		AmountUSD:      n.AmountUSD.InexactFloat64(),
	}
	// The notice must encode before any state changes.
	if _, err := s.deps.Codec.Encode(notice); err != nil {
		if errors.Is(err, token.ErrStringTooLong) || errors.Is(err, token.ErrIDOutOfRange) {
			return IntakeResult{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
		}
		return IntakeResult{}, err
	}

	if err := s.deps.Store.UpsertRecipient(ctx, recipient); err != nil {
		return IntakeResult{}, fmt.Errorf("upsert recipient: %w", err)
	}
	created, err := saga.Publish(ctx, s.deps.Codec, s.deps.Queue, saga.Next{Queue: queue.QueueSplit, Token: notice})
	if err != nil {
		return IntakeResult{}, err
	}

	s.logger.Info().Str("payment_ref", n.PaymentRef).
		Int64("recipient_id", n.RecipientID).
		Str("amount_usd", n.AmountUSD.String()).
		Str("payout_mode", n.PayoutMode).
		Bool("enqueued", created).
		Msg("payment notification accepted")
	return IntakeResult{PaymentRef: n.PaymentRef, Enqueued: created}, nil
}

// SplitFee returns the platform fee and the creator's net share of amount.
// The fee is rounded to the cent; the net share absorbs the remainder.
func SplitFee(amount, pct decimal.Decimal) (fee, net decimal.Decimal) {
	fee = amount.Mul(pct).Div(hundred).Round(2)
	return fee, amount.Sub(fee)
}

// TransferID returns the stable transfer lineage for an instant payout.
func TransferID(paymentRef string) uuid.UUID {
	return uuid.NewSHA1(transferNamespace, []byte(paymentRef))
}
