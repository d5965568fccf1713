package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutMode selects how a recipient is paid.
type PayoutMode string

const (
	PayoutInstant   PayoutMode = "instant"
	PayoutThreshold PayoutMode = "threshold"
)

// Recipient is a payout destination with its accumulation settings.
type Recipient struct {
	ID             int64
	WalletAddress  string
	PayoutCurrency string
	PayoutNetwork  string
	PayoutMode     PayoutMode
	// ThresholdUSD is nil for recipients paid instantly.
	ThresholdUSD *decimal.Decimal
	UpdatedAt    time.Time
}

// Fragment is one payment's contribution to a recipient's pending balance.
type Fragment struct {
	ID             int64
	PaymentRef     string
	RecipientID    int64
	UserID         int64
	AmountUSD      decimal.Decimal
	PayoutCurrency string
	PayoutNetwork  string
	PaidOut        bool
	BatchID        *uuid.UUID
	CreatedAt      time.Time
	PaidOutAt      *time.Time
}

// RecipientTotal aggregates a recipient's unpaid fragments.
type RecipientTotal struct {
	Recipient
	UnpaidUSD     decimal.Decimal
	FragmentCount int
}

// BatchStatus is the lifecycle state of a payout batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// allowedFrom lists the states a batch may move to s from. Repeating the
// current state is allowed so redelivered updates are no-ops; completed is final.
func (s BatchStatus) allowedFrom() []string {
	switch s {
	case BatchProcessing:
		return []string{string(BatchPending), string(BatchProcessing)}
	case BatchCompleted:
		return []string{string(BatchPending), string(BatchProcessing), string(BatchCompleted)}
	case BatchFailed:
		return []string{string(BatchPending), string(BatchProcessing), string(BatchFailed)}
	default:
		return nil
	}
}

// CanMoveTo reports whether a batch in status s may transition to next.
func (s BatchStatus) CanMoveTo(next BatchStatus) bool {
	for _, from := range next.allowedFrom() {
		if from == string(s) {
			return true
		}
	}
	return false
}

// PayoutBatch is a committed decision to pay a recipient.
type PayoutBatch struct {
	ID                  uuid.UUID
	RecipientID         int64
	AmountUSD           decimal.Decimal
	FragmentCount       int
	WalletAddress       string
	PayoutCurrency      string
	PayoutNetwork       string
	Status              BatchStatus
	Error               *string
	CreatedAt           time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
}

// Failure is the durable record of a saga lineage that ended in failure.
type Failure struct {
	UniqueID       string
	Stage          string
	ErrorCode      string
	ErrorMessage   string
	AttemptCount   int
	FirstAttemptAt time.Time
	Details        json.RawMessage
	CreatedAt      time.Time
	// AlertedAt is nil until operators have been notified of the failure.
	AlertedAt *time.Time
}

// PaymentStatus tracks one on-chain transfer per lineage.
type PaymentStatus string

const (
	PaymentExecuting PaymentStatus = "executing"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is the idempotency record for an on-chain transfer keyed by unique id.
type Payment struct {
	UniqueID      string
	ExternalRefID string
	Destination   string
	Amount        decimal.Decimal
	Currency      string
	Status        PaymentStatus
	TxHash        *string
	BlockNumber   *int64
	GasUsed       *int64
	ErrorCode     *string
	// Nonce is shared by every transfer broadcast for the payment.
	Nonce *int64
	// BroadcastHashes lists those transfers in broadcast order.
	BroadcastHashes []string
	ClaimedAt       time.Time
	UpdatedAt       time.Time
}

// PaymentClaim is the result of trying to take ownership of a transfer.
type PaymentClaim struct {
	Claimed bool
	Current Payment
}
