package token

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the saga hop a token belongs to.
type Kind string

const (
	KindNotice   Kind = "notice"
	KindTransfer Kind = "transfer"
	KindBatch    Kind = "batch"
)

// Payload is implemented by every token type the codec understands.
type Payload interface {
	Kind() Kind
	// Lineage returns the identifier shared by every token of one saga.
	Lineage() string
	Meta() *Header

	writeBody(w *writer) error
	readBody(r *reader) error
}

// Header carries fields common to every token. IssuedAt is filled on decode
// at minute resolution; Retry is written to and read from the trailer.
type Header struct {
	IssuedAt time.Time
	Retry    RetryMeta
}

// Notice is minted by intake when a payment notification arrives.
type Notice struct {
	Header

	UserID         int64
	RecipientID    int64
	PaymentRef     string
	WalletAddress  string
	PayoutCurrency string
	PayoutNetwork  string
	PayoutMode     string
	AmountUSD      float64
}

func (t *Notice) Kind() Kind { return KindNotice }
func (t *Notice) Lineage() string { return t.PaymentRef }
func (t *Notice) Meta() *Header { return &t.Header }

func (t *Notice) writeBody(w *writer) error {
	if err := w.id48(t.UserID); err != nil {
		return fmt.Errorf("user_id: %w", err)
	}
	if err := w.id48(t.RecipientID); err != nil {
		return fmt.Errorf("recipient_id: %w", err)
	}
	for _, f := range []struct{ name, value string }{
		{"payment_ref", t.PaymentRef},
		{"wallet_address", t.WalletAddress},
		{"payout_currency", t.PayoutCurrency},
		{"payout_network", t.PayoutNetwork},
		{"payout_mode", t.PayoutMode},
	} {
		if err := w.str(f.name, f.value); err != nil {
			return err
		}
	}
	w.float64(t.AmountUSD)
	return nil
}

func (t *Notice) readBody(r *reader) (err error) {
	if t.UserID, err = r.id48(); err != nil {
		return err
	}
	if t.RecipientID, err = r.id48(); err != nil {
		return err
	}
	for _, dst := range []*string{&t.PaymentRef, &t.WalletAddress, &t.PayoutCurrency, &t.PayoutNetwork, &t.PayoutMode} {
		if *dst, err = r.str(); err != nil {
			return err
		}
	}
	t.AmountUSD, err = r.float64()
	return err
}

// Transfer asks the payment stage to move Amount of SourceCurrency to
// DestinationAddress. UniqueID is stable across retries and hops.
type Transfer struct {
	Header

	UniqueID           uuid.UUID
	ExternalRefID      string
	SourceCurrency     string
	SourceNetwork      string
	DestinationAddress string
	Amount             float64
}

func (t *Transfer) Kind() Kind { return KindTransfer }
func (t *Transfer) Lineage() string { return t.UniqueID.String() }
func (t *Transfer) Meta() *Header { return &t.Header }

func (t *Transfer) writeBody(w *writer) error {
	w.fixed(t.UniqueID[:])
	for _, f := range []struct{ name, value string }{
		{"external_ref_id", t.ExternalRefID},
		{"source_currency", t.SourceCurrency},
		{"source_network", t.SourceNetwork},
		{"destination_address", t.DestinationAddress},
	} {
		if err := w.str(f.name, f.value); err != nil {
			return err
		}
	}
	w.float64(t.Amount)
	return nil
}

func (t *Transfer) readBody(r *reader) (err error) {
	if err = r.fixed(t.UniqueID[:]); err != nil {
		return err
	}
	for _, dst := range []*string{&t.ExternalRefID, &t.SourceCurrency, &t.SourceNetwork, &t.DestinationAddress} {
		if *dst, err = r.str(); err != nil {
			return err
		}
	}
	t.Amount, err = r.float64()
	return err
}

// Batch is emitted once a recipient's accumulated balance crosses its threshold.
type Batch struct {
	Header

	BatchID        uuid.UUID
	RecipientID    int64
	WalletAddress  string
	PayoutCurrency string
	PayoutNetwork  string
	AmountUSD      float64
}

func (t *Batch) Kind() Kind { return KindBatch }
func (t *Batch) Lineage() string { return t.BatchID.String() }
func (t *Batch) Meta() *Header { return &t.Header }

func (t *Batch) writeBody(w *writer) error {
	w.fixed(t.BatchID[:])
	if err := w.id48(t.RecipientID); err != nil {
		return fmt.Errorf("recipient_id: %w", err)
	}
	for _, f := range []struct{ name, value string }{
		{"wallet_address", t.WalletAddress},
		{"payout_currency", t.PayoutCurrency},
		{"payout_network", t.PayoutNetwork},
	} {
		if err := w.str(f.name, f.value); err != nil {
			return err
		}
	}
	w.float64(t.AmountUSD)
	return nil
}

func (t *Batch) readBody(r *reader) (err error) {
	if err = r.fixed(t.BatchID[:]); err != nil {
		return err
	}
	if t.RecipientID, err = r.id48(); err != nil {
		return err
	}
	for _, dst := range []*string{&t.WalletAddress, &t.PayoutCurrency, &t.PayoutNetwork} {
		if *dst, err = r.str(); err != nil {
			return err
		}
	}
	t.AmountUSD, err = r.float64()
	return err
}

// New returns an empty payload for kind, or nil when kind is unknown.
func New(kind Kind) Payload {
	switch kind {
	case KindNotice:
		return &Notice{}
	case KindTransfer:
		return &Transfer{}
	case KindBatch:
		return &Batch{}
	default:
		return nil
	}
}

var (
	_ Payload = (*Notice)(nil)
	_ Payload = (*Transfer)(nil)
	_ Payload = (*Batch)(nil)
)
