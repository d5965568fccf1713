// Package pricing converts USD amounts into payout asset quantities.
package pricing

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Quote is the result of pricing one USD amount in an asset.
type Quote struct {
	Asset   string
	USD     decimal.Decimal
	Amount  decimal.Decimal
	Rate    decimal.Decimal // asset units per USD
	Quality string
	Raw     json.RawMessage
}

// Quoter prices a USD amount in the named asset.
type Quoter interface {
	Quote(ctx context.Context, asset string, usd decimal.Decimal) (Quote, error)
}
