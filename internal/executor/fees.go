package executor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var rewardPercentiles = []float64{25, 50, 75}

type feeQuote struct {
	dynamic  bool
	tipCap   *big.Int
	feeCap   *big.Int
	gasPrice *big.Int
	source   string
}

func (q feeQuote) ceiling() *big.Int {
	if q.dynamic {
		return q.feeCap
	}
	return q.gasPrice
}

// quoteFees prefers an EIP-1559 quote from the latest block's fee history
// and falls back to the node's legacy gas price suggestion.
func (e *Executor) quoteFees(ctx context.Context, client ChainClient) (feeQuote, error) {
	quote, err := e.feeHistoryQuote(ctx, client)
	if err != nil {
		e.logger.Warn().Err(err).Msg("fee history unavailable, falling back to gas price")
		quote = e.legacyQuote(ctx, client)
	}

	if limit := e.opts.MaxFeePerGas; limit != nil && limit.Sign() > 0 && quote.ceiling().Cmp(limit) > 0 {
		return feeQuote{}, fmt.Errorf("gas price too high: %s wei exceeds ceiling %s wei", quote.ceiling(), limit)
	}
	return quote, nil
}

func (e *Executor) feeHistoryQuote(ctx context.Context, client ChainClient) (feeQuote, error) {
	history, err := client.FeeHistory(ctx, 1, nil, rewardPercentiles)
	if err != nil {
		return feeQuote{}, err
	}
	if history == nil || len(history.BaseFee) == 0 {
		return feeQuote{}, fmt.Errorf("fee history returned no base fee")
	}
	baseFee := history.BaseFee[len(history.BaseFee)-1]
	if baseFee == nil || baseFee.Sign() <= 0 {
		return feeQuote{}, fmt.Errorf("fee history returned zero base fee")
	}

	tip := new(big.Int).Set(e.opts.DefaultPriorityFee)
	if n := len(history.Reward); n > 0 && len(history.Reward[n-1]) > 1 {
		if median := history.Reward[n-1][1]; median != nil && median.Sign() > 0 {
			tip = new(big.Int).Set(median)
		}
	}

	scaled := decimal.NewFromBigInt(baseFee, 0).Mul(e.opts.BaseFeeMultiplier).Ceil().BigInt()
	return feeQuote{
		dynamic: true,
		tipCap:  tip,
		feeCap:  scaled.Add(scaled, tip),
		source:  "fee_history",
	}, nil
}

func (e *Executor) legacyQuote(ctx context.Context, client ChainClient) feeQuote {
	price, err := client.SuggestGasPrice(ctx)
	if err != nil || price == nil || price.Sign() <= 0 {
		e.logger.Warn().Err(err).Str("fallback_wei", e.opts.FallbackGasPrice.String()).Msg("gas price unavailable, using fallback")
		return feeQuote{gasPrice: new(big.Int).Set(e.opts.FallbackGasPrice), source: "fallback"}
	}
	return feeQuote{gasPrice: price, source: "gas_price"}
}

// replacementBump is the smallest fee increase a node accepts for a
// transaction that reuses a pending nonce.
var replacementBump = decimal.RequireFromString("1.125")

// replacementFees raises fresh so it outbids prev, the quote of the transfer
// being replaced. Without prev the replaced transfer was priced by an earlier
// Send, so fresh itself is bumped. The result never exceeds MaxFeePerGas; a
// clamped replacement the node refuses leaves the earlier transfer to land.
func (e *Executor) replacementFees(fresh feeQuote, prev *feeQuote) feeQuote {
	base := fresh
	if prev != nil && prev.dynamic == fresh.dynamic {
		base = *prev
	}

	out := fresh
	out.source = fresh.source + "+replacement"
	if fresh.dynamic {
		out.tipCap = maxBig(fresh.tipCap, bump(base.tipCap))
		out.feeCap = maxBig(fresh.feeCap, bump(base.feeCap))
	} else {
		out.gasPrice = maxBig(fresh.gasPrice, bump(base.gasPrice))
	}

	if limit := e.opts.MaxFeePerGas; limit != nil && limit.Sign() > 0 && out.ceiling().Cmp(limit) > 0 {
		if out.dynamic {
			out.feeCap = new(big.Int).Set(limit)
			if out.tipCap.Cmp(limit) > 0 {
				out.tipCap = new(big.Int).Set(limit)
			}
		} else {
			out.gasPrice = new(big.Int).Set(limit)
		}
	}
	return out
}

func bump(v *big.Int) *big.Int {
	return decimal.NewFromBigInt(v, 0).Mul(replacementBump).Ceil().BigInt()
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
