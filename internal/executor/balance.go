package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/shopspring/decimal"
)

// Balance is the host wallet's holding of one payout currency.
type Balance struct {
	Currency    string
	Amount      decimal.Decimal
	BlockNumber uint64
}

// Balance reads the host wallet balance of currency at the latest block.
func (e *Executor) Balance(ctx context.Context, currency string) (Balance, error) {
	if e.opts.RPCURL == "" {
		return Balance{}, errors.New("ethereum rpc url not configured")
	}
	client, _, err := e.getClient(ctx)
	if err != nil {
		return Balance{}, err
	}

	symbol := strings.ToLower(strings.TrimSpace(currency))
	if symbol == "" {
		symbol = e.opts.NativeSymbol
	}

	var amount decimal.Decimal
	if symbol == e.opts.NativeSymbol {
		wei, err := client.BalanceAt(ctx, e.from, nil)
		if err != nil {
			return Balance{}, fmt.Errorf("fetch native balance: %w", err)
		}
		amount = decimal.NewFromBigInt(wei, -nativeDecimals)
	} else {
		contract, ok := e.opts.Tokens[symbol]
		if !ok {
			return Balance{}, fmt.Errorf("unsupported payout currency %q", currency)
		}
		payload, err := erc20ABI.Pack("balanceOf", e.from)
		if err != nil {
			return Balance{}, err
		}
		res, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract.Address, Data: payload}, nil)
		if err != nil {
			return Balance{}, fmt.Errorf("call balanceOf: %w", err)
		}
		outputs, err := erc20ABI.Unpack("balanceOf", res)
		if err != nil {
			return Balance{}, err
		}
		if len(outputs) != 1 {
			return Balance{}, errors.New("unexpected balanceOf response")
		}
		units, ok := outputs[0].(*big.Int)
		if !ok {
			return Balance{}, errors.New("failed to decode balanceOf output")
		}
		amount = decimal.NewFromBigInt(units, -contract.Decimals)
	}

	block, err := client.BlockNumber(ctx)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Currency: symbol, Amount: amount, BlockNumber: block}, nil
}
