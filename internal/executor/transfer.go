package executor

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const (
	erc20ABIJSON = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"}]`

	nativeDecimals = 18
)

var (
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// TokenContract describes an ERC-20 asset the executor may send.
type TokenContract struct {
	Address  common.Address
	Decimals int32
}

// call is the unsigned payload of one transfer attempt.
type call struct {
	to    common.Address
	value *big.Int
	data  []byte
	gas   uint64
}

func (e *Executor) prepareCall(ctx context.Context, client ChainClient, req Request) (call, error) {
	dest := common.HexToAddress(req.Destination)
	currency := strings.ToLower(strings.TrimSpace(req.Currency))

	if currency == "" || currency == e.opts.NativeSymbol {
		wei, err := toBaseUnits(req.Amount, nativeDecimals)
		if err != nil {
			return call{}, err
		}
		return call{to: dest, value: wei, gas: e.opts.GasLimit}, nil
	}

	contract, ok := e.opts.Tokens[currency]
	if !ok {
		return call{}, fmt.Errorf("unsupported payout currency %q", req.Currency)
	}
	units, err := toBaseUnits(req.Amount, contract.Decimals)
	if err != nil {
		return call{}, err
	}
	data, err := erc20ABI.Pack("transfer", dest, units)
	if err != nil {
		return call{}, fmt.Errorf("pack erc20 transfer: %w", err)
	}

	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &contract.Address, Data: data})
	if err != nil {
		return call{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas + gas/5
	if gas < e.opts.TokenGasLimit {
		gas = e.opts.TokenGasLimit
	}
	return call{to: contract.Address, value: new(big.Int), data: data, gas: gas}, nil
}

func (e *Executor) buildTx(c call, nonce uint64, chainID *big.Int, fees feeQuote) *types.Transaction {
	to := c.to
	if fees.dynamic {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: fees.tipCap,
			GasFeeCap: fees.feeCap,
			Gas:       c.gas,
			To:        &to,
			Value:     c.value,
			Data:      c.data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fees.gasPrice,
		Gas:      c.gas,
		To:       &to,
		Value:    c.value,
		Data:     c.data,
	})
}

// toBaseUnits converts a decimal amount to the token's smallest unit, truncating dust.
func toBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	units := amount.Shift(decimals).Truncate(0)
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount: %s rounds to zero", amount.String())
	}
	return units.BigInt(), nil
}
