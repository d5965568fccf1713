package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Broadcast is a signed transfer handed to the node. Every broadcast of one
// payment shares a nonce, so at most one of them can be mined.
type Broadcast struct {
	Hash  common.Hash
	Nonce uint64
}

// checkBroadcast looks for a receipt of any earlier broadcast.
func (e *Executor) checkBroadcast(ctx context.Context, client ChainClient, sent []Broadcast) (*Result, bool, error) {
	for _, tx := range sent {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				e.logger.Debug().Err(err).Str("tx_hash", tx.Hash.Hex()).Msg("receipt lookup failed")
			}
			continue
		}
		if receipt.Status != 1 {
			return nil, true, fmt.Errorf("transaction reverted: %s in block %s", tx.Hash.Hex(), receipt.BlockNumber)
		}

		res := &Result{
			TxHash:            tx.Hash,
			Status:            StatusSuccess,
			From:              e.from,
			Nonce:             tx.Nonce,
			GasUsed:           receipt.GasUsed,
			EffectiveGasPrice: receipt.EffectiveGasPrice,
		}
		if receipt.BlockNumber != nil {
			res.BlockNumber = receipt.BlockNumber.Uint64()
		}
		return res, true, nil
	}
	return nil, false, nil
}

// awaitConfirmation polls for receipts until one of sent lands or the
// confirmation window closes.
func (e *Executor) awaitConfirmation(ctx context.Context, client ChainClient, sent []Broadcast) (*Result, error) {
	deadline := e.opts.Now().Add(e.opts.ConfirmationTimeout)
	for {
		res, found, err := e.checkBroadcast(ctx, client, sent)
		if err != nil || found {
			return res, err
		}
		if !e.opts.Now().Before(deadline) {
			return nil, fmt.Errorf("confirmation timeout: %s not confirmed after %s", sent[len(sent)-1].Hash.Hex(), e.opts.ConfirmationTimeout)
		}
		if err := e.opts.Sleep(ctx, e.opts.PollInterval); err != nil {
			return nil, fmt.Errorf("transaction %s not confirmed: %w", sent[len(sent)-1].Hash.Hex(), err)
		}
	}
}
