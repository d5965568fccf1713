package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"payrelay/internal/classifier"
	"payrelay/internal/metrics"
)

const (
	StatusSuccess = "success"
)

var gwei = big.NewInt(1_000_000_000)

// Options parameterise the payment executor.
type Options struct {
	RPCURL        string
	PrivateKeyHex string
	// ChainID overrides the id reported by the node when non-zero.
	ChainID int64

	NativeSymbol       string
	Tokens             map[string]TokenContract
	GasLimit           uint64
	TokenGasLimit      uint64
	BaseFeeMultiplier  decimal.Decimal
	DefaultPriorityFee *big.Int
	FallbackGasPrice   *big.Int
	MaxFeePerGas       *big.Int

	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	RetryDelay          time.Duration
	// MaxAttempts bounds attempts per Send; zero leaves the caller's context as the only bound.
	MaxAttempts int

	Dial  Dialer
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Request is one payout to execute.
type Request struct {
	LineageID   string
	Destination string
	Amount      decimal.Decimal
	Currency    string

	// Prior lists transfers already broadcast for this payout by an earlier
	// Send. They are checked for receipts first and their nonce is reused.
	Prior []Broadcast
	// Record, when set, is called with every signed transfer before it is
	// handed to the node. A Record error aborts the attempt unsent.
	Record func(ctx context.Context, b Broadcast) error
}

// Result describes a confirmed transfer.
type Result struct {
	TxHash            common.Hash
	Status            string
	From              common.Address
	Nonce             uint64
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Attempts          int
}

// Executor signs and broadcasts transfers from the host wallet and waits for
// them to confirm. A failed attempt is rebuilt with fresh fees but keeps the
// nonce of the first broadcast, so a retry replaces the earlier transfer
// instead of adding a second one.
type Executor struct {
	opts       Options
	key        *ecdsa.PrivateKey
	from       common.Address
	classifier *classifier.Classifier
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	client    ChainClient
	chainID   *big.Int
	clientMux sync.Mutex
	sendMux   sync.Mutex
}

// New validates opts, unlocks the wallet key and builds an Executor.
func New(opts Options, cls *classifier.Classifier, m *metrics.Metrics, logger zerolog.Logger) (*Executor, error) {
	if cls == nil {
		cls = classifier.Default()
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, cls.NewError("WALLET_UNLOCKED_FAILED", fmt.Errorf("private key load failed: %w", err))
	}

	applyDefaults(&opts)
	return &Executor{
		opts:       opts,
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		classifier: cls,
		metrics:    m,
		logger:     logger.With().Str("component", "payment_executor").Logger(),
	}, nil
}

func applyDefaults(opts *Options) {
	if opts.NativeSymbol == "" {
		opts.NativeSymbol = "eth"
	}
	opts.NativeSymbol = strings.ToLower(opts.NativeSymbol)
	if opts.GasLimit == 0 {
		opts.GasLimit = 21_000
	}
	if opts.TokenGasLimit == 0 {
		opts.TokenGasLimit = 65_000
	}
	if !opts.BaseFeeMultiplier.IsPositive() {
		opts.BaseFeeMultiplier = decimal.NewFromInt(2)
	}
	if opts.DefaultPriorityFee == nil {
		opts.DefaultPriorityFee = new(big.Int).Mul(big.NewInt(2), gwei)
	}
	if opts.FallbackGasPrice == nil {
		opts.FallbackGasPrice = new(big.Int).Mul(big.NewInt(50), gwei)
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 300 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 60 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = DialEthereum
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	tokens := make(map[string]TokenContract, len(opts.Tokens))
	for symbol, contract := range opts.Tokens {
		tokens[strings.ToLower(symbol)] = contract
	}
	opts.Tokens = tokens
}

// From returns the host wallet address.
func (e *Executor) From() common.Address {
	return e.from
}

// Send transfers req.Amount to req.Destination and blocks until the
// transaction confirms. Failures other than critical ones are retried after
// RetryDelay until ctx ends or MaxAttempts is reached. Every returned error is
// a *classifier.ClassifiedError.
func (e *Executor) Send(ctx context.Context, req Request) (*Result, error) {
	if err := e.validate(req); err != nil {
		e.metrics.ExecutorSend(req.Currency, "rejected")
		return nil, err
	}

	logger := e.logger.With().Str("lineage_id", req.LineageID).Str("destination", req.Destination).
		Str("amount", req.Amount.String()).Str("currency", req.Currency).Logger()

	state := &sendState{broadcast: append([]Broadcast(nil), req.Prior...)}
	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, req, state, logger)
		if err == nil {
			res.Attempts = attempt
			e.metrics.ExecutorAttempt("")
			e.metrics.ExecutorSend(req.Currency, StatusSuccess)
			logger.Info().Str("tx_hash", res.TxHash.Hex()).Uint64("block", res.BlockNumber).
				Int("attempt", attempt).Msg("payment confirmed")
			return res, nil
		}

		ce := e.classifier.ClassifyError(err)
		e.metrics.ExecutorAttempt(ce.Code)
		event := logger.Warn().Err(err).Str("error_code", ce.Code).Int("attempt", attempt)

		if ce.Category == classifier.CategoryCritical {
			event.Msg("payment attempt failed permanently")
			e.metrics.ExecutorSend(req.Currency, "failed")
			return nil, ce
		}
		if e.opts.MaxAttempts > 0 && attempt >= e.opts.MaxAttempts {
			event.Msg("payment attempts exhausted")
			e.metrics.ExecutorSend(req.Currency, "exhausted")
			return nil, ce
		}

		event.Dur("retry_in", e.opts.RetryDelay).Msg("payment attempt failed, retrying")
		if sleepErr := e.opts.Sleep(ctx, e.opts.RetryDelay); sleepErr != nil {
			e.metrics.ExecutorSend(req.Currency, "cancelled")
			return nil, ce
		}
	}
}

func (e *Executor) validate(req Request) error {
	if !common.IsHexAddress(req.Destination) {
		return e.classifier.NewError("INVALID_ADDRESS", fmt.Errorf("invalid destination address %q", req.Destination))
	}
	if common.HexToAddress(req.Destination) == (common.Address{}) {
		return e.classifier.NewError("INVALID_ADDRESS", errors.New("destination is the zero address"))
	}
	if !req.Amount.IsPositive() {
		return e.classifier.NewError("INVALID_AMOUNT", fmt.Errorf("amount must be positive, got %s", req.Amount))
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency != "" && currency != e.opts.NativeSymbol {
		if _, ok := e.opts.Tokens[currency]; !ok {
			return e.classifier.NewError(classifier.UnknownCode, fmt.Errorf("unsupported payout currency %q", req.Currency))
		}
	}
	return nil
}

// sendState is what one Send remembers between attempts.
type sendState struct {
	broadcast []Broadcast
	// fees of the last signed transfer; nil until this Send signs one.
	fees *feeQuote
}

// nonce reports the nonce shared by every earlier broadcast.
func (s *sendState) nonce() (uint64, bool) {
	if len(s.broadcast) == 0 {
		return 0, false
	}
	return s.broadcast[0].Nonce, true
}

// attempt runs one build, sign, broadcast and confirm cycle. Hashes broadcast
// by earlier attempts are checked first since any of them may still land.
func (e *Executor) attempt(ctx context.Context, req Request, state *sendState, logger zerolog.Logger) (*Result, error) {
	client, chainID, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	if res, found, err := e.checkBroadcast(ctx, client, state.broadcast); err != nil || found {
		return res, err
	}

	earlier := len(state.broadcast)
	err = e.signAndBroadcast(ctx, client, chainID, req, state, logger)
	switch {
	case err == nil:
		return e.awaitConfirmation(ctx, client, state.broadcast)
	case isInFlight(err) && earlier > 0:
		logger.Info().Err(err).Int("pending", earlier).Msg("earlier transaction may be in flight, waiting")
		return e.awaitConfirmation(ctx, client, state.broadcast)
	default:
		return nil, err
	}
}

func (e *Executor) signAndBroadcast(ctx context.Context, client ChainClient, chainID *big.Int, req Request, state *sendState, logger zerolog.Logger) error {
	e.sendMux.Lock()
	defer e.sendMux.Unlock()

	c, err := e.prepareCall(ctx, client, req)
	if err != nil {
		return err
	}
	nonce, replacing := state.nonce()
	if !replacing {
		if nonce, err = client.PendingNonceAt(ctx, e.from); err != nil {
			return fmt.Errorf("fetch nonce: %w", err)
		}
	}
	fees, err := e.quoteFees(ctx, client)
	if err != nil {
		return err
	}
	if replacing {
		fees = e.replacementFees(fees, state.fees)
	}

	signed, err := types.SignTx(e.buildTx(c, nonce, chainID, fees), types.LatestSignerForChainID(chainID), e.key)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}

	b := Broadcast{Hash: signed.Hash(), Nonce: nonce}
	if req.Record != nil {
		if err := req.Record(ctx, b); err != nil {
			return fmt.Errorf("record broadcast: %w", err)
		}
	}
	state.broadcast = append(state.broadcast, b)
	state.fees = &fees

	if err := client.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) {
		return err
	}

	logger.Info().Str("tx_hash", b.Hash.Hex()).Uint64("nonce", nonce).Bool("replacement", replacing).
		Str("fee_source", fees.source).Str("max_fee_wei", fees.ceiling().String()).
		Msg("transaction broadcast")
	return nil
}

func (e *Executor) getClient(ctx context.Context) (ChainClient, *big.Int, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client == nil {
		if e.opts.RPCURL == "" {
			return nil, nil, errors.New("web3 init: ethereum rpc url not configured")
		}
		client, err := e.opts.Dial(ctx, e.opts.RPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to rpc: %w", err)
		}
		e.client = client
	}

	if e.chainID == nil {
		if e.opts.ChainID != 0 {
			e.chainID = big.NewInt(e.opts.ChainID)
		} else {
			id, err := e.client.ChainID(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("rpc error fetching chain id: %w", err)
			}
			e.chainID = id
		}
	}
	return e.client, e.chainID, nil
}

func isInFlight(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
