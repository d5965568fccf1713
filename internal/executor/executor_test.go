package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrelay/internal/classifier"
)

var (
	destination = common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44e")
	usdtAddress = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) retrySleeps(delay time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.sleeps {
		if d == delay {
			n++
		}
	}
	return n
}

type fakeChain struct {
	mu sync.Mutex

	baseFee       *big.Int
	medianTip     *big.Int
	feeHistoryErr error
	gasPrice      *big.Int
	gasPriceErr   error
	estimate      uint64

	// nonce is the confirmed account nonce; the pending nonce adds the mempool.
	nonce      uint64
	nonceCalls int
	mempool    map[uint64]common.Hash
	sendErrs   []error
	sent       []*types.Transaction
	receiptFor func(hash common.Hash) (*types.Receipt, error)
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		baseFee:   big.NewInt(20_000_000_000),
		medianTip: big.NewInt(1_500_000_000),
		gasPrice:  big.NewInt(30_000_000_000),
		estimate:  50_000,
		nonce:     7,
		mempool:   map[uint64]common.Hash{},
	}
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.nonce + uint64(len(f.mempool)), nil
}

func (f *fakeChain) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error) {
	if f.feeHistoryErr != nil {
		return nil, f.feeHistoryErr
	}
	return &ethereum.FeeHistory{
		OldestBlock: big.NewInt(100),
		BaseFee:     []*big.Int{big.NewInt(1), f.baseFee},
		Reward:      [][]*big.Int{{big.NewInt(1), f.medianTip, big.NewInt(3_000_000_000)}},
	}, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, f.gasPriceErr
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.sent)
	f.sent = append(f.sent, tx)
	if call < len(f.sendErrs) && f.sendErrs[call] != nil {
		return f.sendErrs[call]
	}
	f.mempool[tx.Nonce()] = tx.Hash()
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.receiptFor != nil {
		return f.receiptFor(hash)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pending := range f.mempool {
		if pending == hash {
			return &types.Receipt{Status: 1, BlockNumber: big.NewInt(101), GasUsed: 21_000, TxHash: hash}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return new(big.Int).Mul(big.NewInt(15), big.NewInt(100_000_000_000_000_000)), nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return erc20ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(2_500_000))
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return 101, nil
}

func (f *fakeChain) broadcasts() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, 0, len(f.sent))
	for i, tx := range f.sent {
		if i < len(f.sendErrs) && f.sendErrs[i] != nil {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func newTestExecutor(t *testing.T, chain *fakeChain, clock *fakeClock, mutate func(*Options)) *Executor {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	opts := Options{
		RPCURL:        "http://rpc.invalid",
		PrivateKeyHex: "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:       1,
		Tokens:        map[string]TokenContract{"USDT": {Address: usdtAddress, Decimals: 6}},
		Dial: func(ctx context.Context, rpcURL string) (ChainClient, error) {
			return chain, nil
		},
		Now:   clock.Now,
		Sleep: clock.Sleep,
	}
	if mutate != nil {
		mutate(&opts)
	}

	exec, err := New(opts, classifier.Default(), nil, zerolog.Nop())
	require.NoError(t, err)
	return exec
}

func ethRequest(amount string) Request {
	return Request{
		LineageID:   "b1946ac9-2b5e-4e6a-9f65-0c1f0c4e7a11",
		Destination: destination.Hex(),
		Amount:      decimal.RequireFromString(amount),
		Currency:    "eth",
	}
}

func requireCode(t *testing.T, err error, code string) *classifier.ClassifiedError {
	t.Helper()
	var ce *classifier.ClassifiedError
	require.True(t, errors.As(err, &ce), "expected classified error, got %v", err)
	require.Equal(t, code, ce.Code)
	return ce
}

func TestSendConfirmsOnFirstAttempt(t *testing.T) {
	chain := newFakeChain()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, nil)

	res, err := exec.Send(context.Background(), ethRequest("0.01"))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, uint64(7), res.Nonce)
	assert.Equal(t, uint64(101), res.BlockNumber)
	assert.Equal(t, exec.From(), res.From)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, res.TxHash, tx.Hash())
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, destination, *tx.To())
	assert.Equal(t, "10000000000000000", tx.Value().String())
	assert.Equal(t, uint64(21_000), tx.Gas())
	assert.Equal(t, "1500000000", tx.GasTipCap().String())
	assert.Equal(t, "41500000000", tx.GasFeeCap().String())
	assert.Empty(t, clock.sleeps)

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, exec.From(), sender)
}

func TestSendRetriesTransientAtSameNonce(t *testing.T) {
	chain := newFakeChain()
	chain.sendErrs = []error{errors.New("429 Too Many Requests")}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, nil)

	res, err := exec.Send(context.Background(), ethRequest("0.5"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, chain.nonceCalls)
	assert.Equal(t, 1, clock.retrySleeps(60*time.Second))
	require.Len(t, chain.sent, 2)
	assert.Equal(t, uint64(7), chain.sent[1].Nonce())
	require.Len(t, chain.broadcasts(), 1)
	assert.Equal(t, chain.sent[1].Hash(), res.TxHash)
}

func TestSendReplacesTimedOutTransferAtSameNonce(t *testing.T) {
	chain := newFakeChain()
	start := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: start}
	chain.receiptFor = func(hash common.Hash) (*types.Receipt, error) {
		chain.mu.Lock()
		first := chain.sent[0].Hash()
		chain.mu.Unlock()
		if hash != first || clock.Now().Before(start.Add(500*time.Second)) {
			return nil, ethereum.NotFound
		}
		return &types.Receipt{Status: 1, BlockNumber: big.NewInt(250), GasUsed: 21_000}, nil
	}
	exec := newTestExecutor(t, chain, clock, nil)

	res, err := exec.Send(context.Background(), ethRequest("0.01"))
	require.NoError(t, err)

	require.Len(t, chain.sent, 2, "a timed out transfer is replaced once, not duplicated")
	assert.Equal(t, uint64(7), chain.sent[0].Nonce())
	assert.Equal(t, uint64(7), chain.sent[1].Nonce(), "the replacement must compete for the pending nonce")
	assert.Equal(t, 1, chain.nonceCalls)
	assert.Equal(t, "1687500000", chain.sent[1].GasTipCap().String())
	assert.Equal(t, "46687500000", chain.sent[1].GasFeeCap().String())

	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, chain.sent[0].Hash(), res.TxHash, "the wait covers every earlier broadcast")
	assert.Equal(t, uint64(250), res.BlockNumber)
}

func TestSendResumesPriorBroadcasts(t *testing.T) {
	landed := common.HexToHash("0xabc1")
	chain := newFakeChain()
	chain.receiptFor = func(hash common.Hash) (*types.Receipt, error) {
		if hash != landed {
			return nil, ethereum.NotFound
		}
		return &types.Receipt{Status: 1, BlockNumber: big.NewInt(90), GasUsed: 21_000}, nil
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, nil)

	req := ethRequest("0.01")
	req.Prior = []Broadcast{{Hash: common.HexToHash("0xabc0"), Nonce: 3}, {Hash: landed, Nonce: 3}}
	res, err := exec.Send(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, landed, res.TxHash)
	assert.Equal(t, uint64(3), res.Nonce)
	assert.Empty(t, chain.sent)
	assert.Zero(t, chain.nonceCalls)
}

func TestSendRecordsReplacementBeforeBroadcast(t *testing.T) {
	chain := newFakeChain()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, nil)

	var recorded []Broadcast
	req := ethRequest("0.01")
	req.Prior = []Broadcast{{Hash: common.HexToHash("0xdead"), Nonce: 3}}
	req.Record = func(ctx context.Context, b Broadcast) error {
		assert.Empty(t, chain.broadcasts(), "recorded before the node sees it")
		recorded = append(recorded, b)
		return nil
	}

	res, err := exec.Send(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, chain.sent, 1)
	assert.Equal(t, uint64(3), chain.sent[0].Nonce())
	assert.Zero(t, chain.nonceCalls)
	assert.Equal(t, "1687500000", chain.sent[0].GasTipCap().String())
	assert.Equal(t, []Broadcast{{Hash: chain.sent[0].Hash(), Nonce: 3}}, recorded)
	assert.Equal(t, chain.sent[0].Hash(), res.TxHash)
}

func TestSendDoesNotBroadcastUnrecorded(t *testing.T) {
	chain := newFakeChain()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, func(o *Options) { o.MaxAttempts = 1 })

	req := ethRequest("0.01")
	req.Record = func(ctx context.Context, b Broadcast) error {
		return errors.New("connection reset by peer")
	}
	_, err := exec.Send(context.Background(), req)
	require.Error(t, err)
	assert.Empty(t, chain.sent)
}

func TestReplacementFeesRespectCeiling(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, newFakeChain(), clock, func(o *Options) {
		o.MaxFeePerGas = big.NewInt(45_000_000_000)
	})

	fresh := feeQuote{dynamic: true, tipCap: big.NewInt(1_000_000_000), feeCap: big.NewInt(30_000_000_000)}
	prev := feeQuote{dynamic: true, tipCap: big.NewInt(2_000_000_000), feeCap: big.NewInt(44_000_000_000)}
	got := exec.replacementFees(fresh, &prev)
	assert.Equal(t, "2250000000", got.tipCap.String())
	assert.Equal(t, "45000000000", got.feeCap.String())

	legacy := exec.replacementFees(feeQuote{gasPrice: big.NewInt(10_000_000_000)}, nil)
	assert.Equal(t, "11250000000", legacy.gasPrice.String())
}

func TestSendStopsOnCriticalFailure(t *testing.T) {
	chain := newFakeChain()
	chain.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, nil)

	_, err := exec.Send(context.Background(), ethRequest("5"))
	ce := requireCode(t, err, "INSUFFICIENT_FUNDS")
	assert.False(t, ce.Retryable)
	assert.Empty(t, clock.sleeps)
}

func TestSendValidatesBeforeDialing(t *testing.T) {
	dialed := false
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, newFakeChain(), clock, func(o *Options) {
		o.Dial = func(ctx context.Context, rpcURL string) (ChainClient, error) {
			dialed = true
			return nil, errors.New("should not dial")
		}
	})

	req := ethRequest("1")
	req.Destination = "0xnot-an-address"
	_, err := exec.Send(context.Background(), req)
	requireCode(t, err, "INVALID_ADDRESS")

	req = ethRequest("0")
	_, err = exec.Send(context.Background(), req)
	requireCode(t, err, "INVALID_AMOUNT")

	req = ethRequest("1")
	req.Currency = "doge"
	_, err = exec.Send(context.Background(), req)
	requireCode(t, err, classifier.UnknownCode)

	assert.False(t, dialed)
}

func TestSendRechecksBroadcastAfterConfirmationTimeout(t *testing.T) {
	chain := newFakeChain()
	start := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: start}
	chain.receiptFor = func(hash common.Hash) (*types.Receipt, error) {
		if clock.Now().Before(start.Add(320 * time.Second)) {
			return nil, ethereum.NotFound
		}
		return &types.Receipt{Status: 1, BlockNumber: big.NewInt(200), GasUsed: 21_000}, nil
	}
	exec := newTestExecutor(t, chain, clock, nil)

	res, err := exec.Send(context.Background(), ethRequest("0.01"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	require.Len(t, chain.sent, 1, "confirmed transaction must not be rebroadcast")
	assert.Equal(t, chain.sent[0].Hash(), res.TxHash)
	assert.Equal(t, 1, clock.retrySleeps(60*time.Second))
}

func TestSendWaitsWhenReplacementUnderpriced(t *testing.T) {
	chain := newFakeChain()
	chain.sendErrs = []error{nil, errors.New("replacement transaction underpriced")}
	start := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: start}
	chain.receiptFor = func(hash common.Hash) (*types.Receipt, error) {
		if clock.Now().Before(start.Add(400 * time.Second)) {
			return nil, ethereum.NotFound
		}
		return &types.Receipt{Status: 1, BlockNumber: big.NewInt(300), GasUsed: 21_000}, nil
	}
	exec := newTestExecutor(t, chain, clock, nil)

	res, err := exec.Send(context.Background(), ethRequest("0.01"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	require.Len(t, chain.sent, 2)
	assert.Equal(t, chain.sent[0].Hash(), res.TxHash)
}

func TestSendRevertedReceiptIsPermanent(t *testing.T) {
	chain := newFakeChain()
	chain.receiptFor = func(hash common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: 0, BlockNumber: big.NewInt(10)}, nil
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, nil)

	_, err := exec.Send(context.Background(), ethRequest("0.01"))
	requireCode(t, err, "TRANSACTION_REVERTED_PERMANENT")
	assert.Empty(t, clock.sleeps)
}

func TestSendReturnsLastFailureWhenContextEnds(t *testing.T) {
	chain := newFakeChain()
	chain.sendErrs = []error{errors.New("dial tcp: connection refused")}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Send(ctx, ethRequest("0.01"))
	requireCode(t, err, "RPC_CONNECTION_FAILED")
	assert.Empty(t, clock.sleeps)
}

func TestSendHonoursMaxAttemptsAndGasCeiling(t *testing.T) {
	chain := newFakeChain()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, func(o *Options) {
		o.MaxAttempts = 2
		o.MaxFeePerGas = big.NewInt(10_000_000_000)
	})

	_, err := exec.Send(context.Background(), ethRequest("0.01"))
	ce := requireCode(t, err, "GAS_PRICE_SPIKE")
	assert.True(t, ce.Retryable)
	assert.Empty(t, chain.sent)
	assert.Equal(t, 1, clock.retrySleeps(60*time.Second))
}

func TestSendFallsBackToLegacyGasPrice(t *testing.T) {
	chain := newFakeChain()
	chain.feeHistoryErr = errors.New("method eth_feeHistory not supported")
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, nil)

	_, err := exec.Send(context.Background(), ethRequest("0.01"))
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)
	assert.Equal(t, uint8(types.LegacyTxType), chain.sent[0].Type())
	assert.Equal(t, "30000000000", chain.sent[0].GasPrice().String())

	chain.gasPriceErr = errors.New("unavailable")
	_, err = exec.Send(context.Background(), ethRequest("0.01"))
	require.NoError(t, err)
	require.Len(t, chain.sent, 2)
	assert.Equal(t, "50000000000", chain.sent[1].GasPrice().String())
}

func TestSendERC20Transfer(t *testing.T) {
	chain := newFakeChain()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, nil)

	req := ethRequest("12.5")
	req.Currency = "usdt"
	_, err := exec.Send(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, usdtAddress, *tx.To())
	assert.Equal(t, 0, tx.Value().Sign())
	assert.Equal(t, uint64(65_000), tx.Gas())

	method := erc20ABI.Methods["transfer"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, destination, args[0])
	assert.Equal(t, "12500000", args[1].(*big.Int).String())
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New(Options{PrivateKeyHex: "zz"}, classifier.Default(), nil, zerolog.Nop())
	requireCode(t, err, "WALLET_UNLOCKED_FAILED")
}

func TestToBaseUnitsTruncatesDust(t *testing.T) {
	units, err := toBaseUnits(decimal.RequireFromString("1.0000019"), 6)
	require.NoError(t, err)
	assert.Equal(t, "1000001", units.String())

	_, err = toBaseUnits(decimal.RequireFromString("0.0000001"), 6)
	assert.Error(t, err)
}

func TestBalanceReadsNativeAndTokenHoldings(t *testing.T) {
	chain := newFakeChain()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	exec := newTestExecutor(t, chain, clock, nil)

	native, err := exec.Balance(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "eth", native.Currency)
	assert.Equal(t, "1.5", native.Amount.String())
	assert.Equal(t, uint64(101), native.BlockNumber)

	usdt, err := exec.Balance(context.Background(), "usdt")
	require.NoError(t, err)
	assert.Equal(t, "2.5", usdt.Amount.String())

	_, err = exec.Balance(context.Background(), "doge")
	assert.Error(t, err)
}
