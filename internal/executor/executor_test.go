package executor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/MingZoox/market-maker/internal/router"
	"github.com/MingZoox/market-maker/internal/trigger"
	"github.com/MingZoox/market-maker/internal/wallet"
)

type mapReader struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
	native map[common.Address]*big.Int
	token  map[common.Address]*big.Int
}

func newMapReader() *mapReader {
	return &mapReader{
		nonces: make(map[common.Address]uint64),
		native: make(map[common.Address]*big.Int),
		token:  make(map[common.Address]*big.Int),
	}
}

func (r *mapReader) PendingNonceAt(_ context.Context, addr common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonces[addr], nil
}

func (r *mapReader) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.native[addr]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (r *mapReader) TokenBalance(_ context.Context, _, addr common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.token[addr]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (r *mapReader) Allowance(_ context.Context, _, _, _ common.Address) (*big.Int, error) {
	// allowance always ample; approval flow is tested separately
	return new(big.Int).Lsh(big.NewInt(1), 200), nil
}

// stubRouter returns fixed intents and a fixed price.
type stubRouter struct {
	spender common.Address
	price   decimal.Decimal
}

func (s stubRouter) BuildBuy(_ context.Context, _ common.Address, nativeIn *big.Int) (*router.TxIntent, error) {
	return &router.TxIntent{To: s.spender, Value: new(big.Int).Set(nativeIn), Data: []byte{0x01}}, nil
}

func (s stubRouter) BuildSell(_ context.Context, _ common.Address, tokenIn *big.Int) (*router.TxIntent, error) {
	return &router.TxIntent{To: s.spender, Value: new(big.Int), Data: []byte{0x02}}, nil
}

func (s stubRouter) TokenPrice(context.Context) (decimal.Decimal, error) { return s.price, nil }

func (s stubRouter) Spender() common.Address { return s.spender }

// scriptedSubmitter fails the first n submissions with err, then succeeds.
type scriptedSubmitter struct {
	mu       sync.Mutex
	failures int
	err      error
	sent     []*types.Transaction
}

func (s *scriptedSubmitter) Submit(_ context.Context, tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, tx)
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	return nil
}

type fixedGas struct{}

func (fixedGas) GasPrice() *big.Int { return big.NewInt(1_000_000_000) }
func (fixedGas) TipCap() *big.Int   { return big.NewInt(100_000_000) }

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func newHarness(t *testing.T, count uint32, sub *scriptedSubmitter) (*Executor, *wallet.Pool, *mapReader) {
	t.Helper()
	reader := newMapReader()
	pool, err := wallet.NewPool(wallet.HashDeriver{}, []byte("executor test seed"), count, reader,
		common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		common.HexToAddress("0x00000000000000000000000000000000000000d1"))
	require.NoError(t, err)

	for _, w := range pool.Wallets() {
		reader.native[w.Address] = eth(10)
		reader.token[w.Address] = eth(100)
	}
	pool.RefreshAll(context.Background())

	exec := New(pool, stubRouter{
		spender: common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		price:   decimal.NewFromFloat(0.001),
	}, sub, fixedGas{}, Options{
		ChainID:  big.NewInt(1),
		GasLimit: 300_000,
		Surplus:  eth(1),
		Cooldown: time.Minute,
		Workers:  2,
	})
	return exec, pool, reader
}

func sellDecision(amount *big.Int) trigger.Decision {
	return trigger.Decision{Action: trigger.ActionSell, Amount: amount, Price: decimal.NewFromFloat(0.001)}
}

func TestExecuteSellSingleWallet(t *testing.T) {
	sub := &scriptedSubmitter{}
	exec, pool, _ := newHarness(t, 2, sub)

	results, err := exec.Execute(context.Background(), sellDecision(eth(50)))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, eth(50).String(), results[0].Amount.String())

	snap, _ := pool.SnapshotOf(results[0].Wallet)
	assert.Equal(t, eth(50).String(), snap.TokenBalance.String(), "spend applied to cached balance")
}

func TestExecuteSellSpillsOverWallets(t *testing.T) {
	sub := &scriptedSubmitter{}
	exec, _, _ := newHarness(t, 3, sub)

	// each wallet holds 100 tokens; 250 needs three wallets
	results, err := exec.Execute(context.Background(), sellDecision(eth(250)))
	require.NoError(t, err)
	require.Len(t, results, 3)

	total := new(big.Int)
	seen := make(map[uint32]bool)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.False(t, seen[r.Wallet], "wallet used twice in one fill")
		seen[r.Wallet] = true
		total.Add(total, r.Amount)
	}
	assert.Equal(t, eth(250).String(), total.String())
}

func TestExecuteBuyRespectsSurplus(t *testing.T) {
	sub := &scriptedSubmitter{}
	exec, _, _ := newHarness(t, 1, sub)

	// 10 native held, 1 surplus: a buy worth ~9 native still fits, one
	// worth 20 gets capped at the spendable remainder
	d := trigger.Decision{Action: trigger.ActionBuy, Amount: eth(20_000), Price: decimal.NewFromFloat(0.001)}
	results, err := exec.Execute(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	spendable := new(big.Int).Sub(eth(9), new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(300_000)))
	assert.Equal(t, spendable.String(), results[0].Amount.String())
}

func TestExecuteNoEligibleWallet(t *testing.T) {
	sub := &scriptedSubmitter{}
	exec, pool, _ := newHarness(t, 1, sub)
	pool.MarkCooldown(0, time.Minute)

	_, err := exec.Execute(context.Background(), sellDecision(eth(10)))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrNoEligibleWallet))
}

func TestRejectedReleasesNonceAndCoolsDown(t *testing.T) {
	sub := &scriptedSubmitter{failures: 1, err: apperrors.New(apperrors.ErrRejected, "nonce too low", nil)}
	exec, pool, _ := newHarness(t, 1, sub)

	results, err := exec.Execute(context.Background(), sellDecision(eth(10)))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)

	snap, _ := pool.SnapshotOf(0)
	assert.True(t, snap.CoolingDown)
	assert.False(t, snap.NonceGap)

	// the released nonce is reissued after the cooldown
	pool.MarkCooldown(0, 0)
	nonce, err := pool.ReserveNonce(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)
}

func TestTimeoutForcesGapAndRefreshRestoresNonce(t *testing.T) {
	sub := &scriptedSubmitter{failures: 1, err: apperrors.New(apperrors.ErrTimeout, "context deadline exceeded", nil)}
	exec, pool, reader := newHarness(t, 1, sub)

	results, err := exec.Execute(context.Background(), sellDecision(eth(10)))
	require.NoError(t, err)
	require.Error(t, results[0].Err)

	// wallet is unusable until reconciled
	_, err = pool.ReserveNonce(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrNonceGap))

	// chain shows the transaction never landed: nonce restored exactly once
	require.NoError(t, pool.Refresh(context.Background(), 0))
	nonce, err := pool.ReserveNonce(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)
	_ = reader
}

func TestApproveMaxOnlyWhenShort(t *testing.T) {
	sub := &scriptedSubmitter{}
	exec, pool, _ := newHarness(t, 1, sub)

	// ample allowance: nothing to do
	sent, err := exec.ApproveMax(context.Background(), 0, common.HexToAddress("0x00000000000000000000000000000000000000c0"))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, sub.sent)
	_ = pool
}

func TestBuySizingHonorsTokenDecimals(t *testing.T) {
	sub := &scriptedSubmitter{}
	exec, _, _ := newHarness(t, 1, sub)
	exec.opts.TokenDecimals = 6

	// 100 tokens of a 6-decimal token at 0.01 native each prices out to
	// exactly 1 native
	amount := big.NewInt(100_000_000)
	price := decimal.NewFromFloat(0.01)
	assert.Equal(t, eth(1).String(), exec.tokensToWei(amount, price).String())

	slices := exec.planBuy(trigger.Decision{Action: trigger.ActionBuy, Amount: amount, Price: price})
	require.Len(t, slices, 1)
	assert.Equal(t, eth(1).String(), slices[0].amount.String())
}

func TestGappedWalletReentersEligibilityAfterRefresh(t *testing.T) {
	sub := &scriptedSubmitter{failures: 1, err: apperrors.New(apperrors.ErrTimeout, "context deadline exceeded", nil)}
	exec, pool, _ := newHarness(t, 1, sub)

	res := exec.SellFromWallet(context.Background(), 0, eth(10))
	require.Error(t, res.Err)
	assert.Empty(t, exec.eligibleByLRU(), "gapped wallet must sit out selection")

	// the periodic reconcile pass clears the gap and the wallet rotates
	// back in
	pool.RefreshAll(context.Background())
	eligible := exec.eligibleByLRU()
	require.Len(t, eligible, 1)
	assert.False(t, eligible[0].NonceGap)
}

// blockingSubmitter parks every submission until released.
type blockingSubmitter struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingSubmitter) Submit(context.Context, *types.Transaction) error {
	s.started <- struct{}{}
	<-s.release
	return nil
}

func TestExecuteCancelWaitsForStartedSlices(t *testing.T) {
	sub := &blockingSubmitter{started: make(chan struct{}, 2), release: make(chan struct{})}
	reader := newMapReader()
	pool, err := wallet.NewPool(wallet.HashDeriver{}, []byte("executor test seed"), 2, reader,
		common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		common.HexToAddress("0x00000000000000000000000000000000000000d1"))
	require.NoError(t, err)
	for _, w := range pool.Wallets() {
		reader.native[w.Address] = eth(10)
		reader.token[w.Address] = eth(100)
	}
	pool.RefreshAll(context.Background())

	exec := New(pool, stubRouter{
		spender: common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		price:   decimal.NewFromFloat(0.001),
	}, sub, fixedGas{}, Options{ChainID: big.NewInt(1), GasLimit: 300_000, Surplus: eth(1), Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var results []TradeResult
	var execErr error
	done := make(chan struct{})
	go func() {
		// 150 tokens spreads over both wallets; with one worker the second
		// slice queues behind the first
		results, execErr = exec.Execute(ctx, sellDecision(eth(150)))
		close(done)
	}()

	<-sub.started
	cancel()
	select {
	case <-done:
		t.Fatal("Execute returned while a slice was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(sub.release)
	<-done
	exec.Drain()

	require.ErrorIs(t, execErr, context.Canceled)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.NotEqual(t, common.Hash{}, results[0].TxHash)
}
