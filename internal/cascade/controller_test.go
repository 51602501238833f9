package cascade

import (
	"context"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MingZoox/market-maker/internal/config"
	"github.com/MingZoox/market-maker/internal/executor"
	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/MingZoox/market-maker/internal/wallet"
)

type ledger struct {
	mu     sync.Mutex
	native map[common.Address]*big.Int
	token  map[common.Address]*big.Int
}

func newLedger() *ledger {
	return &ledger{
		native: make(map[common.Address]*big.Int),
		token:  make(map[common.Address]*big.Int),
	}
}

func (l *ledger) get(m map[common.Address]*big.Int, addr common.Address) *big.Int {
	if v, ok := m[addr]; ok {
		return v
	}
	v := new(big.Int)
	m[addr] = v
	return v
}

func (l *ledger) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }

func (l *ledger) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.get(l.native, addr)), nil
}

func (l *ledger) TokenBalance(_ context.Context, _, addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.get(l.token, addr)), nil
}

func (l *ledger) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Lsh(big.NewInt(1), 200), nil
}

// fakeTrader applies trades directly to the ledger.
type fakeTrader struct {
	ledger *ledger
	pool   *wallet.Pool

	mu          sync.Mutex
	buyOrder    []uint32
	sellOrder   []uint32
	transfers   []common.Address
	rejectSends int
}

func (f *fakeTrader) BuyWithWallet(_ context.Context, index uint32, nativeIn *big.Int) executor.TradeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buyOrder = append(f.buyOrder, index)
	addr := f.pool.Wallet(index).Address
	f.ledger.mu.Lock()
	f.ledger.get(f.ledger.native, addr).Sub(f.ledger.get(f.ledger.native, addr), nativeIn)
	f.ledger.get(f.ledger.token, addr).Add(f.ledger.get(f.ledger.token, addr), nativeIn) // 1:1 fill
	f.ledger.mu.Unlock()
	return executor.TradeResult{Wallet: index, Amount: nativeIn}
}

func (f *fakeTrader) SellFromWallet(_ context.Context, index uint32, tokenIn *big.Int) executor.TradeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sellOrder = append(f.sellOrder, index)
	addr := f.pool.Wallet(index).Address
	f.ledger.mu.Lock()
	f.ledger.get(f.ledger.token, addr).Sub(f.ledger.get(f.ledger.token, addr), tokenIn)
	f.ledger.get(f.ledger.native, addr).Add(f.ledger.get(f.ledger.native, addr), tokenIn)
	f.ledger.mu.Unlock()
	return executor.TradeResult{Wallet: index, Amount: tokenIn}
}

func (f *fakeTrader) ApproveMax(context.Context, uint32, common.Address) (bool, error) {
	return false, nil
}

func (f *fakeTrader) TransferNative(_ context.Context, index uint32, to common.Address, amount *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectSends > 0 {
		f.rejectSends--
		return common.Hash{}, apperrors.New(apperrors.ErrRejected, "insufficient funds", nil)
	}
	f.transfers = append(f.transfers, to)
	from := f.pool.Wallet(index).Address
	f.ledger.mu.Lock()
	f.ledger.get(f.ledger.native, from).Sub(f.ledger.get(f.ledger.native, from), amount)
	f.ledger.get(f.ledger.native, to).Add(f.ledger.get(f.ledger.native, to), amount)
	f.ledger.mu.Unlock()
	return common.Hash{0x01}, nil
}

type flatGas struct{}

func (flatGas) GasPrice() *big.Int { return big.NewInt(1_000_000_000) }

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func testGroup() config.CascadeGroup {
	return config.CascadeGroup{
		Seed:            "cascade test",
		MaxWalletsCount: 3,
		MinBuyVolume:    0.1,
		MaxBuyVolume:    0.2,
		MinDelaySeconds: 0,
		MaxDelaySeconds: 0,
		MinRetainToken:  0,
		MaxRetainToken:  0,
	}
}

func newCascadeHarness(t *testing.T, group config.CascadeGroup) (*Controller, *fakeTrader, *wallet.Pool, *ledger) {
	t.Helper()
	led := newLedger()
	pool, err := wallet.NewPool(wallet.HashDeriver{}, []byte(group.Seed), group.MaxWalletsCount, led,
		common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		common.HexToAddress("0x00000000000000000000000000000000000000d1"))
	require.NoError(t, err)

	trader := &fakeTrader{ledger: led, pool: pool}
	ctrl := NewController(group, pool, trader, flatGas{},
		common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		big.NewInt(1_000_000), rand.New(rand.NewSource(7)))
	ctrl.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return ctrl, trader, pool, led
}

func TestCascadeWalksAllWalletsInOrder(t *testing.T) {
	ctrl, trader, pool, led := newCascadeHarness(t, testGroup())
	led.native[pool.Wallet(0).Address] = eth(5)

	state, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, state.WalletsTraded)
	assert.Equal(t, []uint32{0, 1, 2}, trader.buyOrder)
	assert.Equal(t, []uint32{0, 1, 2}, trader.sellOrder)

	// forwards to 1, then 2, then the remainder back to wallet 0
	require.Len(t, trader.transfers, 3)
	assert.Equal(t, pool.Wallet(1).Address, trader.transfers[0])
	assert.Equal(t, pool.Wallet(2).Address, trader.transfers[1])
	assert.Equal(t, pool.Wallet(0).Address, trader.transfers[2])
}

func TestCascadeNeverRevisits(t *testing.T) {
	ctrl, trader, pool, led := newCascadeHarness(t, testGroup())
	led.native[pool.Wallet(0).Address] = eth(5)

	_, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	seen := make(map[uint32]bool)
	for _, idx := range trader.buyOrder {
		assert.False(t, seen[idx], "wallet %d traded twice", idx)
		seen[idx] = true
	}
	assert.LessOrEqual(t, len(trader.buyOrder), int(testGroup().MaxWalletsCount))
}

func TestCascadeSkipsUnderfundedLeadingWallet(t *testing.T) {
	ctrl, trader, pool, led := newCascadeHarness(t, testGroup())
	// wallet 0 empty, wallet 1 funded
	led.native[pool.Wallet(1).Address] = eth(5)

	state, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.WalletsSkipped)
	require.NotEmpty(t, trader.buyOrder)
	assert.Equal(t, uint32(1), trader.buyOrder[0])
}

func TestCascadeFailsAfterTwoRejectedForwards(t *testing.T) {
	ctrl, trader, pool, led := newCascadeHarness(t, testGroup())
	led.native[pool.Wallet(0).Address] = eth(5)
	trader.rejectSends = 2

	_, err := ctrl.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrRejected))
}

func TestCascadeRetriesForwardOnce(t *testing.T) {
	ctrl, trader, pool, led := newCascadeHarness(t, testGroup())
	led.native[pool.Wallet(0).Address] = eth(5)
	trader.rejectSends = 1

	state, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, state.WalletsTraded)
}
