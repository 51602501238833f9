package bundle

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/MingZoox/market-maker/internal/router"
	"github.com/MingZoox/market-maker/internal/wallet"
)

type stubChain struct {
	heads chan *types.Header
}

func (s *stubChain) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 3, nil
}

func (s *stubChain) NativeBalance(_ context.Context, _ common.Address) (*big.Int, error) {
	return new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)), nil
}

func (s *stubChain) SubscribeHeads(ctx context.Context, out chan<- *types.Header) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case h := <-s.heads:
			out <- h
		}
	}
}

type stubRouter struct {
	spender common.Address
}

func (r *stubRouter) BuildBuy(_ context.Context, recipient common.Address, nativeIn *big.Int) (*router.TxIntent, error) {
	return &router.TxIntent{To: r.spender, Value: nativeIn, Data: []byte{0x01}}, nil
}

func (r *stubRouter) BuildSell(_ context.Context, _ common.Address, _ *big.Int) (*router.TxIntent, error) {
	return &router.TxIntent{To: r.spender, Value: big.NewInt(0), Data: []byte{0x02}}, nil
}

func (r *stubRouter) TokenPrice(_ context.Context) (decimal.Decimal, error) {
	return decimal.NewFromFloat(0.001), nil
}

func (r *stubRouter) Spender() common.Address { return r.spender }

type flatGas struct{}

func (flatGas) GasPrice() *big.Int { return big.NewInt(1e9) }
func (flatGas) TipCap() *big.Int   { return big.NewInt(1e8) }

func launchHarness(t *testing.T, maxBlocks int64) (*Coordinator, *stubChain, *stubRelay, *stubReceipter) {
	t.Helper()
	chain := &stubChain{heads: make(chan *types.Header)}
	relay := &stubRelay{url: "https://builder"}
	receipts := &stubReceipter{}
	submitter := NewSubmitter([]Relay{relay}, nil, receipts)

	pool, err := wallet.NewPool(wallet.HashDeriver{},
		[]byte("launch test seed"), 2, poolReader{chain},
		common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		common.HexToAddress("0x00000000000000000000000000000000000000d1"))
	require.NoError(t, err)

	deployer, err := crypto.GenerateKey()
	require.NoError(t, err)

	coord := NewCoordinator(submitter, &stubRouter{spender: common.HexToAddress("0x0000000000000000000000000000000000000011")},
		pool, chain, flatGas{}, LaunchOptions{
			ChainID:         big.NewInt(1),
			GasLimit:        500000,
			Surplus:         big.NewInt(1e18),
			MaxBlocks:       maxBlocks,
			Deployer:        deployer,
			OpenTradingTo:   common.HexToAddress("0x00000000000000000000000000000000000000c0"),
			OpenTradingData: OpenTradingCall("openTrading"),
			WalletCount:     2,
		})
	return coord, chain, relay, receipts
}

// poolReader adapts the stub chain to the wallet pool's read interface.
type poolReader struct{ c *stubChain }

func (p poolReader) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return p.c.PendingNonceAt(ctx, addr)
}

func (p poolReader) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return p.c.NativeBalance(ctx, addr)
}

func (p poolReader) TokenBalance(_ context.Context, _, _ common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (p poolReader) Allowance(_ context.Context, _, _, _ common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func head(n int64) *types.Header { return &types.Header{Number: big.NewInt(n)} }

func feed(t *testing.T, c *stubChain, n int64) {
	t.Helper()
	select {
	case c.heads <- head(n):
	case <-time.After(time.Second):
		t.Fatalf("coordinator did not consume head %d", n)
	}
}

func waitSends(t *testing.T, relay *stubRelay, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		relay.mu.Lock()
		n := len(relay.sends)
		relay.mu.Unlock()
		if n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("relay never saw %d sends", want)
}

func TestLaunchResubmitsUntilLanded(t *testing.T) {
	coord, chain, relay, receipts := launchHarness(t, 20)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	// First head builds and submits a bundle targeting block 101.
	feed(t, chain, 100)
	waitSends(t, relay, 1)

	// Head at the target block: still pending, no resubmission.
	feed(t, chain, 101)

	// Head past the target: the miss forces a rebuild targeting block 103.
	feed(t, chain, 102)
	waitSends(t, relay, 2)

	relay.mu.Lock()
	targets := append([]*big.Int(nil), relay.sends...)
	relay.mu.Unlock()
	assert.Equal(t, int64(101), targets[0].Int64())
	assert.Equal(t, int64(103), targets[1].Int64())

	// The activation tx is deterministic across rebuilds here, so its
	// receipt settles the second attempt.
	deployerTx := signedActivation(t, coord)
	receipts.confirm(deployerTx, 103)
	feed(t, chain, 103)

	require.NoError(t, <-done)
}

// signedActivation rebuilds the deployer tx the coordinator signs, so the
// test can confirm its receipt without reaching into coordinator internals.
func signedActivation(t *testing.T, c *Coordinator) common.Hash {
	t.Helper()
	to := c.opts.OpenTradingTo
	tx, err := types.SignNewTx(c.opts.Deployer, c.signer, &types.DynamicFeeTx{
		ChainID:   c.opts.ChainID,
		Nonce:     3,
		GasTipCap: big.NewInt(1e8),
		GasFeeCap: big.NewInt(1e9),
		Gas:       500000,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      c.opts.OpenTradingData,
	})
	require.NoError(t, err)
	return tx.Hash()
}

func TestLaunchGivesUpAfterMaxBlocks(t *testing.T) {
	coord, chain, relay, _ := launchHarness(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	feed(t, chain, 100)
	waitSends(t, relay, 1)
	for n := int64(101); n < 110; n++ {
		select {
		case chain.heads <- head(n):
		case err := <-done:
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.ErrTimeout))
			return
		}
		select {
		case err := <-done:
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.ErrTimeout))
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("coordinator never gave up")
}
