package cascade

import (
	"context"
	"log/slog"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/MingZoox/market-maker/internal/config"
	"github.com/MingZoox/market-maker/internal/executor"
	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
	"github.com/MingZoox/market-maker/internal/pkg/metrics"
	"github.com/MingZoox/market-maker/internal/wallet"
)

// Trader is the slice of the executor the cascade drives: single-wallet
// trades and plain transfers, all through the nonce protocol.
type Trader interface {
	BuyWithWallet(ctx context.Context, index uint32, nativeIn *big.Int) executor.TradeResult
	SellFromWallet(ctx context.Context, index uint32, tokenIn *big.Int) executor.TradeResult
	ApproveMax(ctx context.Context, index uint32, token common.Address) (bool, error)
	TransferNative(ctx context.Context, index uint32, to common.Address, amount *big.Int) (common.Hash, error)
}

// GasSource supplies the cached gas price for transfer cost math.
type GasSource interface {
	GasPrice() *big.Int
}

// State tracks one cascade run. CurrentIndex only ever advances.
type State struct {
	CurrentIndex    uint32
	WalletsTraded   int
	WalletsSkipped  int
	RemainingNative *big.Int
}

// Controller walks one wallet group front to back: each wallet buys a random
// volume, sells down to a random retained amount, then forwards its whole
// remaining balance to the next wallet. The last wallet refunds the remainder
// to wallet 0.
type Controller struct {
	group  config.CascadeGroup
	pool   *wallet.Pool
	trader Trader
	gas    GasSource
	token  common.Address
	dust   *big.Int
	rng    *rand.Rand
	log    *slog.Logger

	// sleep is replaceable so tests run without real delays
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewController(group config.CascadeGroup, pool *wallet.Pool, trader Trader, gas GasSource, token common.Address, dust *big.Int, rng *rand.Rand) *Controller {
	return &Controller{
		group:  group,
		pool:   pool,
		trader: trader,
		gas:    gas,
		token:  token,
		dust:   dust,
		rng:    rng,
		log:    logger.Component("cascade"),
		sleep: func(ctx context.Context, d time.Duration) bool {
			select {
			case <-time.After(d):
				return true
			case <-ctx.Done():
				return false
			}
		},
	}
}

const transferGas = 21_000

// Run executes the cascade until the wallet sequence is exhausted, the
// balance falls below dust, or a forward transfer fails twice in a row.
func (c *Controller) Run(ctx context.Context) (State, error) {
	state := State{RemainingNative: new(big.Int)}
	maxIndex := c.group.MaxWalletsCount
	if int(maxIndex) > c.pool.Len() {
		maxIndex = uint32(c.pool.Len())
	}

	for ; state.CurrentIndex < maxIndex; state.CurrentIndex++ {
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		index := state.CurrentIndex
		if err := c.pool.Refresh(ctx, index); err != nil {
			return state, err
		}
		snap, _ := c.pool.SnapshotOf(index)
		balance := snap.NativeBalance
		state.RemainingNative = new(big.Int).Set(balance)

		floor := c.walletFloor()
		if balance.Cmp(floor) < 0 {
			if state.WalletsTraded == 0 {
				// an underfunded leading wallet is skipped, never revisited
				c.log.Warn("wallet underfunded, skipping",
					"wallet", index, "balance", balance.String(), "floor", floor.String())
				state.WalletsSkipped++
				continue
			}
			c.log.Info("balance below trading floor, stopping",
				"wallet", index, "balance", balance.String())
			return state, nil
		}
		if balance.Cmp(c.dust) < 0 {
			c.log.Info("balance below dust, stopping", "wallet", index)
			return state, nil
		}

		c.tradeWallet(ctx, index, balance)
		state.WalletsTraded++

		dest, last := c.forwardDestination(index, maxIndex)
		forwarded, err := c.forward(ctx, index, dest)
		if err != nil {
			return state, err
		}
		state.RemainingNative = forwarded
		metrics.CascadeAdvances.Inc()
		if last {
			break
		}
	}
	c.log.Info("cascade finished",
		"traded", state.WalletsTraded, "skipped", state.WalletsSkipped,
		"remaining", state.RemainingNative.String())
	return state, nil
}

// tradeWallet runs the buy / approve / sell cycle on one wallet. Trade
// failures are reported but never stop the cascade; the balance still moves
// forward.
func (c *Controller) tradeWallet(ctx context.Context, index uint32, balance *big.Int) {
	buyVolume := c.randomWei(c.group.MinBuyVolume, c.group.MaxBuyVolume)
	spendCap := new(big.Int).Sub(balance, c.walletFloor())
	if buyVolume.Cmp(spendCap) > 0 {
		buyVolume.Set(spendCap)
	}
	if buyVolume.Sign() > 0 {
		if r := c.trader.BuyWithWallet(ctx, index, buyVolume); r.Err != nil {
			c.log.Warn("buy failed", "wallet", index, "error", r.Err.Error())
			c.recover(ctx, index)
		}
	}
	if !c.randomDelay(ctx) {
		return
	}

	if _, err := c.trader.ApproveMax(ctx, index, c.token); err != nil {
		c.log.Warn("approve failed", "wallet", index, "error", err.Error())
		c.recover(ctx, index)
	}

	if err := c.pool.Refresh(ctx, index); err != nil {
		c.log.Warn("refresh failed", "wallet", index, "error", err.Error())
		return
	}
	snap, _ := c.pool.SnapshotOf(index)
	retain := c.randomRetain()
	sellAmount := new(big.Int).Sub(snap.TokenBalance, retain)
	if sellAmount.Sign() > 0 {
		if r := c.trader.SellFromWallet(ctx, index, sellAmount); r.Err != nil {
			c.log.Warn("sell failed", "wallet", index, "error", r.Err.Error())
			c.recover(ctx, index)
		}
	}
	c.randomDelay(ctx)
}

// forward moves the wallet's entire remaining native balance, minus the cost
// of the transfer itself, to dest. A rejected transfer is retried once after
// a resync; two consecutive rejections fail the run.
func (c *Controller) forward(ctx context.Context, index uint32, dest common.Address) (*big.Int, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.pool.Refresh(ctx, index); err != nil {
			return nil, err
		}
		snap, _ := c.pool.SnapshotOf(index)
		cost := new(big.Int).Mul(c.gas.GasPrice(), big.NewInt(transferGas))
		amount := new(big.Int).Sub(snap.NativeBalance, cost)
		if amount.Sign() <= 0 {
			return new(big.Int), nil
		}

		_, err := c.trader.TransferNative(ctx, index, dest, amount)
		if err == nil {
			return amount, nil
		}
		c.log.Warn("forward failed",
			"wallet", index, "attempt", attempt+1, "error", err.Error())
		if attempt == 1 {
			return nil, apperrors.Newf(apperrors.ErrRejected, err,
				"cascade forward from wallet %d failed twice", index)
		}
		c.recover(ctx, index)
	}
	return new(big.Int), nil
}

func (c *Controller) forwardDestination(index, maxIndex uint32) (common.Address, bool) {
	if index+1 >= maxIndex {
		// last wallet returns the remainder to the front of the group
		return c.pool.Wallet(0).Address, true
	}
	return c.pool.Wallet(index + 1).Address, false
}

// recover reconciles a wallet after a failed submission so the next step
// starts from clean chain state.
func (c *Controller) recover(ctx context.Context, index uint32) {
	if err := c.pool.Refresh(ctx, index); err != nil {
		c.log.Warn("recovery refresh failed", "wallet", index, "error", err.Error())
	}
}

// walletFloor is the minimum balance a wallet needs to both trade and still
// afford forwarding.
func (c *Controller) walletFloor() *big.Int {
	gasCost := new(big.Int).Mul(c.gas.GasPrice(), big.NewInt(2*transferGas))
	minBuy := etherToWei(c.group.MinBuyVolume)
	return gasCost.Add(gasCost, minBuy)
}

func (c *Controller) randomWei(min, max float64) *big.Int {
	v := min
	if max > min {
		v = min + c.rng.Float64()*(max-min)
	}
	return etherToWei(v)
}

func (c *Controller) randomRetain() *big.Int {
	lo, hi := c.group.MinRetainToken, c.group.MaxRetainToken
	n := lo
	if hi > lo {
		n = lo + uint32(c.rng.Intn(int(hi-lo+1)))
	}
	return etherToWei(float64(n))
}

func (c *Controller) randomDelay(ctx context.Context) bool {
	lo, hi := c.group.MinDelaySeconds, c.group.MaxDelaySeconds
	d := lo
	if hi > lo {
		d = lo + uint64(c.rng.Int63n(int64(hi-lo+1)))
	}
	if d == 0 {
		return ctx.Err() == nil
	}
	return c.sleep(ctx, time.Duration(d)*time.Second)
}

func etherToWei(v float64) *big.Int {
	return decimal.NewFromFloat(v).Shift(18).Truncate(0).BigInt()
}
