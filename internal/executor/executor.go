package executor

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/MingZoox/market-maker/internal/chain"
	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
	"github.com/MingZoox/market-maker/internal/pkg/metrics"
	"github.com/MingZoox/market-maker/internal/router"
	"github.com/MingZoox/market-maker/internal/trigger"
	"github.com/MingZoox/market-maker/internal/wallet"
)

// Submitter is the write side of the chain gateway.
type Submitter interface {
	Submit(ctx context.Context, tx *types.Transaction) error
}

// GasSource supplies cached fee suggestions.
type GasSource interface {
	GasPrice() *big.Int
	TipCap() *big.Int
}

// TradeResult is the outcome of one submitted slice of a decision.
type TradeResult struct {
	Wallet uint32
	TxHash common.Hash
	Amount *big.Int
	Err    error
}

// Options fix the executor's trading parameters.
type Options struct {
	ChainID  *big.Int
	GasLimit uint64
	// Surplus is the native reserve, in wei, each wallet keeps untouched.
	Surplus *big.Int
	// Cooldown is how long a wallet stays ineligible after a rejection.
	Cooldown time.Duration
	// Workers bounds concurrent submissions across wallets.
	Workers int
	// TokenDecimals is the traded token's decimals, for sizing buys from
	// token-denominated decisions.
	TokenDecimals int32
}

// Executor turns trigger decisions into signed, submitted transactions. One
// decision may fan out over several wallets when no single wallet covers the
// amount; every slice goes through the pool's nonce reservation protocol.
type Executor struct {
	pool      *wallet.Pool
	router    router.Router
	submitter Submitter
	gas       GasSource
	opts      Options

	log     *slog.Logger
	signer  types.Signer
	workers chan struct{}
	wg      sync.WaitGroup
}

func New(pool *wallet.Pool, r router.Router, submitter Submitter, gas GasSource, opts Options) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Surplus == nil {
		opts.Surplus = new(big.Int)
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.TokenDecimals == 0 {
		opts.TokenDecimals = 18
	}
	return &Executor{
		pool:      pool,
		router:    r,
		submitter: submitter,
		gas:       gas,
		opts:      opts,
		log:       logger.Component("executor"),
		signer:    types.LatestSignerForChainID(opts.ChainID),
		workers:   make(chan struct{}, opts.Workers),
	}
}

// Drain blocks until every in-flight submission has reached a definite
// outcome. Called on shutdown so no nonce reservation is orphaned.
func (e *Executor) Drain() { e.wg.Wait() }

// slice is one wallet's share of a decision. For sells the amount is token
// units, for buys wei to spend.
type slice struct {
	index  uint32
	amount *big.Int
}

// Execute carries out a decision, spreading it over eligible wallets in
// least-recently-used order. Returns ErrNoEligibleWallet when nothing can
// trade; a partial fill is not an error.
func (e *Executor) Execute(ctx context.Context, d trigger.Decision) ([]TradeResult, error) {
	var slices []slice
	switch d.Action {
	case trigger.ActionSell:
		slices = e.planSell(d.Amount)
	case trigger.ActionBuy:
		slices = e.planBuy(d)
	default:
		return nil, nil
	}
	if len(slices) == 0 {
		metrics.TradesTotal.WithLabelValues("no_wallet", d.Action.String()).Inc()
		return nil, apperrors.Newf(apperrors.ErrNoEligibleWallet, nil,
			"no wallet can cover a %s of %s", d.Action, d.Amount)
	}

	results := make([]TradeResult, len(slices))
	var inner sync.WaitGroup
	for i, s := range slices {
		select {
		case e.workers <- struct{}{}:
		case <-ctx.Done():
			// already-started slices still write into results; wait for
			// them so the returned prefix is stable
			inner.Wait()
			return results[:i], ctx.Err()
		}
		inner.Add(1)
		e.wg.Add(1)
		go func(i int, s slice) {
			defer func() {
				<-e.workers
				inner.Done()
				e.wg.Done()
			}()
			results[i] = e.submitSlice(ctx, d.Action, s)
		}(i, s)
	}
	inner.Wait()
	return results, nil
}

// planSell splits a token amount over wallets by spendable token balance.
func (e *Executor) planSell(amount *big.Int) []slice {
	remaining := new(big.Int).Set(amount)
	var out []slice
	for _, s := range e.eligibleByLRU() {
		if remaining.Sign() <= 0 {
			break
		}
		usable := minBig(s.TokenBalance, s.Allowance)
		if usable == nil || usable.Sign() <= 0 {
			continue
		}
		take := minBig(usable, remaining)
		out = append(out, slice{index: s.Index, amount: new(big.Int).Set(take)})
		remaining.Sub(remaining, take)
	}
	return out
}

// planBuy converts the decision's token amount into wei at the decision
// price and splits it over wallets by spendable native balance.
func (e *Executor) planBuy(d trigger.Decision) []slice {
	if d.Price.IsZero() {
		return nil
	}
	want := e.tokensToWei(d.Amount, d.Price)
	gasReserve := new(big.Int).Mul(e.gas.GasPrice(), new(big.Int).SetUint64(e.opts.GasLimit))

	remaining := want
	var out []slice
	for _, s := range e.eligibleByLRU() {
		if remaining.Sign() <= 0 {
			break
		}
		if s.NativeBalance == nil {
			continue
		}
		usable := new(big.Int).Sub(s.NativeBalance, e.opts.Surplus)
		usable.Sub(usable, gasReserve)
		if usable.Sign() <= 0 {
			continue
		}
		take := minBig(usable, remaining)
		out = append(out, slice{index: s.Index, amount: new(big.Int).Set(take)})
		remaining.Sub(remaining, take)
	}
	return out
}

// eligibleByLRU returns wallet snapshots ordered least recently used first,
// excluding wallets cooling down or in nonce gap recovery.
func (e *Executor) eligibleByLRU() []wallet.Snapshot {
	snaps := e.pool.Snapshots()
	eligible := snaps[:0]
	for _, s := range snaps {
		if s.CoolingDown || s.NonceGap {
			continue
		}
		eligible = append(eligible, s)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].LastUsed.Before(eligible[j].LastUsed)
	})
	return eligible
}

func (e *Executor) submitSlice(ctx context.Context, action trigger.Action, s slice) TradeResult {
	started := time.Now()
	result := TradeResult{Wallet: s.index, Amount: s.amount}

	w := e.pool.Wallet(s.index)
	if w == nil {
		result.Err = apperrors.Newf(apperrors.ErrInternal, nil, "wallet %d out of range", s.index)
		return result
	}

	nonce, err := e.pool.ReserveNonce(ctx, s.index)
	if err != nil {
		result.Err = err
		return result
	}

	var intent *router.TxIntent
	switch action {
	case trigger.ActionBuy:
		intent, err = e.router.BuildBuy(ctx, w.Address, s.amount)
	case trigger.ActionSell:
		intent, err = e.router.BuildSell(ctx, w.Address, s.amount)
	}
	if err != nil {
		e.pool.Release(s.index, nonce)
		result.Err = err
		return result
	}

	tx, err := e.sign(w, nonce, intent)
	if err != nil {
		e.pool.Release(s.index, nonce)
		result.Err = err
		return result
	}
	result.TxHash = tx.Hash()

	err = e.submitter.Submit(ctx, tx)
	switch {
	case err == nil:
		e.pool.Commit(s.index, nonce)
		e.applySpend(action, s)
		metrics.TradesTotal.WithLabelValues("submitted", action.String()).Inc()
		metrics.TradeLatency.WithLabelValues(action.String()).Observe(time.Since(started).Seconds())
		e.log.Info("trade submitted",
			"wallet", s.index, "side", action.String(), "amount", s.amount.String(), "tx", tx.Hash().Hex())
	case apperrors.IsKind(err, apperrors.ErrRejected):
		e.pool.Release(s.index, nonce)
		e.pool.MarkCooldown(s.index, e.opts.Cooldown)
		metrics.TradesTotal.WithLabelValues("rejected", action.String()).Inc()
		e.log.Warn("trade rejected", "wallet", s.index, "tx", tx.Hash().Hex(), "error", err.Error())
		result.Err = err
	default:
		// ambiguous outcome: the nonce may be consumed on chain, force a
		// resync before this wallet trades again
		e.pool.MarkGap(s.index)
		metrics.TradesTotal.WithLabelValues("timeout", action.String()).Inc()
		e.log.Warn("trade outcome unknown", "wallet", s.index, "tx", tx.Hash().Hex(), "error", err.Error())
		result.Err = err
	}
	return result
}

func (e *Executor) applySpend(action trigger.Action, s slice) {
	if action == trigger.ActionBuy {
		e.pool.ApplySpend(s.index, s.amount, nil)
		return
	}
	e.pool.ApplySpend(s.index, nil, s.amount)
}

func (e *Executor) sign(w *wallet.Wallet, nonce uint64, intent *router.TxIntent) (*types.Transaction, error) {
	feeCap := e.gas.GasPrice()
	tipCap := e.gas.TipCap()
	if feeCap.Sign() == 0 {
		return nil, apperrors.New(apperrors.ErrInternal, "no gas price available", nil)
	}
	if tipCap.Cmp(feeCap) > 0 {
		tipCap = feeCap
	}
	tx, err := types.SignNewTx(w.Key(), e.signer, &types.DynamicFeeTx{
		ChainID:   e.opts.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       e.opts.GasLimit,
		To:        &intent.To,
		Value:     intent.Value,
		Data:      intent.Data,
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "sign transaction", err)
	}
	return tx, nil
}

// ApproveMax grants the router an unlimited allowance from the wallet when
// its current allowance trails its token balance. No-op otherwise.
func (e *Executor) ApproveMax(ctx context.Context, index uint32, token common.Address) (bool, error) {
	snap, ok := e.pool.SnapshotOf(index)
	if !ok {
		return false, apperrors.Newf(apperrors.ErrInternal, nil, "wallet %d out of range", index)
	}
	if snap.Allowance != nil && snap.TokenBalance != nil && snap.Allowance.Cmp(snap.TokenBalance) >= 0 {
		return false, nil
	}

	w := e.pool.Wallet(index)
	nonce, err := e.pool.ReserveNonce(ctx, index)
	if err != nil {
		return false, err
	}

	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	data, err := erc20Approve(e.router.Spender(), maxUint256)
	if err != nil {
		e.pool.Release(index, nonce)
		return false, err
	}
	tx, err := e.sign(w, nonce, &router.TxIntent{To: token, Value: new(big.Int), Data: data})
	if err != nil {
		e.pool.Release(index, nonce)
		return false, err
	}

	if err := e.submitter.Submit(ctx, tx); err != nil {
		if apperrors.IsKind(err, apperrors.ErrRejected) {
			e.pool.Release(index, nonce)
		} else {
			e.pool.MarkGap(index)
		}
		return false, err
	}
	e.pool.Commit(index, nonce)
	e.log.Info("allowance raised", "wallet", index, "tx", tx.Hash().Hex())
	return true, nil
}

// BuyWithWallet spends nativeIn wei on tokens from one specific wallet,
// bypassing selection. Used by the cascade, which owns its wallet order.
func (e *Executor) BuyWithWallet(ctx context.Context, index uint32, nativeIn *big.Int) TradeResult {
	return e.submitSlice(ctx, trigger.ActionBuy, slice{index: index, amount: new(big.Int).Set(nativeIn)})
}

// SellFromWallet sells tokenIn token units from one specific wallet.
func (e *Executor) SellFromWallet(ctx context.Context, index uint32, tokenIn *big.Int) TradeResult {
	return e.submitSlice(ctx, trigger.ActionSell, slice{index: index, amount: new(big.Int).Set(tokenIn)})
}

// TransferNative moves amount wei from the wallet to an arbitrary address as
// a plain 21000-gas transfer, through the same nonce protocol and outcome
// classification as trades.
func (e *Executor) TransferNative(ctx context.Context, index uint32, to common.Address, amount *big.Int) (common.Hash, error) {
	w := e.pool.Wallet(index)
	if w == nil {
		return common.Hash{}, apperrors.Newf(apperrors.ErrInternal, nil, "wallet %d out of range", index)
	}
	nonce, err := e.pool.ReserveNonce(ctx, index)
	if err != nil {
		return common.Hash{}, err
	}

	feeCap := e.gas.GasPrice()
	tipCap := e.gas.TipCap()
	if tipCap.Cmp(feeCap) > 0 {
		tipCap = feeCap
	}
	tx, err := types.SignNewTx(w.Key(), e.signer, &types.DynamicFeeTx{
		ChainID:   e.opts.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       21_000,
		To:        &to,
		Value:     new(big.Int).Set(amount),
	})
	if err != nil {
		e.pool.Release(index, nonce)
		return common.Hash{}, apperrors.New(apperrors.ErrInternal, "sign transfer", err)
	}

	if err := e.submitter.Submit(ctx, tx); err != nil {
		if apperrors.IsKind(err, apperrors.ErrRejected) {
			e.pool.Release(index, nonce)
		} else {
			e.pool.MarkGap(index)
		}
		return tx.Hash(), err
	}
	e.pool.Commit(index, nonce)
	e.pool.ApplySpend(index, amount, nil)
	e.log.Info("native transfer submitted",
		"wallet", index, "to", to.Hex(), "amount", amount.String(), "tx", tx.Hash().Hex())
	return tx.Hash(), nil
}

func erc20Approve(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := chain.ERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "pack approve", err)
	}
	return data, nil
}

// tokensToWei prices a token amount in wei at the decision price, scaling
// out of the token's own decimals first.
func (e *Executor) tokensToWei(tokens *big.Int, price decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(tokens, -e.opts.TokenDecimals).Mul(price).Shift(18).Truncate(0).BigInt()
}

func minBig(a, b *big.Int) *big.Int {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Cmp(b) < 0 {
		return a
	}
	return b
}
