package bundle

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
	"github.com/MingZoox/market-maker/internal/router"
	"github.com/MingZoox/market-maker/internal/wallet"
)

// ChainReads is the read slice of the chain gateway the coordinator depends on.
type ChainReads interface {
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	SubscribeHeads(ctx context.Context, out chan<- *types.Header) error
}

// GasSource provides the cached gas quote used for every bundle transaction.
type GasSource interface {
	GasPrice() *big.Int
	TipCap() *big.Int
}

// LaunchOptions configure one atomic launch: the activation call that opens
// trading plus the first buys, landed together or not at all.
type LaunchOptions struct {
	ChainID         *big.Int
	GasLimit        uint64
	Surplus         *big.Int // wei kept untouched per wallet
	MaxBlocks       int64
	Deployer        *ecdsa.PrivateKey
	OpenTradingTo   common.Address
	OpenTradingData []byte
	WalletCount     uint32
}

// OpenTradingCall packs the calldata for the activation method. The method
// may be a bare name ("openTrading") or a full signature.
func OpenTradingCall(method string) []byte {
	sig := method
	if !strings.Contains(sig, "(") {
		sig += "()"
	}
	return crypto.Keccak256([]byte(sig))[:4]
}

// Coordinator rebuilds and resubmits a launch bundle each new head until it
// lands or the block budget runs out.
type Coordinator struct {
	submitter *Submitter
	rtr       router.Router
	pool      *wallet.Pool
	chain     ChainReads
	gas       GasSource
	opts      LaunchOptions
	signer    types.Signer
}

func NewCoordinator(submitter *Submitter, rtr router.Router, pool *wallet.Pool, chain ChainReads, gas GasSource, opts LaunchOptions) *Coordinator {
	return &Coordinator{
		submitter: submitter,
		rtr:       rtr,
		pool:      pool,
		chain:     chain,
		gas:       gas,
		opts:      opts,
		signer:    types.LatestSignerForChainID(opts.ChainID),
	}
}

// Run drives the launch to completion. Each head the bundle has not landed
// it is rebuilt with fresh nonces targeting the next block and resubmitted,
// so a missed slot never strands a stale nonce set.
func (c *Coordinator) Run(ctx context.Context) error {
	heads := make(chan *types.Header, 8)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := c.chain.SubscribeHeads(subCtx, heads); err != nil && subCtx.Err() == nil {
			logger.Error("head subscription ended", "error", err.Error())
		}
	}()

	var (
		current    *Bundle
		startBlock *big.Int
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head := <-heads:
			if current != nil {
				switch c.submitter.CheckLanded(ctx, current, head.Number) {
				case StatusLanded:
					return nil
				case StatusPending:
					continue
				}
			}
			if startBlock == nil {
				startBlock = new(big.Int).Set(head.Number)
			}
			elapsed := new(big.Int).Sub(head.Number, startBlock)
			if elapsed.Int64() >= c.opts.MaxBlocks {
				return apperrors.Newf(apperrors.ErrTimeout, nil,
					"bundle not landed within %d blocks", c.opts.MaxBlocks)
			}

			target := new(big.Int).Add(head.Number, big.NewInt(1))
			b, err := c.build(ctx, target)
			if err != nil {
				return err
			}
			if err := c.submitter.Simulate(ctx, b); err != nil {
				return err
			}
			if err := c.submitter.Submit(ctx, b); err != nil {
				logger.Warn("bundle submit attempt failed",
					"target_block", target.String(), "error", err.Error())
				continue
			}
			current = b
		}
	}
}

// build assembles [activation tx, buy tx per launch wallet] with nonces read
// fresh from the pending state, so consecutive attempts stay valid.
func (c *Coordinator) build(ctx context.Context, target *big.Int) (*Bundle, error) {
	deployerAddr := crypto.PubkeyToAddress(c.opts.Deployer.PublicKey)
	nonce, err := c.chain.PendingNonceAt(ctx, deployerAddr)
	if err != nil {
		return nil, err
	}
	activation, err := c.sign(c.opts.Deployer, nonce, &router.TxIntent{
		To:    c.opts.OpenTradingTo,
		Value: big.NewInt(0),
		Data:  c.opts.OpenTradingData,
	})
	if err != nil {
		return nil, err
	}
	txs := []*types.Transaction{activation}

	gasCost := new(big.Int).Mul(c.gas.GasPrice(), new(big.Int).SetUint64(c.opts.GasLimit))
	count := c.opts.WalletCount
	if int(count) > c.pool.Len() {
		count = uint32(c.pool.Len())
	}
	for i := uint32(0); i < count; i++ {
		w := c.pool.Wallet(i)
		balance, err := c.chain.NativeBalance(ctx, w.Address)
		if err != nil {
			return nil, err
		}
		spend := new(big.Int).Sub(balance, c.opts.Surplus)
		spend.Sub(spend, gasCost)
		if spend.Sign() <= 0 {
			logger.Warn("launch wallet underfunded, excluded from bundle",
				"wallet", w.Address.Hex(), "balance", balance.String())
			continue
		}
		intent, err := c.rtr.BuildBuy(ctx, w.Address, spend)
		if err != nil {
			return nil, err
		}
		walletNonce, err := c.chain.PendingNonceAt(ctx, w.Address)
		if err != nil {
			return nil, err
		}
		tx, err := c.sign(w.Key(), walletNonce, intent)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if len(txs) == 1 {
		return nil, apperrors.New(apperrors.ErrNoEligibleWallet, "no launch wallet funded above surplus", nil)
	}

	b, err := NewBundle(txs, target)
	if err != nil {
		return nil, err
	}
	logger.Info("launch bundle built",
		"bundle", b.ID, "target_block", target.String(), "txs", len(txs))
	return b, nil
}

func (c *Coordinator) sign(key *ecdsa.PrivateKey, nonce uint64, intent *router.TxIntent) (*types.Transaction, error) {
	feeCap := c.gas.GasPrice()
	tipCap := c.gas.TipCap()
	if feeCap.Sign() == 0 {
		return nil, apperrors.New(apperrors.ErrInternal, "no gas price available", nil)
	}
	if tipCap.Cmp(feeCap) > 0 {
		tipCap = feeCap
	}
	tx, err := types.SignNewTx(key, c.signer, &types.DynamicFeeTx{
		ChainID:   c.opts.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       c.opts.GasLimit,
		To:        &intent.To,
		Value:     intent.Value,
		Data:      intent.Data,
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "sign bundle transaction", err)
	}
	return tx, nil
}
