package monitor

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/MingZoox/market-maker/internal/chain"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
	"github.com/MingZoox/market-maker/internal/pkg/metrics"
)

// Feeds is the subscription surface the monitor consumes.
type Feeds interface {
	SubscribePending(ctx context.Context, out chan<- *types.Transaction) error
	SubscribeLogs(ctx context.Context, query ethereum.FilterQuery, out chan<- types.Log) error
}

// PriceSource quotes the current token price in native units.
type PriceSource interface {
	TokenPrice(ctx context.Context) (decimal.Decimal, error)
}

// OwnWallets reports whether an address belongs to the engine itself, so its
// own trades never feed back into the trigger input.
type OwnWallets interface {
	Contains(addr common.Address) bool
}

// Options fix the monitor's observation scope.
type Options struct {
	Token         common.Address
	WETH          common.Address
	Pair          common.Address
	Routers       []common.Address
	ChainID       *big.Int
	TokenDecimals int32 // zero means 18

	WatchPending   bool
	WatchConfirmed bool
}

// Monitor turns raw pending transactions and confirmed logs into one ordered
// stream of MarketActivity. Both feeds are drained by a single goroutine, so
// output order is observation order.
type Monitor struct {
	feeds   Feeds
	decoder *Decoder
	price   PriceSource
	own     OwnWallets
	seen    SeenCache
	opts    Options
	signer  types.Signer

	out chan MarketActivity

	priceMu       sync.Mutex
	cachedPrice   decimal.Decimal
	priceFetched  time.Time
	priceCacheTTL time.Duration
}

func New(feeds Feeds, price PriceSource, own OwnWallets, seen SeenCache, opts Options) *Monitor {
	return &Monitor{
		feeds:         feeds,
		decoder:       NewDecoder(opts.Token, opts.WETH, opts.Routers),
		price:         price,
		own:           own,
		seen:          seen,
		opts:          opts,
		signer:        types.LatestSignerForChainID(opts.ChainID),
		out:           make(chan MarketActivity, 256),
		priceCacheTTL: 2 * time.Second,
	}
}

// Out is the single-consumer activity stream. Closed when Run returns.
func (m *Monitor) Out() <-chan MarketActivity { return m.out }

func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.out)

	pendingCh := make(chan *types.Transaction, 512)
	logCh := make(chan types.Log, 256)

	if m.opts.WatchPending {
		go func() {
			if err := m.feeds.SubscribePending(ctx, pendingCh); err != nil && ctx.Err() == nil {
				logger.LogError(ctx, err, "pending feed stopped")
			}
		}()
	}
	if m.opts.WatchConfirmed {
		pairTopic := chain.AddressTopic(m.opts.Pair)
		intoPair := ethereum.FilterQuery{
			Addresses: []common.Address{m.opts.WETH},
			Topics:    [][]common.Hash{{chain.TransferTopic}, nil, {pairTopic}},
		}
		outOfPair := ethereum.FilterQuery{
			Addresses: []common.Address{m.opts.WETH},
			Topics:    [][]common.Hash{{chain.TransferTopic}, {pairTopic}},
		}
		for _, q := range []ethereum.FilterQuery{intoPair, outOfPair} {
			q := q
			go func() {
				if err := m.feeds.SubscribeLogs(ctx, q, logCh); err != nil && ctx.Err() == nil {
					logger.LogError(ctx, err, "log feed stopped")
				}
			}()
		}
	}

	for {
		select {
		case tx := <-pendingCh:
			m.handlePending(ctx, tx)
		case lg := <-logCh:
			m.handleConfirmed(ctx, lg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) handlePending(ctx context.Context, tx *types.Transaction) {
	obs, addressed, ok := m.decoder.DecodeTx(tx)
	if !ok {
		if addressed {
			metrics.DecodeFailures.Inc()
		}
		return
	}
	sender, err := types.Sender(m.signer, tx)
	if err != nil {
		metrics.DecodeFailures.Inc()
		return
	}
	if m.own.Contains(sender) {
		return
	}

	hash := tx.Hash()
	if _, found, err := m.seen.Get(ctx, hash); err != nil {
		logger.LogError(ctx, err, "seen cache read failed", "tx", hash.Hex())
		return
	} else if found {
		return
	}

	price, volume := m.tokenVolume(ctx, obs)
	if volume.Sign() <= 0 {
		return
	}
	if err := m.seen.Put(ctx, hash, SeenRecord{Kind: obs.kind, Volume: volume}); err != nil {
		logger.LogError(ctx, err, "seen cache write failed", "tx", hash.Hex())
	}

	m.emit(ctx, MarketActivity{
		TxHash: hash,
		Kind:   obs.kind,
		Volume: volume,
		Source: SourcePending,
		Origin: sender,
		SeenAt: time.Now(),
		Price:  price,
	})
}

func (m *Monitor) handleConfirmed(ctx context.Context, lg types.Log) {
	if lg.Removed {
		return
	}
	obs, origin, ok := m.decoder.DecodeLog(lg, m.opts.WETH, m.opts.Pair)
	if !ok {
		return
	}
	if m.own.Contains(origin) {
		return
	}

	price, volume := m.tokenVolume(ctx, obs)
	if volume.Sign() <= 0 {
		return
	}

	activity := MarketActivity{
		TxHash: lg.TxHash,
		Kind:   obs.kind,
		Volume: volume,
		Source: SourceConfirmed,
		Origin: origin,
		Block:  lg.BlockNumber,
		SeenAt: time.Now(),
		Price:  price,
	}

	prev, found, err := m.seen.Get(ctx, lg.TxHash)
	if err != nil {
		logger.LogError(ctx, err, "seen cache read failed", "tx", lg.TxHash.Hex())
		found = false
	}
	if found && prev.Kind == obs.kind {
		// already counted while pending: supersede with the net difference
		delta := new(big.Int).Sub(volume, prev.Volume)
		if delta.Sign() == 0 {
			return
		}
		activity.Volume = delta
		activity.Correction = true
	}

	if err := m.seen.Put(ctx, lg.TxHash, SeenRecord{Kind: obs.kind, Volume: volume}); err != nil {
		logger.LogError(ctx, err, "seen cache write failed", "tx", lg.TxHash.Hex())
	}
	m.emit(ctx, activity)
}

func (m *Monitor) emit(ctx context.Context, activity MarketActivity) {
	select {
	case m.out <- activity:
		metrics.ActivityEvents.WithLabelValues(activity.Kind.String(), activity.Source.String()).Inc()
	case <-ctx.Done():
	}
}

// tokenVolume converts a decoded observation into token units using a
// briefly cached price quote.
func (m *Monitor) tokenVolume(ctx context.Context, obs observation) (decimal.Decimal, *big.Int) {
	price := m.quote(ctx)
	if obs.token != nil {
		return price, new(big.Int).Set(obs.token)
	}
	if obs.native == nil || price.IsZero() {
		return price, new(big.Int)
	}
	dec := m.opts.TokenDecimals
	if dec == 0 {
		dec = 18
	}
	native := decimal.NewFromBigInt(obs.native, -18)
	return price, native.Div(price).Shift(dec).Truncate(0).BigInt()
}

func (m *Monitor) quote(ctx context.Context) decimal.Decimal {
	m.priceMu.Lock()
	defer m.priceMu.Unlock()
	if time.Since(m.priceFetched) < m.priceCacheTTL && !m.cachedPrice.IsZero() {
		return m.cachedPrice
	}
	price, err := m.price.TokenPrice(ctx)
	if err != nil {
		logger.LogError(ctx, err, "price quote failed")
		return m.cachedPrice
	}
	m.cachedPrice = price
	m.priceFetched = time.Now()
	return price
}
