package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/MingZoox/market-maker/internal/pkg/logger"
)

// GasPricePoller keeps a cached fee suggestion refreshed in the background so
// trade builders never block on an RPC round trip.
type GasPricePoller struct {
	gw       *Gateway
	interval time.Duration

	mu       sync.RWMutex
	gasPrice *big.Int
	tipCap   *big.Int
}

func NewGasPricePoller(gw *Gateway, interval time.Duration) *GasPricePoller {
	return &GasPricePoller{
		gw:       gw,
		interval: interval,
		gasPrice: big.NewInt(0),
		tipCap:   big.NewInt(0),
	}
}

// Run blocks until ctx is done, refreshing the cached values each interval.
// The first refresh happens synchronously so callers can start immediately.
func (p *GasPricePoller) Run(ctx context.Context) {
	p.refresh(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *GasPricePoller) refresh(ctx context.Context) {
	price, err := p.gw.SuggestGasPrice(ctx)
	if err != nil {
		logger.LogError(ctx, err, "gas price refresh failed")
		return
	}
	tip, err := p.gw.SuggestGasTipCap(ctx)
	if err != nil {
		logger.LogError(ctx, err, "gas tip refresh failed")
		return
	}
	p.mu.Lock()
	p.gasPrice = price
	p.tipCap = tip
	p.mu.Unlock()
}

func (p *GasPricePoller) GasPrice() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.gasPrice)
}

func (p *GasPricePoller) TipCap() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.tipCap)
}
