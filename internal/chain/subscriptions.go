package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
)

// SubscribeLogs streams logs matching query into out until ctx is done.
// On subscription failure it reconnects and replays the gap with eth_getLogs
// from the last delivered block, so delivery is at-least-once and consumers
// must dedupe by transaction hash.
func (g *Gateway) SubscribeLogs(ctx context.Context, query ethereum.FilterQuery, out chan<- types.Log) error {
	if g.ws == nil {
		return apperrors.New(apperrors.ErrConfigInvalid, "log subscription requires a ws endpoint", nil)
	}

	var lastBlock uint64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lastBlock > 0 {
			replay := query
			replay.FromBlock = new(big.Int).SetUint64(lastBlock)
			logs, err := g.FilterLogs(ctx, replay)
			if err != nil {
				logger.LogError(ctx, err, "log replay failed", "from_block", lastBlock)
			} else {
				for i := range logs {
					select {
					case out <- logs[i]:
						lastBlock = max(lastBlock, logs[i].BlockNumber)
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}

		ch := make(chan types.Log, 256)
		sub, err := g.ws.SubscribeFilterLogs(ctx, query, ch)
		if err != nil {
			logger.LogError(ctx, err, "log subscription failed, reconnecting")
			if !g.sleepReconnect(ctx) {
				return ctx.Err()
			}
			continue
		}

		err = g.pumpLogs(ctx, sub.Err(), ch, out, &lastBlock)
		sub.Unsubscribe()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.LogError(ctx, err, "log subscription dropped, reconnecting", "last_block", lastBlock)
			if !g.sleepReconnect(ctx) {
				return ctx.Err()
			}
		}
	}
}

func (g *Gateway) pumpLogs(ctx context.Context, errs <-chan error, in <-chan types.Log, out chan<- types.Log, lastBlock *uint64) error {
	for {
		select {
		case lg := <-in:
			select {
			case out <- lg:
				*lastBlock = max(*lastBlock, lg.BlockNumber)
			case <-ctx.Done():
				return ctx.Err()
			}
		case err := <-errs:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SubscribePending streams full pending transactions into out until ctx is
// done. The feed is lossy: transactions broadcast while the subscription is
// reconnecting are gone for good, which is acceptable because confirmed log
// delivery covers the same swaps.
func (g *Gateway) SubscribePending(ctx context.Context, out chan<- *types.Transaction) error {
	if g.wsGeth == nil {
		return apperrors.New(apperrors.ErrConfigInvalid, "pending subscription requires a ws endpoint", nil)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ch := make(chan *types.Transaction, 512)
		sub, err := g.wsGeth.SubscribeFullPendingTransactions(ctx, ch)
		if err != nil {
			logger.LogError(ctx, err, "pending subscription failed, reconnecting")
			if !g.sleepReconnect(ctx) {
				return ctx.Err()
			}
			continue
		}

	pump:
		for {
			select {
			case tx := <-ch:
				if tx == nil {
					continue
				}
				select {
				case out <- tx:
				case <-ctx.Done():
					sub.Unsubscribe()
					return ctx.Err()
				}
			case err := <-sub.Err():
				sub.Unsubscribe()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.LogError(ctx, err, "pending subscription dropped, reconnecting")
				if !g.sleepReconnect(ctx) {
					return ctx.Err()
				}
				break pump
			case <-ctx.Done():
				sub.Unsubscribe()
				return ctx.Err()
			}
		}
	}
}

// SubscribeHeads streams new chain heads, reconnecting on failure.
func (g *Gateway) SubscribeHeads(ctx context.Context, out chan<- *types.Header) error {
	if g.ws == nil {
		return apperrors.New(apperrors.ErrConfigInvalid, "head subscription requires a ws endpoint", nil)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ch := make(chan *types.Header, 16)
		sub, err := g.ws.SubscribeNewHead(ctx, ch)
		if err != nil {
			logger.LogError(ctx, err, "head subscription failed, reconnecting")
			if !g.sleepReconnect(ctx) {
				return ctx.Err()
			}
			continue
		}

	pump:
		for {
			select {
			case head := <-ch:
				select {
				case out <- head:
				case <-ctx.Done():
					sub.Unsubscribe()
					return ctx.Err()
				}
			case err := <-sub.Err():
				sub.Unsubscribe()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.LogError(ctx, err, "head subscription dropped, reconnecting")
				if !g.sleepReconnect(ctx) {
					return ctx.Err()
				}
				break pump
			case <-ctx.Done():
				sub.Unsubscribe()
				return ctx.Err()
			}
		}
	}
}

func (g *Gateway) sleepReconnect(ctx context.Context) bool {
	select {
	case <-time.After(g.readBackoff):
		return true
	case <-ctx.Done():
		return false
	}
}
