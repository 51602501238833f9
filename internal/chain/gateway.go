package chain

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/MingZoox/market-maker/internal/config"
	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
)

// Gateway wraps the HTTP and websocket RPC endpoints behind retrying,
// rate-limited read calls and classified submissions.
type Gateway struct {
	http    *ethclient.Client
	ws      *ethclient.Client
	wsGeth  *gethclient.Client
	chainID *big.Int

	limiter       *rate.Limiter
	readRetries   int
	readBackoff   time.Duration
	submitTimeout time.Duration
}

func NewGateway(ctx context.Context, cfg config.ChainConfig) (*Gateway, error) {
	httpClient, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "dial rpc endpoint", err)
	}

	limit := rate.Inf
	burst := 1
	if cfg.ReadRateLimit > 0 {
		limit = rate.Limit(cfg.ReadRateLimit)
		burst = cfg.ReadRateLimit
	}
	g := &Gateway{
		http:          httpClient,
		chainID:       big.NewInt(cfg.ChainID),
		limiter:       rate.NewLimiter(limit, burst),
		readRetries:   cfg.ReadRetries,
		readBackoff:   time.Duration(cfg.ReadBackoffMs) * time.Millisecond,
		submitTimeout: time.Duration(cfg.SubmitTimeoutS) * time.Second,
	}

	if cfg.WSURL != "" {
		rpcClient, err := rpc.DialContext(ctx, cfg.WSURL)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrUpstream, "dial ws endpoint", err)
		}
		g.ws = ethclient.NewClient(rpcClient)
		g.wsGeth = gethclient.New(rpcClient)
	}
	return g, nil
}

func (g *Gateway) ChainID() *big.Int { return new(big.Int).Set(g.chainID) }

func (g *Gateway) Close() {
	g.http.Close()
	if g.ws != nil {
		g.ws.Close()
	}
}

// withRetry runs a read-only call under the rate limiter with bounded
// exponential backoff. Exhausted retries surface as ErrUpstream.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.readRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return apperrors.New(apperrors.ErrUpstream, op+": rate limiter", err)
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		sleep := g.readBackoff << attempt
		if g.readBackoff > 0 {
			sleep += time.Duration(rand.Int63n(int64(g.readBackoff)))
		}
		logger.Warn("chain read failed, retrying",
			"op", op, "attempt", attempt+1, "backoff", sleep.String(), "error", lastErr.Error())
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return apperrors.New(apperrors.ErrUpstream, op+": canceled", ctx.Err())
		}
	}
	return apperrors.New(apperrors.ErrUpstream, op, lastErr)
}

func (g *Gateway) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out *big.Int
	err := g.withRetry(ctx, "native balance", func() error {
		var err error
		out, err = g.http.BalanceAt(ctx, addr, nil)
		return err
	})
	return out, err
}

func (g *Gateway) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := ERC20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "pack balanceOf", err)
	}
	raw, err := g.call(ctx, "token balance", token, data)
	if err != nil {
		return nil, err
	}
	return bigFromCall(raw), nil
}

func (g *Gateway) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := ERC20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "pack allowance", err)
	}
	raw, err := g.call(ctx, "allowance", token, data)
	if err != nil {
		return nil, err
	}
	return bigFromCall(raw), nil
}

func (g *Gateway) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	var out uint64
	err := g.withRetry(ctx, "pending nonce", func() error {
		var err error
		out, err = g.http.PendingNonceAt(ctx, addr)
		return err
	})
	return out, err
}

func (g *Gateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := g.withRetry(ctx, "gas price", func() error {
		var err error
		out, err = g.http.SuggestGasPrice(ctx)
		return err
	})
	return out, err
}

func (g *Gateway) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := g.withRetry(ctx, "gas tip cap", func() error {
		var err error
		out, err = g.http.SuggestGasTipCap(ctx)
		return err
	})
	return out, err
}

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := g.withRetry(ctx, "block number", func() error {
		var err error
		out, err = g.http.BlockNumber(ctx)
		return err
	})
	return out, err
}

func (g *Gateway) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var out *types.Header
	err := g.withRetry(ctx, "header by number", func() error {
		var err error
		out, err = g.http.HeaderByNumber(ctx, number)
		return err
	})
	return out, err
}

func (g *Gateway) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var out []byte
	err := g.withRetry(ctx, "code at", func() error {
		var err error
		out, err = g.http.CodeAt(ctx, addr, nil)
		return err
	})
	return out, err
}

func (g *Gateway) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	// Single attempt on purpose: callers poll receipts in their own loops
	// and a missing receipt is the expected answer, not a fault.
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "receipt: rate limiter", err)
	}
	return g.http.TransactionReceipt(ctx, hash)
}

func (g *Gateway) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	err := g.withRetry(ctx, "filter logs", func() error {
		var err error
		out, err = g.http.FilterLogs(ctx, query)
		return err
	})
	return out, err
}

// Call executes a read-only contract call with the gateway's retry policy.
func (g *Gateway) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return g.call(ctx, "contract call", to, data)
}

func (g *Gateway) call(ctx context.Context, op string, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := g.withRetry(ctx, op, func() error {
		var err error
		out, err = g.http.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	return out, err
}

var rejectionMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"transaction underpriced",
	"insufficient funds",
	"already known",
	"exceeds block gas limit",
	"intrinsic gas too low",
	"invalid sender",
	"execution reverted",
}

// Submit broadcasts a signed transaction. A definitive node rejection comes
// back as ErrRejected; anything ambiguous, where the transaction may still
// have been accepted, comes back as ErrTimeout so callers treat the nonce as
// possibly consumed.
func (g *Gateway) Submit(ctx context.Context, tx *types.Transaction) error {
	subCtx, cancel := context.WithTimeout(ctx, g.submitTimeout)
	defer cancel()

	err := g.http.SendTransaction(subCtx, tx)
	if err == nil {
		return nil
	}
	return apperrors.New(classifySubmitError(err), fmt.Sprintf("submit %s", tx.Hash().Hex()), err)
}

func classifySubmitError(err error) apperrors.ErrorKind {
	msg := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return apperrors.ErrRejected
		}
	}
	return apperrors.ErrTimeout
}

// WaitReceipt polls for a receipt until the deadline passes.
func (g *Gateway) WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := g.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, apperrors.Newf(apperrors.ErrTimeout, nil, "no receipt for %s within %s", hash.Hex(), timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, apperrors.New(apperrors.ErrTimeout, "receipt wait canceled", ctx.Err())
		}
	}
}

func bigFromCall(raw []byte) *big.Int {
	if len(raw) == 0 {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(raw)
}
