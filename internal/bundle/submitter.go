package bundle

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
	"github.com/MingZoox/market-maker/internal/pkg/metrics"
)

// Bundle is an ordered transaction list targeting one block. Either the whole
// list lands in that block or none of it does.
type Bundle struct {
	ID           string
	Transactions []*types.Transaction
	TargetBlock  *big.Int

	raw          [][]byte
	bundleHashes map[string]common.Hash // per relay URL
}

// NewBundle encodes the transactions once and tags the bundle with an id for
// log correlation.
func NewBundle(txs []*types.Transaction, targetBlock *big.Int) (*Bundle, error) {
	if len(txs) == 0 {
		return nil, apperrors.New(apperrors.ErrInternal, "empty bundle", nil)
	}
	raw := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		encoded, err := tx.MarshalBinary()
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "encode bundle transaction", err)
		}
		raw = append(raw, encoded)
	}
	return &Bundle{
		ID:           uuid.NewString(),
		Transactions: txs,
		TargetBlock:  new(big.Int).Set(targetBlock),
		raw:          raw,
		bundleHashes: make(map[string]common.Hash),
	}, nil
}

// FirstTxHash identifies the bundle on chain: the bundle landed iff its
// first transaction has a successful receipt.
func (b *Bundle) FirstTxHash() common.Hash { return b.Transactions[0].Hash() }

type Status uint8

const (
	StatusPending Status = iota
	StatusLanded
	StatusNotLanded
)

func (s Status) String() string {
	switch s {
	case StatusLanded:
		return "landed"
	case StatusNotLanded:
		return "not_landed"
	default:
		return "pending"
	}
}

// Receipter is the receipt lookup slice of the chain gateway.
type Receipter interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Submitter fans bundles out to every configured builder and tracks landing
// through receipts, never through the public pending pool.
type Submitter struct {
	relays   []Relay
	sim      Relay // optional simulation endpoint
	receipts Receipter
}

func NewSubmitter(relays []Relay, sim Relay, receipts Receipter) *Submitter {
	return &Submitter{relays: relays, sim: sim, receipts: receipts}
}

// Simulate runs the bundle through the simulation relay when one is
// configured. A simulation failure is returned to the caller; submitting
// anyway is the caller's decision.
func (s *Submitter) Simulate(ctx context.Context, b *Bundle) error {
	if s.sim == nil {
		return nil
	}
	if err := s.sim.CallBundle(ctx, b.raw, b.TargetBlock); err != nil {
		return apperrors.New(apperrors.ErrRejected, "bundle simulation failed", err)
	}
	return nil
}

// Submit sends the bundle to every relay concurrently. It succeeds when at
// least one builder accepted it.
func (s *Submitter) Submit(ctx context.Context, b *Bundle) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		lastErr  error
	)
	for _, relay := range s.relays {
		wg.Add(1)
		go func(relay Relay) {
			defer wg.Done()
			hash, err := relay.SendBundle(ctx, b.raw, b.TargetBlock, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				logger.Warn("bundle submission failed",
					"bundle", b.ID, "builder", relay.URL(), "error", err.Error())
				return
			}
			accepted++
			b.bundleHashes[relay.URL()] = hash
		}(relay)
	}
	wg.Wait()

	if accepted == 0 {
		metrics.BundleSubmissions.WithLabelValues("rejected").Inc()
		return apperrors.New(apperrors.ErrUpstream, "no builder accepted the bundle", lastErr)
	}
	metrics.BundleSubmissions.WithLabelValues("submitted").Inc()
	logger.Info("bundle submitted",
		"bundle", b.ID, "target_block", b.TargetBlock.String(), "builders", accepted)
	return nil
}

// CheckLanded resolves the bundle's status as of the given head block. Landed
// means the first transaction has a successful receipt; a head past the
// target block without one means the bundle missed.
func (s *Submitter) CheckLanded(ctx context.Context, b *Bundle, head *big.Int) Status {
	receipt, err := s.receipts.TransactionReceipt(ctx, b.FirstTxHash())
	if err == nil && receipt != nil && receipt.Status == types.ReceiptStatusSuccessful {
		metrics.BundleSubmissions.WithLabelValues("landed").Inc()
		logger.Info("bundle landed",
			"bundle", b.ID, "block", receipt.BlockNumber.String(), "tx", b.FirstTxHash().Hex())
		return StatusLanded
	}

	s.logRelayStats(ctx, b)

	if head.Cmp(b.TargetBlock) > 0 {
		metrics.BundleSubmissions.WithLabelValues("missed").Inc()
		return StatusNotLanded
	}
	return StatusPending
}

func (s *Submitter) logRelayStats(ctx context.Context, b *Bundle) {
	for url, hash := range b.bundleHashes {
		relay := s.relayByURL(url)
		if relay == nil {
			continue
		}
		stats, err := relay.BundleStats(ctx, hash, b.TargetBlock)
		if err != nil {
			continue
		}
		logger.Debug("bundle relay stats",
			"bundle", b.ID, "builder", url,
			"high_priority", stats.IsHighPriority,
			"simulated", stats.IsSimulated)
	}
}

func (s *Submitter) relayByURL(url string) Relay {
	for _, r := range s.relays {
		if r.URL() == url {
			return r
		}
	}
	return nil
}
