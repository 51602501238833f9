package wallet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
	"github.com/MingZoox/market-maker/internal/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// StateReader is the slice of the chain gateway the pool needs to reconcile
// wallet state. Kept narrow so tests can stub it.
type StateReader interface {
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Wallet is one identity in the pool. All mutable state is guarded by mu;
// callers never touch nonce fields directly.
type Wallet struct {
	Index   uint32
	Address common.Address

	key *ecdsa.PrivateKey

	mu            sync.Mutex
	synced        bool
	nextNonce     uint64
	inflight      map[uint64]bool
	nonceGap      bool
	nativeBalance *big.Int
	tokenBalance  *big.Int
	allowance     *big.Int
	cooldownUntil time.Time
	lastUsed      time.Time
}

// Key returns the signing key. The key never leaves the process.
func (w *Wallet) Key() *ecdsa.PrivateKey { return w.key }

// Pool owns the ordered wallet set derived from one seed. The index→address
// mapping is fixed at construction; pool size never changes afterwards.
type Pool struct {
	wallets []*Wallet
	byAddr  map[common.Address]*Wallet

	reader  StateReader
	token   common.Address
	spender common.Address
}

func NewPool(deriver KeyDeriver, seed []byte, count uint32, reader StateReader, token, spender common.Address) (*Pool, error) {
	p := &Pool{
		wallets: make([]*Wallet, 0, count),
		byAddr:  make(map[common.Address]*Wallet, count),
		reader:  reader,
		token:   token,
		spender: spender,
	}
	for i := uint32(0); i < count; i++ {
		key, err := deriver.Derive(seed, i)
		if err != nil {
			return nil, err
		}
		w := &Wallet{
			Index:    i,
			Address:  crypto.PubkeyToAddress(key.PublicKey),
			key:      key,
			inflight: make(map[uint64]bool),
		}
		p.wallets = append(p.wallets, w)
		p.byAddr[w.Address] = w
	}
	return p, nil
}

func (p *Pool) Len() int { return len(p.wallets) }

func (p *Pool) Wallet(index uint32) *Wallet {
	if int(index) >= len(p.wallets) {
		return nil
	}
	return p.wallets[index]
}

// Wallets returns the ordered wallet slice. The slice is shared; callers must
// go through the reservation protocol for any mutation.
func (p *Pool) Wallets() []*Wallet { return p.wallets }

// Contains reports whether addr is one of the pool's own wallets. Used by the
// monitor to keep self-inflicted trades out of the trigger input.
func (p *Pool) Contains(addr common.Address) bool {
	_, ok := p.byAddr[addr]
	return ok
}

// ReserveNonce hands out the next unused nonce for the wallet and marks it
// reserved. Serialized per wallet: concurrent callers for the same wallet
// block each other, different wallets proceed independently. The first
// reservation for a wallet syncs the starting nonce from chain state.
func (p *Pool) ReserveNonce(ctx context.Context, index uint32) (uint64, error) {
	w := p.Wallet(index)
	if w == nil {
		return 0, apperrors.Newf(apperrors.ErrInternal, nil, "wallet index %d out of range", index)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.nonceGap {
		return 0, apperrors.Newf(apperrors.ErrNonceGap, nil, "wallet %d requires refresh before reuse", index)
	}
	if !w.synced {
		fetched, err := p.reader.PendingNonceAt(ctx, w.Address)
		if err != nil {
			return 0, apperrors.New(apperrors.ErrUpstream, "fetch pending nonce", err)
		}
		w.nextNonce = fetched
		w.synced = true
	}

	nonce := w.nextNonce
	w.nextNonce++
	w.inflight[nonce] = true
	w.lastUsed = time.Now()
	return nonce, nil
}

// Commit marks a reserved nonce as durably consumed after a successful
// submission.
func (p *Pool) Commit(index uint32, nonce uint64) {
	w := p.Wallet(index)
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, nonce)
}

// Release returns a reserved nonce after a failed submission. The nonce is
// restored only when no later nonce from the same wallet is already out;
// otherwise releasing would punch a hole in the sequence and the wallet enters
// nonce gap recovery instead.
func (p *Pool) Release(index uint32, nonce uint64) {
	w := p.Wallet(index)
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.inflight, nonce)
	if nonce == w.nextNonce-1 {
		w.nextNonce = nonce
		return
	}
	w.nonceGap = true
	metrics.NonceGaps.Inc()
	logger.Warn("nonce released out of order, wallet enters gap recovery",
		"wallet", index, "nonce", nonce)
}

// MarkGap forces the wallet into nonce gap recovery. Used after an ambiguous
// submission outcome: the nonce may or may not be consumed on chain, so local
// bookkeeping cannot be trusted until a refresh.
func (p *Pool) MarkGap(index uint32) {
	w := p.Wallet(index)
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.nonceGap {
		w.nonceGap = true
		metrics.NonceGaps.Inc()
	}
}

// Refresh re-reads balance, allowance and the on-chain nonce, reconciling
// local state and resolving any nonce gap.
func (p *Pool) Refresh(ctx context.Context, index uint32) error {
	w := p.Wallet(index)
	if w == nil {
		return apperrors.Newf(apperrors.ErrInternal, nil, "wallet index %d out of range", index)
	}

	nonce, err := p.reader.PendingNonceAt(ctx, w.Address)
	if err != nil {
		return apperrors.New(apperrors.ErrUpstream, "refresh nonce", err)
	}
	native, err := p.reader.NativeBalance(ctx, w.Address)
	if err != nil {
		return apperrors.New(apperrors.ErrUpstream, "refresh native balance", err)
	}
	token, err := p.reader.TokenBalance(ctx, p.token, w.Address)
	if err != nil {
		return apperrors.New(apperrors.ErrUpstream, "refresh token balance", err)
	}
	allowance, err := p.reader.Allowance(ctx, p.token, w.Address, p.spender)
	if err != nil {
		return apperrors.New(apperrors.ErrUpstream, "refresh allowance", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextNonce = nonce
	w.synced = true
	w.inflight = make(map[uint64]bool)
	w.nonceGap = false
	w.nativeBalance = native
	w.tokenBalance = token
	w.allowance = allowance
	return nil
}

// RefreshAll refreshes every wallet; errors are reported per wallet, not
// aggregated into a failure of the whole batch.
func (p *Pool) RefreshAll(ctx context.Context) {
	for _, w := range p.wallets {
		if err := p.Refresh(ctx, w.Index); err != nil {
			logger.Warn("wallet refresh failed", "wallet", w.Index, "error", err.Error())
		}
	}
}

// MarkCooldown makes the wallet ineligible until the deadline passes.
func (p *Pool) MarkCooldown(index uint32, d time.Duration) {
	w := p.Wallet(index)
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cooldownUntil = time.Now().Add(d)
}

// Snapshot is a point-in-time copy of a wallet's spendable state.
type Snapshot struct {
	Index         uint32
	Address       common.Address
	NativeBalance *big.Int
	TokenBalance  *big.Int
	Allowance     *big.Int
	NonceGap      bool
	CoolingDown   bool
	LastUsed      time.Time
}

func (p *Pool) SnapshotOf(index uint32) (Snapshot, bool) {
	w := p.Wallet(index)
	if w == nil {
		return Snapshot{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		Index:         w.Index,
		Address:       w.Address,
		NativeBalance: cloneBig(w.nativeBalance),
		TokenBalance:  cloneBig(w.tokenBalance),
		Allowance:     cloneBig(w.allowance),
		NonceGap:      w.nonceGap,
		CoolingDown:   time.Now().Before(w.cooldownUntil),
		LastUsed:      w.lastUsed,
	}, true
}

// Snapshots returns the state of every wallet in index order.
func (p *Pool) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(p.wallets))
	for _, w := range p.wallets {
		s, _ := p.SnapshotOf(w.Index)
		out = append(out, s)
	}
	return out
}

// ApplySpend optimistically adjusts cached balances after a confirmed trade so
// selection stays accurate between refreshes.
func (p *Pool) ApplySpend(index uint32, native, token *big.Int) {
	w := p.Wallet(index)
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if native != nil && w.nativeBalance != nil {
		w.nativeBalance = new(big.Int).Sub(w.nativeBalance, native)
	}
	if token != nil && w.tokenBalance != nil {
		w.tokenBalance = new(big.Int).Sub(w.tokenBalance, token)
	}
}

// CheckBalances walks the pool and logs a per-wallet report, warning on
// allowance below balance or native below the given floor. Warnings never
// abort the batch.
func (p *Pool) CheckBalances(ctx context.Context, nativeFloor *big.Int) []Snapshot {
	p.RefreshAll(ctx)
	snaps := p.Snapshots()
	for _, s := range snaps {
		logger.Info("wallet balance",
			"wallet", s.Index,
			"address", s.Address.Hex(),
			"native", bigString(s.NativeBalance),
			"token", bigString(s.TokenBalance),
			"allowance", bigString(s.Allowance))
		if s.Allowance != nil && s.TokenBalance != nil && s.Allowance.Cmp(s.TokenBalance) < 0 {
			logger.Warn("allowance below token balance", "wallet", s.Index, "address", s.Address.Hex())
		}
		if nativeFloor != nil && s.NativeBalance != nil && s.NativeBalance.Cmp(nativeFloor) < 0 {
			logger.Warn("native balance below floor", "wallet", s.Index, "address", s.Address.Hex())
		}
	}
	return snaps
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "?"
	}
	return v.String()
}
