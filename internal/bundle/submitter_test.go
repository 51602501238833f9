package bundle

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/flashbots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
)

type stubRelay struct {
	url     string
	sendErr error
	callErr error

	mu    sync.Mutex
	sends []*big.Int
}

func (r *stubRelay) URL() string { return r.url }

func (r *stubRelay) SendBundle(_ context.Context, rawTxs [][]byte, blockNumber *big.Int, _ []common.Hash) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return common.Hash{}, r.sendErr
	}
	r.sends = append(r.sends, new(big.Int).Set(blockNumber))
	return crypto.Keccak256Hash(rawTxs[0]), nil
}

func (r *stubRelay) CallBundle(_ context.Context, _ [][]byte, _ *big.Int) error {
	return r.callErr
}

func (r *stubRelay) BundleStats(_ context.Context, _ common.Hash, _ *big.Int) (flashbots.BundleStatsV2Response, error) {
	return flashbots.BundleStatsV2Response{}, nil
}

type stubReceipter struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
}

func (s *stubReceipter) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[hash]; ok {
		return r, nil
	}
	return nil, apperrors.New(apperrors.ErrTimeout, "not found", nil)
}

func (s *stubReceipter) confirm(hash common.Hash, block int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receipts == nil {
		s.receipts = make(map[common.Hash]*types.Receipt)
	}
	s.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(block),
	}
}

func signedTransfer(t *testing.T, key *ecdsa.PrivateKey, nonce uint64) *types.Transaction {
	t.Helper()
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(big.NewInt(1)), &types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1),
	})
	require.NoError(t, err)
	return tx
}

func testBundle(t *testing.T, target int64) *Bundle {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	b, err := NewBundle([]*types.Transaction{
		signedTransfer(t, key, 0),
		signedTransfer(t, key, 1),
	}, big.NewInt(target))
	require.NoError(t, err)
	return b
}

func TestNewBundleEncodesTransactions(t *testing.T) {
	b := testBundle(t, 100)

	assert.NotEmpty(t, b.ID)
	require.Len(t, b.raw, 2)
	expected, err := b.Transactions[0].MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, expected, b.raw[0])
	assert.Equal(t, b.Transactions[0].Hash(), b.FirstTxHash())
}

func TestNewBundleRejectsEmpty(t *testing.T) {
	_, err := NewBundle(nil, big.NewInt(1))
	require.Error(t, err)
}

func TestSubmitSucceedsWithOneAcceptingBuilder(t *testing.T) {
	good := &stubRelay{url: "https://good"}
	bad := &stubRelay{url: "https://bad", sendErr: assert.AnError}
	s := NewSubmitter([]Relay{bad, good}, nil, &stubReceipter{})
	b := testBundle(t, 100)

	err := s.Submit(context.Background(), b)

	require.NoError(t, err)
	assert.Len(t, good.sends, 1)
	assert.Contains(t, b.bundleHashes, "https://good")
	assert.NotContains(t, b.bundleHashes, "https://bad")
}

func TestSubmitFailsWhenAllBuildersReject(t *testing.T) {
	s := NewSubmitter([]Relay{
		&stubRelay{url: "https://a", sendErr: assert.AnError},
		&stubRelay{url: "https://b", sendErr: assert.AnError},
	}, nil, &stubReceipter{})

	err := s.Submit(context.Background(), testBundle(t, 100))

	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrUpstream))
}

func TestSimulateFailureIsRejected(t *testing.T) {
	sim := &stubRelay{url: "https://sim", callErr: assert.AnError}
	s := NewSubmitter([]Relay{&stubRelay{url: "https://a"}}, sim, &stubReceipter{})

	err := s.Simulate(context.Background(), testBundle(t, 100))

	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrRejected))
}

func TestCheckLandedTransitions(t *testing.T) {
	receipts := &stubReceipter{}
	s := NewSubmitter([]Relay{&stubRelay{url: "https://a"}}, nil, receipts)
	b := testBundle(t, 100)
	ctx := context.Background()

	// No receipt yet, head at the target block: still pending.
	assert.Equal(t, StatusPending, s.CheckLanded(ctx, b, big.NewInt(100)))

	// Head past the target without a receipt: the bundle missed.
	assert.Equal(t, StatusNotLanded, s.CheckLanded(ctx, b, big.NewInt(101)))

	// A successful first-tx receipt settles it regardless of head.
	receipts.confirm(b.FirstTxHash(), 100)
	assert.Equal(t, StatusLanded, s.CheckLanded(ctx, b, big.NewInt(105)))
}

func TestOpenTradingCallSelector(t *testing.T) {
	assert.Equal(t, []byte{0xc9, 0x56, 0x7b, 0xf9}, OpenTradingCall("openTrading"))
	assert.Equal(t, OpenTradingCall("openTrading"), OpenTradingCall("openTrading()"))
}
