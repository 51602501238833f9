package monitor

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MingZoox/market-maker/internal/chain"
	"github.com/MingZoox/market-maker/internal/router"
)

var (
	dTokenAddr  = common.HexToAddress("0x5555555555555555555555555555555555555555")
	dWethAddr   = common.HexToAddress("0x4444444444444444444444444444444444444444")
	dRouterAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	dPairAddr   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	dTrader     = common.HexToAddress("0x6666666666666666666666666666666666666666")
)

func newTestDecoder() *Decoder {
	return NewDecoder(dTokenAddr, dWethAddr, []common.Address{dRouterAddr})
}

func unsignedTx(to common.Address, value *big.Int, data []byte) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1),
		Gas:       300_000,
		To:        &to,
		Value:     value,
		Data:      data,
	})
}

func TestDecodeV2BuyTx(t *testing.T) {
	data, err := router.RouterV2ABI.Pack("swapExactETHForTokensSupportingFeeOnTransferTokens",
		big.NewInt(0), []common.Address{dWethAddr, dTokenAddr}, dTrader, big.NewInt(9_999_999_999))
	require.NoError(t, err)

	obs, addressed, ok := newTestDecoder().DecodeTx(unsignedTx(dRouterAddr, big.NewInt(7_000), data))
	require.True(t, addressed)
	require.True(t, ok)
	assert.Equal(t, KindBuy, obs.kind)
	assert.Equal(t, "7000", obs.native.String())
	assert.Nil(t, obs.token)
}

func TestDecodeV2SellTx(t *testing.T) {
	data, err := router.RouterV2ABI.Pack("swapExactTokensForETHSupportingFeeOnTransferTokens",
		big.NewInt(123_456), big.NewInt(0), []common.Address{dTokenAddr, dWethAddr}, dTrader, big.NewInt(9_999_999_999))
	require.NoError(t, err)

	obs, addressed, ok := newTestDecoder().DecodeTx(unsignedTx(dRouterAddr, big.NewInt(0), data))
	require.True(t, addressed)
	require.True(t, ok)
	assert.Equal(t, KindSell, obs.kind)
	assert.Equal(t, "123456", obs.token.String())
}

func TestDecodeWrongTokenDropped(t *testing.T) {
	other := common.HexToAddress("0x7777777777777777777777777777777777777777")
	data, err := router.RouterV2ABI.Pack("swapExactETHForTokensSupportingFeeOnTransferTokens",
		big.NewInt(0), []common.Address{dWethAddr, other}, dTrader, big.NewInt(9_999_999_999))
	require.NoError(t, err)

	_, addressed, ok := newTestDecoder().DecodeTx(unsignedTx(dRouterAddr, big.NewInt(7_000), data))
	assert.True(t, addressed)
	assert.False(t, ok)
}

func TestDecodeUnknownRouterIgnored(t *testing.T) {
	other := common.HexToAddress("0x8888888888888888888888888888888888888888")
	_, addressed, ok := newTestDecoder().DecodeTx(unsignedTx(other, big.NewInt(1), []byte{0xb6, 0xf9, 0xde, 0x95}))
	assert.False(t, addressed)
	assert.False(t, ok)
}

func TestDecodeV3SingleTx(t *testing.T) {
	data, err := router.RouterV3ABI.Pack("exactInputSingle", struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           dTokenAddr,
		TokenOut:          dWethAddr,
		Fee:               big.NewInt(3000),
		Recipient:         dTrader,
		AmountIn:          big.NewInt(42_000),
		AmountOutMinimum:  big.NewInt(0),
		SqrtPriceLimitX96: big.NewInt(0),
	})
	require.NoError(t, err)

	obs, addressed, ok := newTestDecoder().DecodeTx(unsignedTx(dRouterAddr, big.NewInt(0), data))
	require.True(t, addressed)
	require.True(t, ok)
	assert.Equal(t, KindSell, obs.kind)
	assert.Equal(t, "42000", obs.token.String())
}

func TestDecodeUniversalV2SwapExactIn(t *testing.T) {
	addressT, _ := abi.NewType("address", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	addrArrT, _ := abi.NewType("address[]", "", nil)
	boolT, _ := abi.NewType("bool", "", nil)
	bytesT, _ := abi.NewType("bytes", "", nil)
	bytesArrT, _ := abi.NewType("bytes[]", "", nil)

	swapArgs := abi.Arguments{
		{Type: addressT}, {Type: uint256T}, {Type: uint256T}, {Type: addrArrT}, {Type: boolT},
	}
	input, err := swapArgs.Pack(dTrader, big.NewInt(55_000), big.NewInt(0),
		[]common.Address{dWethAddr, dTokenAddr}, true)
	require.NoError(t, err)

	execArgs := abi.Arguments{{Type: bytesT}, {Type: bytesArrT}, {Type: uint256T}}
	packed, err := execArgs.Pack([]byte{0x08}, [][]byte{input}, big.NewInt(9_999_999_999))
	require.NoError(t, err)
	data := append([]byte{0x35, 0x93, 0x56, 0x4c}, packed...)

	obs, addressed, ok := newTestDecoder().DecodeTx(unsignedTx(dRouterAddr, big.NewInt(0), data))
	require.True(t, addressed)
	require.True(t, ok)
	assert.Equal(t, KindBuy, obs.kind)
	assert.Equal(t, "55000", obs.native.String())
}

func TestDecodeLogDirections(t *testing.T) {
	d := newTestDecoder()
	value := common.LeftPadBytes(big.NewInt(9_000).Bytes(), 32)

	intoPair := types.Log{
		Address: dWethAddr,
		Topics:  []common.Hash{chain.TransferTopic, chain.AddressTopic(dTrader), chain.AddressTopic(dPairAddr)},
		Data:    value,
	}
	obs, origin, ok := d.DecodeLog(intoPair, dWethAddr, dPairAddr)
	require.True(t, ok)
	assert.Equal(t, KindBuy, obs.kind)
	assert.Equal(t, "9000", obs.native.String())
	assert.Equal(t, dTrader, origin)

	outOfPair := types.Log{
		Address: dWethAddr,
		Topics:  []common.Hash{chain.TransferTopic, chain.AddressTopic(dPairAddr), chain.AddressTopic(dTrader)},
		Data:    value,
	}
	obs, origin, ok = d.DecodeLog(outOfPair, dWethAddr, dPairAddr)
	require.True(t, ok)
	assert.Equal(t, KindSell, obs.kind)
	assert.Equal(t, dTrader, origin)

	unrelated := types.Log{
		Address: dWethAddr,
		Topics:  []common.Hash{chain.TransferTopic, chain.AddressTopic(dTrader), chain.AddressTopic(dTrader)},
		Data:    value,
	}
	_, _, ok = d.DecodeLog(unrelated, dWethAddr, dPairAddr)
	assert.False(t, ok)
}
