package monitor

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/MingZoox/market-maker/internal/chain"
)

// Function selectors of the swap entry points the monitor understands.
var (
	selV2Buy     = [4]byte{0xb6, 0xf9, 0xde, 0x95} // swapExactETHForTokensSupportingFeeOnTransferTokens
	selV2Sell    = [4]byte{0x79, 0x1a, 0xc9, 0x47} // swapExactTokensForETHSupportingFeeOnTransferTokens
	selV3Single  = [4]byte{0x04, 0xe4, 0x5a, 0xaf} // exactInputSingle
	selUniversal = [4]byte{0x35, 0x93, 0x56, 0x4c} // execute(bytes,bytes[],uint256)
)

// Universal router command bytes, masked of the allow-revert flag.
const (
	cmdV3SwapExactIn  = 0x00
	cmdV3SwapExactOut = 0x01
	cmdV2SwapExactIn  = 0x08
	cmdV2SwapExactOut = 0x09
	cmdFlagMask       = 0x3f
)

// observation is a decoded swap before price enrichment: exactly one of
// native or token is set, depending on which side of the pair the decoded
// amount is denominated in.
type observation struct {
	kind   Kind
	native *big.Int
	token  *big.Int
}

// Decoder classifies raw transactions against the configured router set and
// token pair.
type Decoder struct {
	token   common.Address
	weth    common.Address
	routers map[common.Address]bool

	executeArgs abi.Arguments
	v2SwapArgs  abi.Arguments
	v3SwapArgs  abi.Arguments
}

func NewDecoder(token, weth common.Address, routers []common.Address) *Decoder {
	set := make(map[common.Address]bool, len(routers))
	for _, r := range routers {
		if r != (common.Address{}) {
			set[r] = true
		}
	}

	bytesT := mustType("bytes")
	bytesArrT := mustType("bytes[]")
	uint256T := mustType("uint256")
	addressT := mustType("address")
	addressArrT := mustType("address[]")
	boolT := mustType("bool")

	return &Decoder{
		token:   token,
		weth:    weth,
		routers: set,
		executeArgs: abi.Arguments{
			{Name: "commands", Type: bytesT},
			{Name: "inputs", Type: bytesArrT},
			{Name: "deadline", Type: uint256T},
		},
		v2SwapArgs: abi.Arguments{
			{Name: "recipient", Type: addressT},
			{Name: "amount", Type: uint256T},
			{Name: "amountLimit", Type: uint256T},
			{Name: "path", Type: addressArrT},
			{Name: "payerIsUser", Type: boolT},
		},
		v3SwapArgs: abi.Arguments{
			{Name: "recipient", Type: addressT},
			{Name: "amount", Type: uint256T},
			{Name: "amountLimit", Type: uint256T},
			{Name: "path", Type: bytesT},
			{Name: "payerIsUser", Type: boolT},
		},
	}
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// DecodeTx returns the swap observation for a pending transaction, or
// ok=false when the transaction is not a swap on the configured pair.
// addressed reports whether the transaction targeted one of the configured
// routers at all, so callers can count decode failures without flagging
// unrelated traffic.
func (d *Decoder) DecodeTx(tx *types.Transaction) (obs observation, addressed, ok bool) {
	to := tx.To()
	if to == nil || !d.routers[*to] {
		return observation{}, false, false
	}
	data := tx.Data()
	if len(data) < 4 {
		return observation{}, true, false
	}

	var sel [4]byte
	copy(sel[:], data[:4])
	switch sel {
	case selV2Buy:
		if !d.pathMatches(data[4:], 1) {
			return observation{}, true, false
		}
		return observation{kind: KindBuy, native: new(big.Int).Set(tx.Value())}, true, true
	case selV2Sell:
		amountIn, okAmount := d.v2SellAmount(data[4:])
		if !okAmount {
			return observation{}, true, false
		}
		return observation{kind: KindSell, token: amountIn}, true, true
	case selV3Single:
		return d.decodeV3Single(data[4:])
	case selUniversal:
		return d.decodeUniversal(data[4:])
	default:
		return observation{}, true, false
	}
}

// pathMatches decodes the address[] path at the given argument index of a v2
// swap and checks it ends on the configured token.
func (d *Decoder) pathMatches(data []byte, pathArg int) bool {
	path, ok := unpackAddressPath(data, pathArg)
	if !ok || len(path) < 2 {
		return false
	}
	return path[len(path)-1] == d.token && path[0] == d.weth
}

func (d *Decoder) v2SellAmount(data []byte) (*big.Int, bool) {
	// swapExactTokensForETH...(amountIn, amountOutMin, path, to, deadline)
	if len(data) < 64 {
		return nil, false
	}
	path, ok := unpackAddressPath(data, 2)
	if !ok || len(path) < 2 || path[0] != d.token || path[len(path)-1] != d.weth {
		return nil, false
	}
	return new(big.Int).SetBytes(data[:32]), true
}

func (d *Decoder) decodeV3Single(data []byte) (observation, bool, bool) {
	// exactInputSingle((tokenIn,tokenOut,fee,recipient,amountIn,amountOutMinimum,sqrtPriceLimitX96))
	if len(data) < 7*32 {
		return observation{}, true, false
	}
	tokenIn := common.BytesToAddress(data[12:32])
	tokenOut := common.BytesToAddress(data[44:64])
	amountIn := new(big.Int).SetBytes(data[4*32 : 5*32])
	switch {
	case tokenIn == d.weth && tokenOut == d.token:
		return observation{kind: KindBuy, native: amountIn}, true, true
	case tokenIn == d.token && tokenOut == d.weth:
		return observation{kind: KindSell, token: amountIn}, true, true
	default:
		return observation{}, true, false
	}
}

func (d *Decoder) decodeUniversal(data []byte) (observation, bool, bool) {
	values, err := d.executeArgs.Unpack(data)
	if err != nil || len(values) < 2 {
		return observation{}, true, false
	}
	commands, okC := values[0].([]byte)
	inputs, okI := values[1].([][]byte)
	if !okC || !okI || len(commands) != len(inputs) {
		return observation{}, true, false
	}

	for i, cmd := range commands {
		switch cmd & cmdFlagMask {
		case cmdV2SwapExactIn, cmdV2SwapExactOut:
			if obs, ok := d.decodeUniversalV2(cmd&cmdFlagMask, inputs[i]); ok {
				return obs, true, true
			}
		case cmdV3SwapExactIn, cmdV3SwapExactOut:
			if obs, ok := d.decodeUniversalV3(cmd&cmdFlagMask, inputs[i]); ok {
				return obs, true, true
			}
		}
	}
	return observation{}, true, false
}

func (d *Decoder) decodeUniversalV2(cmd byte, input []byte) (observation, bool) {
	values, err := d.v2SwapArgs.Unpack(input)
	if err != nil || len(values) < 4 {
		return observation{}, false
	}
	amount, okAmount := values[1].(*big.Int)
	path, okPath := values[3].([]common.Address)
	if !okAmount || !okPath || len(path) < 2 {
		return observation{}, false
	}
	return d.classifyPathSwap(cmd == cmdV2SwapExactIn, path[0], path[len(path)-1], amount)
}

func (d *Decoder) decodeUniversalV3(cmd byte, input []byte) (observation, bool) {
	values, err := d.v3SwapArgs.Unpack(input)
	if err != nil || len(values) < 4 {
		return observation{}, false
	}
	amount, okAmount := values[1].(*big.Int)
	path, okPath := values[3].([]byte)
	if !okAmount || !okPath || len(path) < 43 {
		return observation{}, false
	}
	first := common.BytesToAddress(path[:20])
	last := common.BytesToAddress(path[len(path)-20:])
	if cmd == cmdV3SwapExactOut {
		// exact-out v3 paths are encoded output-first
		first, last = last, first
	}
	return d.classifyPathSwap(true, first, last, amount)
}

// classifyPathSwap maps a path's endpoints onto the configured pair. For
// exact-in swaps the amount is denominated in the input token, for exact-out
// in the output token.
func (d *Decoder) classifyPathSwap(exactIn bool, in, out common.Address, amount *big.Int) (observation, bool) {
	switch {
	case in == d.weth && out == d.token:
		if exactIn {
			return observation{kind: KindBuy, native: amount}, true
		}
		return observation{kind: KindBuy, token: amount}, true
	case in == d.token && out == d.weth:
		if exactIn {
			return observation{kind: KindSell, token: amount}, true
		}
		return observation{kind: KindSell, native: amount}, true
	default:
		return observation{}, false
	}
}

// DecodeLog classifies a WETH Transfer log against the pair address: value
// moving into the pair is the buy side funding, value leaving is sell
// proceeds.
func (d *Decoder) DecodeLog(lg types.Log, weth, pair common.Address) (observation, common.Address, bool) {
	if lg.Address != weth || len(lg.Topics) < 3 || lg.Topics[0] != chain.TransferTopic {
		return observation{}, common.Address{}, false
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	if len(lg.Data) < 32 {
		return observation{}, common.Address{}, false
	}
	value := new(big.Int).SetBytes(lg.Data[:32])

	switch {
	case to == pair:
		return observation{kind: KindBuy, native: value}, from, true
	case from == pair:
		return observation{kind: KindSell, native: value}, to, true
	default:
		return observation{}, common.Address{}, false
	}
}

// unpackAddressPath pulls the address[] argument at index argIdx out of the
// static head + dynamic tail calldata layout.
func unpackAddressPath(data []byte, argIdx int) ([]common.Address, bool) {
	headOff := argIdx * 32
	if len(data) < headOff+32 {
		return nil, false
	}
	offset := new(big.Int).SetBytes(data[headOff : headOff+32])
	if !offset.IsInt64() {
		return nil, false
	}
	tail := offset.Int64()
	if tail < 0 || int64(len(data)) < tail+32 {
		return nil, false
	}
	length := new(big.Int).SetBytes(data[tail : tail+32])
	if !length.IsInt64() {
		return nil, false
	}
	n := length.Int64()
	if n <= 0 || n > 8 || int64(len(data)) < tail+32+n*32 {
		return nil, false
	}
	path := make([]common.Address, 0, n)
	for i := int64(0); i < n; i++ {
		word := data[tail+32+i*32 : tail+32+(i+1)*32]
		path = append(path, common.BytesToAddress(word[12:]))
	}
	return path, true
}
