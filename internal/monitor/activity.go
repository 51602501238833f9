package monitor

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Kind uint8

const (
	KindBuy Kind = iota + 1
	KindSell
)

func (k Kind) String() string {
	switch k {
	case KindBuy:
		return "buy"
	case KindSell:
		return "sell"
	default:
		return "unknown"
	}
}

type Source uint8

const (
	SourcePending Source = iota + 1
	SourceConfirmed
)

func (s Source) String() string {
	if s == SourceConfirmed {
		return "confirmed"
	}
	return "pending"
}

// MarketActivity is one observed counterparty trade on the configured pair.
//
// Volume is the event's net contribution to any running aggregate, in token
// units. For a fresh sighting it is the full trade size; for a correction
// (the confirmed form of a transaction already counted while pending) it is
// the signed difference against the pending figure, so consumers apply every
// event exactly the same way and a pending-then-confirmed pair nets out to a
// single effect.
type MarketActivity struct {
	TxHash     common.Hash
	Kind       Kind
	Volume     *big.Int
	Source     Source
	Origin     common.Address
	Block      uint64 // zero while pending
	SeenAt     time.Time
	Price      decimal.Decimal // native per whole token at observation time
	Correction bool
}
