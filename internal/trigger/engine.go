package trigger

import (
	"math/big"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MingZoox/market-maker/internal/monitor"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
	"github.com/MingZoox/market-maker/internal/pkg/metrics"
)

type Action uint8

const (
	ActionNone Action = iota
	ActionSell
	ActionBuy
)

func (a Action) String() string {
	switch a {
	case ActionSell:
		return "sell"
	case ActionBuy:
		return "buy"
	default:
		return "none"
	}
}

// Decision is the engine's answer to one activity event. Amount is in token
// units; Fraction records the sampled share of the sizing base that produced
// it.
type Decision struct {
	Action   Action
	Amount   *big.Int
	Fraction float64
	Reason   string
	Price    decimal.Decimal
}

// Settings fix the engine's thresholds at construction.
type Settings struct {
	AutoSellEnabled bool
	// VolumeThreshold is rolling counterparty buy volume, token units.
	VolumeThreshold *big.Int
	SellMinPercent  float64
	SellMaxPercent  float64

	AutoBuyEnabled bool
	// FloorPrice in native per whole token; the buy trigger fires at or
	// below it.
	FloorPrice    decimal.Decimal
	BuyMinPercent float64
	BuyMaxPercent float64

	Window time.Duration
}

type windowEntry struct {
	at     time.Time
	volume *big.Int // signed: corrections may subtract
}

// Engine is the stateful trigger evaluator. It is driven by a single
// goroutine; its only inputs are activity events and the injected clock and
// randomness, so behavior is fully reproducible in tests.
type Engine struct {
	settings Settings
	rng      *rand.Rand
	now      func() time.Time

	entries []windowEntry
	total   *big.Int
}

func NewEngine(settings Settings, rng *rand.Rand) *Engine {
	return &Engine{
		settings: settings,
		rng:      rng,
		now:      time.Now,
		total:    new(big.Int),
	}
}

// BuyVolume is the current rolling buy volume, pruned to the window.
func (e *Engine) BuyVolume() *big.Int {
	e.prune(e.now())
	return new(big.Int).Set(e.total)
}

// Evaluate folds one activity into the rolling state and returns the
// resulting decision. The sell condition is checked before the buy condition,
// so a market-stabilizing sell wins whenever both could fire. After any
// non-None decision the rolling counter is reset to zero.
func (e *Engine) Evaluate(activity monitor.MarketActivity) Decision {
	now := e.now()
	e.prune(now)

	if activity.Kind == monitor.KindBuy {
		e.entries = append(e.entries, windowEntry{at: now, volume: new(big.Int).Set(activity.Volume)})
		e.total.Add(e.total, activity.Volume)
	}

	if d := e.trySell(activity); d.Action != ActionNone {
		return d
	}
	if d := e.tryBuy(activity); d.Action != ActionNone {
		return d
	}
	return Decision{Action: ActionNone}
}

func (e *Engine) trySell(activity monitor.MarketActivity) Decision {
	if !e.settings.AutoSellEnabled || e.settings.VolumeThreshold == nil {
		return Decision{Action: ActionNone}
	}
	if e.total.Cmp(e.settings.VolumeThreshold) < 0 {
		return Decision{Action: ActionNone}
	}

	base := new(big.Int).Set(e.total)
	fraction := e.sample(e.settings.SellMinPercent, e.settings.SellMaxPercent)
	d := Decision{
		Action:   ActionSell,
		Amount:   applyFraction(base, fraction),
		Fraction: fraction,
		Reason:   "buy_volume_threshold",
		Price:    activity.Price,
	}
	e.reset()
	e.record(d, base)
	return d
}

func (e *Engine) tryBuy(activity monitor.MarketActivity) Decision {
	if !e.settings.AutoBuyEnabled || activity.Kind != monitor.KindSell {
		return Decision{Action: ActionNone}
	}
	if activity.Price.IsZero() || activity.Price.GreaterThan(e.settings.FloorPrice) {
		return Decision{Action: ActionNone}
	}

	base := new(big.Int).Set(activity.Volume)
	if base.Sign() <= 0 {
		return Decision{Action: ActionNone}
	}
	fraction := e.sample(e.settings.BuyMinPercent, e.settings.BuyMaxPercent)
	d := Decision{
		Action:   ActionBuy,
		Amount:   applyFraction(base, fraction),
		Fraction: fraction,
		Reason:   "floor_price",
		Price:    activity.Price,
	}
	e.reset()
	e.record(d, base)
	return d
}

// sample draws a uniform fraction from the [min,max] percent range.
func (e *Engine) sample(minPercent, maxPercent float64) float64 {
	if maxPercent <= minPercent {
		return minPercent / 100
	}
	return (minPercent + e.rng.Float64()*(maxPercent-minPercent)) / 100
}

func applyFraction(base *big.Int, fraction float64) *big.Int {
	return decimal.NewFromBigInt(base, 0).
		Mul(decimal.NewFromFloat(fraction)).
		Truncate(0).BigInt()
}

// reset zeroes the rolling counter so the same accumulation can never fire
// twice.
func (e *Engine) reset() {
	e.entries = e.entries[:0]
	e.total.SetInt64(0)
}

func (e *Engine) record(d Decision, base *big.Int) {
	metrics.TriggerDecisions.WithLabelValues(d.Action.String(), d.Reason).Inc()
	logger.Info("trigger decision",
		"action", d.Action.String(),
		"reason", d.Reason,
		"base", base.String(),
		"fraction", d.Fraction,
		"amount", d.Amount.String())
}

func (e *Engine) prune(now time.Time) {
	if e.settings.Window <= 0 {
		return
	}
	cutoff := now.Add(-e.settings.Window)
	kept := e.entries[:0]
	for _, entry := range e.entries {
		if entry.at.Before(cutoff) {
			e.total.Sub(e.total, entry.volume)
			continue
		}
		kept = append(kept, entry)
	}
	e.entries = kept
}
