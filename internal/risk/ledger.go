package risk

import (
	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/trade-supervisor/internal/heartbeat"
)

// ledger tracks gross notional exposure per symbol. Amounts are kept as
// decimals so repeated add/remove cycles do not drift.
type ledger struct {
	bySymbol map[string]decimal.Decimal
}

func newLedger() *ledger {
	return &ledger{bySymbol: make(map[string]decimal.Decimal)}
}

func (l *ledger) get(symbol string) decimal.Decimal {
	return l.bySymbol[symbol]
}

func (l *ledger) add(symbol string, notional float64) {
	l.bySymbol[symbol] = l.get(symbol).Add(decimal.NewFromFloat(notional))
}

// reduce shrinks exposure, never below zero. Empty symbols are dropped.
func (l *ledger) reduce(symbol string, notional float64) {
	next := l.get(symbol).Sub(decimal.NewFromFloat(notional))
	if !next.IsPositive() {
		delete(l.bySymbol, symbol)
		return
	}
	l.bySymbol[symbol] = next
}

// reset replaces the ledger with reported positions (absolute notional).
// Symbols are keyed the way orders are so exposure checks find them.
func (l *ledger) reset(positions map[string]float64) {
	l.bySymbol = make(map[string]decimal.Decimal, len(positions))
	for sym, v := range positions {
		d := decimal.NewFromFloat(v).Abs()
		if !d.IsPositive() {
			continue
		}
		key := heartbeat.NormalizeSymbol(sym)
		l.bySymbol[key] = l.bySymbol[key].Add(d)
	}
}

func (l *ledger) total() decimal.Decimal {
	sum := decimal.Zero
	for _, v := range l.bySymbol {
		sum = sum.Add(v)
	}
	return sum
}

func (l *ledger) snapshot() map[string]float64 {
	out := make(map[string]float64, len(l.bySymbol))
	for sym, v := range l.bySymbol {
		out[sym] = v.InexactFloat64()
	}
	return out
}
