package gateway

import (
	"math"
	"sync/atomic"

	"github.com/manifestdev/manifest/capability"
)

// Ledger tracks cumulative AI spend in dollars, stored as an atomic
// float64 bit pattern so concurrent Gateway calls can check a shared cost
// ceiling without a mutex. cmd/manifest creates one Ledger per App,
// shared by every Intent that process drives.
type Ledger struct {
	limit float64
	spent atomic.Uint64 // bits of a float64 dollar amount
}

// NewLedger returns a Ledger that allows at most limit dollars of spend.
// A non-positive limit disables the ceiling.
func NewLedger(limit float64) *Ledger {
	return &Ledger{limit: limit}
}

// Spent returns the cumulative dollar amount recorded so far.
func (l *Ledger) Spent() float64 {
	return math.Float64frombits(l.spent.Load())
}

// Remaining returns how much budget is left, or math.MaxFloat64 if the
// ledger has no ceiling.
func (l *Ledger) Remaining() float64 {
	if l.limit <= 0 {
		return math.MaxFloat64
	}
	return l.limit - l.Spent()
}

// CheckAndReserve reports whether cost (in dollars) fits under the
// ceiling, and if so records it immediately. Callers reserve before
// issuing the request, using the endpoint's worst-case token cost, so a
// burst of concurrent calls can never overrun the ceiling even though none
// of them has finished yet.
func (l *Ledger) CheckAndReserve(cost float64) error {
	if l.limit <= 0 {
		l.add(cost)
		return nil
	}
	for {
		cur := l.spent.Load()
		curF := math.Float64frombits(cur)
		if curF+cost > l.limit {
			return &CostCeilingError{Limit: l.limit, Spent: curF}
		}
		next := math.Float64bits(curF + cost)
		if l.spent.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Refund gives back reserved cost that a failed call didn't actually
// consume (e.g. a fatal error returned before any tokens were billed).
func (l *Ledger) Refund(cost float64) {
	for {
		cur := l.spent.Load()
		curF := math.Float64frombits(cur)
		next := curF - cost
		if next < 0 {
			next = 0
		}
		if l.spent.CompareAndSwap(cur, math.Float64bits(next)) {
			return
		}
	}
}

func (l *Ledger) add(cost float64) {
	for {
		cur := l.spent.Load()
		curF := math.Float64frombits(cur)
		next := math.Float64bits(curF + cost)
		if l.spent.CompareAndSwap(cur, next) {
			return
		}
	}
}

// EstimateCost computes the worst-case dollar cost of a completion given
// an endpoint's per-token pricing and the request's declared MaxTokens,
// treating the whole prompt plus the whole response budget as billed.
func EstimateCost(ep *capability.EndpointConfig, promptChars int, maxTokens int) float64 {
	if ep == nil {
		return 0
	}
	promptTokens := promptChars / 4 // rough chars-per-token heuristic
	return float64(promptTokens)*ep.CostPerInputToken + float64(maxTokens)*ep.CostPerOutputToken
}
