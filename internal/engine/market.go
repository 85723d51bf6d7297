package engine

import (
	"time"

	"github.com/talgya/costco-market/internal/economy"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/observability"
)

// HoldTick returns an OnTick callback that applies one tick of idle drift to
// every floating commodity and refreshes the price gauges. metrics may be nil.
func HoldTick(r *market.Registry, rng economy.Sampler, metrics *observability.Metrics) func(uint64) {
	return func(uint64) {
		start := time.Now()
		r.HoldAll(rng)
		metrics.RecordTick(r.Len(), time.Since(start))

		if metrics == nil {
			return
		}
		r.Each(func(e *market.Entry) {
			s := e.Snapshot()
			metrics.UpdatePrice(e.ID.Key(), s.ShownPrice, s.HiddenPrice)
		})
	}
}
