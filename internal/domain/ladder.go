package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DCAParams holds the strategy parameters of a deployment. They are loaded
// once at startup and immutable afterwards.
type DCAParams struct {
	BaseOrderSize     decimal.Decimal
	SafetyOrderSize   decimal.Decimal
	PriceDeviation    decimal.Decimal
	VolumeScale       decimal.Decimal
	StepScale         decimal.Decimal
	MaxSafetyOrders   int
	TakeProfitPercent decimal.Decimal
}

// Validate rejects configurations that would produce a broken ladder.
// Violations are fatal at startup, not at trade time.
func (p DCAParams) Validate() error {
	one := decimal.NewFromInt(1)

	if p.BaseOrderSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("base_order_size must be positive, got %s", p.BaseOrderSize)
	}
	if p.SafetyOrderSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("safety_order_size must be positive, got %s", p.SafetyOrderSize)
	}
	if p.PriceDeviation.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("price_deviation must be positive, got %s", p.PriceDeviation)
	}
	if p.VolumeScale.LessThan(one) {
		return fmt.Errorf("safety_order_volume_scale must be >= 1, got %s", p.VolumeScale)
	}
	if p.StepScale.LessThan(one) {
		return fmt.Errorf("safety_order_step_scale must be >= 1, got %s", p.StepScale)
	}
	if p.MaxSafetyOrders < 0 {
		return fmt.Errorf("max_safety_orders must be >= 0, got %d", p.MaxSafetyOrders)
	}
	if p.TakeProfitPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("take_profit_percent must be positive, got %s", p.TakeProfitPercent)
	}
	return nil
}

// LadderLevel is one precomputed safety-order level. Deviation is the
// cumulative fractional drop from the base entry price.
type LadderLevel struct {
	Index     int
	Deviation decimal.Decimal
	Price     decimal.Decimal
	Size      decimal.Decimal
}

// ComputeSafetyLadder returns the full safety-order ladder for a long DCA
// trade opened at baseEntryPrice. The ladder is computed once at trade open
// and is immutable afterwards:
//
//	deviation(i) = sum of price_deviation * step_scale^(k-1) for k in 1..i
//	price(i)     = baseEntryPrice * (1 - deviation(i))
//	size(i)      = safety_order_size * volume_scale^(i-1)
//
// MaxSafetyOrders = 0 yields an empty ladder (base-order-only strategy).
func ComputeSafetyLadder(p DCAParams, baseEntryPrice decimal.Decimal) []LadderLevel {
	one := decimal.NewFromInt(1)

	levels := make([]LadderLevel, 0, p.MaxSafetyOrders)
	step := p.PriceDeviation
	size := p.SafetyOrderSize
	deviation := decimal.Zero

	for i := 1; i <= p.MaxSafetyOrders; i++ {
		deviation = deviation.Add(step)
		levels = append(levels, LadderLevel{
			Index:     i,
			Deviation: deviation,
			Price:     baseEntryPrice.Mul(one.Sub(deviation)),
			Size:      size,
		})
		step = step.Mul(p.StepScale)
		size = size.Mul(p.VolumeScale)
	}
	return levels
}

// ComputeAverageEntryPrice returns the volume-weighted average price over all
// FILLED base and safety orders. Pure function of the filled-order set: the
// order in which fills arrived does not matter. Returns zero when nothing is
// filled.
func ComputeAverageEntryPrice(orders []Order) decimal.Decimal {
	totalSize := decimal.Zero
	weighted := decimal.Zero

	for _, o := range orders {
		if o.Status != OrderStatusFilled {
			continue
		}
		if o.Kind != OrderKindBase && o.Kind != OrderKindSafety {
			continue
		}
		totalSize = totalSize.Add(o.Size)
		weighted = weighted.Add(o.TargetPrice.Mul(o.Size))
	}

	if totalSize.IsZero() {
		return decimal.Zero
	}
	return weighted.Div(totalSize)
}

// ComputeTakeProfitPrice returns the take-profit target for the given average
// entry price.
func ComputeTakeProfitPrice(avgEntryPrice, takeProfitPercent decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return avgEntryPrice.Mul(one.Add(takeProfitPercent))
}
