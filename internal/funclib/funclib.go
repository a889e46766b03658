// Package funclib provides the standard library of computational functions:
// market-data pass-through, security-level indicators, position valuation
// and portfolio-level aggregation. Each constructor returns a paired
// definition and invoker ready for registration.
package funclib

import "errors"

// Value names produced and consumed by the standard functions.
const (
	// MarketPrice is the externally supplied spot price of one security or
	// primitive identifier. Always a market-data leaf.
	MarketPrice = "MARKET_PRICE"
	// PriceSeries is the externally supplied close-price history, oldest
	// first. Always a market-data leaf.
	PriceSeries = "PRICE_SERIES"
	// MarketValue is the engine-side echo of MarketPrice.
	MarketValue = "MARKET_VALUE"
	// MovingAverage is the simple moving average of PriceSeries.
	MovingAverage = "MOVING_AVERAGE"
	// RelativeStrength is the RSI of PriceSeries.
	RelativeStrength = "RSI"
	// PresentValue is quantity times spot for one position.
	PresentValue = "PRESENT_VALUE"
	// PortfolioValue is the sum of position present values under a node.
	PortfolioValue = "PORTFOLIO_VALUE"
	// PortfolioMean is the mean position present value under a node.
	PortfolioMean = "PORTFOLIO_MEAN"
	// PortfolioStdDev is the standard deviation of position present values.
	PortfolioStdDev = "PORTFOLIO_STDDEV"
)

// ErrInsufficientInput is returned by invokers whose declared inputs were
// not all available or not of the expected shape.
var ErrInsufficientInput = errors.New("insufficient input")

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func asSeries(v any) ([]float64, bool) {
	switch x := v.(type) {
	case []float64:
		return x, true
	case []any:
		out := make([]float64, 0, len(x))
		for _, e := range x {
			f, ok := asFloat(e)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	default:
		return nil, false
	}
}
