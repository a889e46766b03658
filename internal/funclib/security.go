package funclib

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/value"
)

func securityTarget(ctx value.TargetContext) (value.TargetSpecification, bool) {
	s := ctx.Security()
	if s == nil {
		return value.TargetSpecification{}, false
	}
	return value.NewTargetSpecification(value.TargetSecurity, s.Identifier()), true
}

// NewMovingAverageFunction builds a security function computing the simple
// moving average of the security's price series over the given period. The
// optional securityTypes list restricts applicability; empty means any.
func NewMovingAverageFunction(period int, securityTypes ...string) (*function.Definition, *function.Invoker) {
	return newSeriesFunction("security:sma", MovingAverage, period, securityTypes, func(series []float64) (float64, error) {
		if len(series) < period {
			return 0, fmt.Errorf("%w: need %d prices, have %d", ErrInsufficientInput, period, len(series))
		}
		sma := talib.Sma(series, period)
		return sma[len(sma)-1], nil
	})
}

// NewRelativeStrengthFunction builds a security function computing the RSI
// of the security's price series over the given period.
func NewRelativeStrengthFunction(period int, securityTypes ...string) (*function.Definition, *function.Invoker) {
	return newSeriesFunction("security:rsi", RelativeStrength, period, securityTypes, func(series []float64) (float64, error) {
		if len(series) < period+1 {
			return 0, fmt.Errorf("%w: need %d prices, have %d", ErrInsufficientInput, period+1, len(series))
		}
		rsi := talib.Rsi(series, period)
		last := rsi[len(rsi)-1]
		if last != last {
			return 0, fmt.Errorf("%w: indicator undefined for series", ErrInsufficientInput)
		}
		return last, nil
	})
}

func newSeriesFunction(name, valueName string, period int, securityTypes []string, compute func([]float64) (float64, error)) (*function.Definition, *function.Invoker) {
	def := &function.Definition{
		Name: fmt.Sprintf("%s:%d", name, period),
		Kind: function.KindSecurity,
		PossibleResults: func(ctx value.TargetContext) []value.Requirement {
			target, ok := securityTarget(ctx)
			if !ok {
				return nil
			}
			return []value.Requirement{value.NewRequirement(valueName, target)}
		},
		Requirements: func(ctx value.TargetContext) []value.Requirement {
			target, ok := securityTarget(ctx)
			if !ok {
				return nil
			}
			return []value.Requirement{value.NewRequirement(PriceSeries, target)}
		},
	}
	if len(securityTypes) > 0 {
		accepted := make(map[string]bool, len(securityTypes))
		for _, st := range securityTypes {
			accepted[st] = true
		}
		def.AppliesToSecurityType = func(securityType string) bool {
			return accepted[securityType]
		}
	}

	inv := &function.Invoker{
		Kind: function.KindSecurity,
		Invoke: func(_ context.Context, target value.ComputationTarget, inputs []value.ComputedValue, _ function.ExecutionContext) ([]value.ComputedValue, error) {
			raw, ok := function.InputValue(inputs, PriceSeries)
			if !ok {
				return nil, fmt.Errorf("%w: no %s for %s", ErrInsufficientInput, PriceSeries, target.Identifier)
			}
			series, ok := asSeries(raw)
			if !ok {
				return nil, fmt.Errorf("%w: %s for %s is not a numeric series", ErrInsufficientInput, PriceSeries, target.Identifier)
			}

			result, err := compute(series)
			if err != nil {
				return nil, err
			}

			out := value.NewRequirement(valueName, value.NewTargetSpecification(value.TargetSecurity, target.Identifier))
			spec := value.NewSpecification(out, def.UniqueID())
			return []value.ComputedValue{value.NewComputedValue(spec, result)}, nil
		},
	}

	return def, inv
}
