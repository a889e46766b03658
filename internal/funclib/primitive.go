package funclib

import (
	"context"
	"fmt"

	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/value"
)

// NewMarketValueFunction builds a primitive function that republishes the
// external MarketPrice of one identifier as MarketValue. It is the bridge
// from market-data leaves into the computed-value namespace.
func NewMarketValueFunction(identifier string) (*function.Definition, *function.Invoker) {
	target := value.NewTargetSpecification(value.TargetPrimitive, identifier)

	def := &function.Definition{
		Name: "market:value:" + identifier,
		Kind: function.KindPrimitive,
		PossibleResults: func(value.TargetContext) []value.Requirement {
			return []value.Requirement{value.NewRequirement(MarketValue, target)}
		},
		Requirements: func(value.TargetContext) []value.Requirement {
			return []value.Requirement{value.NewRequirement(MarketPrice, target)}
		},
	}

	inv := &function.Invoker{
		Kind: function.KindPrimitive,
		Invoke: func(_ context.Context, _ value.ComputationTarget, inputs []value.ComputedValue, _ function.ExecutionContext) ([]value.ComputedValue, error) {
			raw, ok := function.InputValue(inputs, MarketPrice)
			if !ok {
				return nil, fmt.Errorf("%w: no %s for %s", ErrInsufficientInput, MarketPrice, identifier)
			}
			price, ok := asFloat(raw)
			if !ok {
				return nil, fmt.Errorf("%w: %s for %s is not numeric", ErrInsufficientInput, MarketPrice, identifier)
			}

			spec := value.NewSpecification(value.NewRequirement(MarketValue, target), def.UniqueID())
			return []value.ComputedValue{value.NewComputedValue(spec, price)}, nil
		},
	}

	return def, inv
}
