package funclib

import (
	"context"
	"fmt"

	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/value"
)

// NewPresentValueFunction builds a position function valuing a position as
// quantity times the spot price of its security.
func NewPresentValueFunction() (*function.Definition, *function.Invoker) {
	def := &function.Definition{
		Name: "position:present_value",
		Kind: function.KindPosition,
		PossibleResults: func(ctx value.TargetContext) []value.Requirement {
			p := ctx.Position()
			if p == nil {
				return nil
			}
			target := value.NewTargetSpecification(value.TargetPosition, p.Identifier())
			return []value.Requirement{value.NewRequirement(PresentValue, target)}
		},
		Requirements: func(ctx value.TargetContext) []value.Requirement {
			p := ctx.Position()
			if p == nil || p.Security() == nil {
				return nil
			}
			target := value.NewTargetSpecification(value.TargetSecurity, p.Security().Identifier())
			return []value.Requirement{value.NewRequirement(MarketPrice, target)}
		},
	}

	inv := &function.Invoker{
		Kind: function.KindPosition,
		Invoke: func(_ context.Context, target value.ComputationTarget, inputs []value.ComputedValue, _ function.ExecutionContext) ([]value.ComputedValue, error) {
			position := target.PositionObject()
			if position == nil {
				return nil, fmt.Errorf("%w: target %s carries no position", ErrInsufficientInput, target.Identifier)
			}

			raw, ok := function.InputValue(inputs, MarketPrice)
			if !ok {
				return nil, fmt.Errorf("%w: no %s for position %s", ErrInsufficientInput, MarketPrice, position.Identifier())
			}
			price, ok := asFloat(raw)
			if !ok {
				return nil, fmt.Errorf("%w: %s for position %s is not numeric", ErrInsufficientInput, MarketPrice, position.Identifier())
			}

			out := value.NewRequirement(PresentValue, value.NewTargetSpecification(value.TargetPosition, position.Identifier()))
			spec := value.NewSpecification(out, def.UniqueID())
			return []value.ComputedValue{value.NewComputedValue(spec, position.Quantity() * price)}, nil
		},
	}

	return def, inv
}
