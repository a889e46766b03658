package funclib

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/value"
)

// NewPortfolioStatsFunction builds an aggregate function summarizing the
// present values of the positions under one portfolio node: total, mean and
// standard deviation. The node identifier is fixed at construction because
// an aggregate context carries only the position collection.
func NewPortfolioStatsFunction(nodeIdentifier string) (*function.Definition, *function.Invoker) {
	nodeTarget := value.NewTargetSpecification(value.TargetPortfolioNode, nodeIdentifier)

	outputs := func() []value.Requirement {
		return []value.Requirement{
			value.NewRequirement(PortfolioValue, nodeTarget),
			value.NewRequirement(PortfolioMean, nodeTarget),
			value.NewRequirement(PortfolioStdDev, nodeTarget),
		}
	}

	def := &function.Definition{
		Name: "portfolio:stats:" + nodeIdentifier,
		Kind: function.KindAggregate,
		PossibleResults: func(ctx value.TargetContext) []value.Requirement {
			if ctx.Positions() == nil {
				return nil
			}
			return outputs()
		},
		Requirements: func(ctx value.TargetContext) []value.Requirement {
			positions := ctx.Positions()
			reqs := make([]value.Requirement, 0, len(positions))
			for _, p := range positions {
				target := value.NewTargetSpecification(value.TargetPosition, p.Identifier())
				reqs = append(reqs, value.NewRequirement(PresentValue, target))
			}
			return reqs
		},
	}

	inv := &function.Invoker{
		Kind: function.KindAggregate,
		Invoke: func(_ context.Context, target value.ComputationTarget, inputs []value.ComputedValue, _ function.ExecutionContext) ([]value.ComputedValue, error) {
			positions := target.PositionsObject()
			if positions == nil {
				return nil, fmt.Errorf("%w: target %s carries no positions", ErrInsufficientInput, target.Identifier)
			}

			values := make([]float64, 0, len(positions))
			for _, p := range positions {
				raw, ok := inputFor(inputs, PresentValue, p.Identifier())
				if !ok {
					return nil, fmt.Errorf("%w: no %s for position %s", ErrInsufficientInput, PresentValue, p.Identifier())
				}
				v, ok := asFloat(raw)
				if !ok {
					return nil, fmt.Errorf("%w: %s for position %s is not numeric", ErrInsufficientInput, PresentValue, p.Identifier())
				}
				values = append(values, v)
			}
			if len(values) == 0 {
				return nil, fmt.Errorf("%w: empty portfolio node %s", ErrInsufficientInput, nodeIdentifier)
			}

			total := floats.Sum(values)
			mean := stat.Mean(values, nil)
			stddev := 0.0
			if len(values) > 1 {
				stddev = stat.StdDev(values, nil)
			}

			id := def.UniqueID()
			reqs := outputs()
			return []value.ComputedValue{
				value.NewComputedValue(value.NewSpecification(reqs[0], id), total),
				value.NewComputedValue(value.NewSpecification(reqs[1], id), mean),
				value.NewComputedValue(value.NewSpecification(reqs[2], id), stddev),
			}, nil
		},
	}

	return def, inv
}

// inputFor finds an input by value name and target identifier. Aggregate
// functions read one input per position, so the name alone is ambiguous.
func inputFor(inputs []value.ComputedValue, valueName, targetIdentifier string) (any, bool) {
	for _, in := range inputs {
		if in.Specification.ValueName == valueName && in.Specification.Target.Identifier == targetIdentifier {
			return in.Value, true
		}
	}
	return nil, false
}
