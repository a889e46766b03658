package calcnode

import (
	"fmt"

	"github.com/KrisLee/OG-Platform/internal/value"
)

// SecuritySource looks up securities by identifier. The security master
// behind it is external.
type SecuritySource interface {
	GetSecurity(identifier string) (value.Security, error)
}

// PositionSource looks up positions and portfolio nodes by identifier.
type PositionSource interface {
	GetPosition(identifier string) (value.Position, error)
	GetPortfolioNode(identifier string) ([]value.Position, error)
}

// DefaultTargetResolver materializes targets from a security source and a
// position source. Primitive targets resolve to themselves without lookup.
type DefaultTargetResolver struct {
	securities SecuritySource
	positions  PositionSource
}

// NewDefaultTargetResolver creates a resolver over the given sources.
func NewDefaultTargetResolver(securities SecuritySource, positions PositionSource) *DefaultTargetResolver {
	return &DefaultTargetResolver{securities: securities, positions: positions}
}

// Resolve materializes the target behind a specification.
func (r *DefaultTargetResolver) Resolve(spec value.TargetSpecification) (value.ComputationTarget, error) {
	switch spec.Type {
	case value.TargetPrimitive:
		return value.ComputationTarget{Type: spec.Type, Identifier: spec.Identifier}, nil

	case value.TargetSecurity:
		if r.securities == nil {
			return value.ComputationTarget{}, fmt.Errorf("no security source configured")
		}
		sec, err := r.securities.GetSecurity(spec.Identifier)
		if err != nil {
			return value.ComputationTarget{}, fmt.Errorf("unknown security %s: %w", spec.Identifier, err)
		}
		return value.ComputationTarget{Type: spec.Type, Identifier: spec.Identifier, Object: sec}, nil

	case value.TargetPosition:
		if r.positions == nil {
			return value.ComputationTarget{}, fmt.Errorf("no position source configured")
		}
		pos, err := r.positions.GetPosition(spec.Identifier)
		if err != nil {
			return value.ComputationTarget{}, fmt.Errorf("unknown position %s: %w", spec.Identifier, err)
		}
		return value.ComputationTarget{Type: spec.Type, Identifier: spec.Identifier, Object: pos}, nil

	case value.TargetPortfolioNode:
		if r.positions == nil {
			return value.ComputationTarget{}, fmt.Errorf("no position source configured")
		}
		ps, err := r.positions.GetPortfolioNode(spec.Identifier)
		if err != nil {
			return value.ComputationTarget{}, fmt.Errorf("unknown portfolio node %s: %w", spec.Identifier, err)
		}
		return value.ComputationTarget{Type: spec.Type, Identifier: spec.Identifier, Object: ps}, nil

	default:
		return value.ComputationTarget{}, fmt.Errorf("unexpected target type %d", spec.Type)
	}
}
