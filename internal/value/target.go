// Package value defines the identifiers the engine computes over: what is
// wanted (Requirement), what produced it (Specification), and what it was
// computed against (targets). These types are immutable value objects and
// carry no behavior beyond equality and key derivation.
package value

import "fmt"

// TargetType classifies the kind of object a computation runs against.
type TargetType int

const (
	// TargetPrimitive is a bare identifier with no resolved object (e.g. a currency).
	TargetPrimitive TargetType = iota
	// TargetSecurity is a single security.
	TargetSecurity
	// TargetPosition is a single position in a security.
	TargetPosition
	// TargetPortfolioNode is an aggregate node holding a collection of positions.
	TargetPortfolioNode
)

// String returns a human-readable name for the target type.
func (t TargetType) String() string {
	switch t {
	case TargetPrimitive:
		return "PRIMITIVE"
	case TargetSecurity:
		return "SECURITY"
	case TargetPosition:
		return "POSITION"
	case TargetPortfolioNode:
		return "PORTFOLIO_NODE"
	default:
		return "UNKNOWN"
	}
}

// TargetSpecification is the lightweight, serializable reference to a
// computation target. The full object is materialized lazily by a resolver.
type TargetSpecification struct {
	Type       TargetType `msgpack:"type"`
	Identifier string     `msgpack:"id"`
}

// NewTargetSpecification creates a target specification.
func NewTargetSpecification(t TargetType, identifier string) TargetSpecification {
	return TargetSpecification{Type: t, Identifier: identifier}
}

// Key returns a canonical string form, used in cache and graph indexes.
func (ts TargetSpecification) Key() string {
	return fmt.Sprintf("%s/%s", ts.Type, ts.Identifier)
}

// Security is the minimal view of a security the engine needs: enough to
// evaluate applicability predicates. The security master itself is external.
type Security interface {
	Identifier() string
	SecurityType() string
}

// Position is the minimal view of a position.
type Position interface {
	Identifier() string
	Quantity() float64
	Security() Security
}

// ComputationTarget is a target specification materialized by a resolver.
// Object is nil for primitive targets; otherwise it holds the Security,
// Position or []Position matching the type tag.
type ComputationTarget struct {
	Type       TargetType
	Identifier string
	Object     any
}

// Specification returns the lightweight reference for this target.
func (ct ComputationTarget) Specification() TargetSpecification {
	return TargetSpecification{Type: ct.Type, Identifier: ct.Identifier}
}

// SecurityObject returns the target object as a Security, or nil.
func (ct ComputationTarget) SecurityObject() Security {
	s, _ := ct.Object.(Security)
	return s
}

// PositionObject returns the target object as a Position, or nil.
func (ct ComputationTarget) PositionObject() Position {
	p, _ := ct.Object.(Position)
	return p
}

// PositionsObject returns the target object as a position collection, or nil.
func (ct ComputationTarget) PositionsObject() []Position {
	ps, _ := ct.Object.([]Position)
	return ps
}

// TargetContext scopes a function-resolution query. It is one of: no context
// (primitive-only), a single security, a single position, or a collection of
// positions. The zero value is the primitive-only context.
type TargetContext struct {
	kind      TargetType
	security  Security
	position  Position
	positions []Position
}

// PrimitiveContext returns the context with no target object.
func PrimitiveContext() TargetContext {
	return TargetContext{kind: TargetPrimitive}
}

// SecurityContext returns a context scoped to a single security.
// A nil security is allowed; predicates then see "no security".
func SecurityContext(s Security) TargetContext {
	return TargetContext{kind: TargetSecurity, security: s}
}

// PositionContext returns a context scoped to a single position.
func PositionContext(p Position) TargetContext {
	return TargetContext{kind: TargetPosition, position: p}
}

// AggregateContext returns a context scoped to a collection of positions.
func AggregateContext(ps []Position) TargetContext {
	return TargetContext{kind: TargetPortfolioNode, positions: ps}
}

// Kind returns the target type this context is scoped to.
func (tc TargetContext) Kind() TargetType { return tc.kind }

// Security returns the context's security. For a position context this is
// the position's security, so security-kind functions stay applicable when
// a position has been resolved.
func (tc TargetContext) Security() Security {
	if tc.kind == TargetPosition && tc.position != nil {
		return tc.position.Security()
	}
	return tc.security
}

// Position returns the context's position, or nil.
func (tc TargetContext) Position() Position { return tc.position }

// Positions returns the context's position collection, or nil.
func (tc TargetContext) Positions() []Position { return tc.positions }
