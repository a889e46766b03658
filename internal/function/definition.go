// Package function holds the registry of computational functions and the
// applicability rules that decide which function can produce a required
// value for a given target.
package function

import (
	"context"
	"time"

	"github.com/KrisLee/OG-Platform/internal/value"
)

// Kind classifies a function by the kind of target it operates on. The set
// is closed: the registry switches over it exhaustively at registration and
// at resolution time.
type Kind int

const (
	// KindPrimitive functions run without a target object and are applicable
	// in every context.
	KindPrimitive Kind = iota
	// KindSecurity functions run against a single security.
	KindSecurity
	// KindPosition functions run against a single position.
	KindPosition
	// KindAggregate functions run against a collection of positions.
	KindAggregate
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "Primitive"
	case KindSecurity:
		return "Security"
	case KindPosition:
		return "Position"
	case KindAggregate:
		return "Aggregate"
	default:
		return "Unknown"
	}
}

// Definition declares a computational function: the kind of target it
// accepts, which value specifications it could produce for a context, and
// which inputs it needs. Definitions know nothing about caching or jobs.
//
// Only the predicate matching Kind is consulted; the others may be nil.
// A nil predicate means "applicable to everything of that kind".
type Definition struct {
	// Name is a short descriptive name (e.g. "position:present_value").
	// It does not have to be unique; the registry assigns unique ids.
	Name string

	// Kind is the kind of target this function operates on.
	Kind Kind

	// AppliesToSecurityType is consulted for KindSecurity. It receives the
	// security's type, or the empty string when the context has no security.
	AppliesToSecurityType func(securityType string) bool

	// AppliesToPosition is consulted for KindPosition.
	AppliesToPosition func(p value.Position) bool

	// AppliesToAggregate is consulted for KindAggregate.
	AppliesToAggregate func(ps []value.Position) bool

	// PossibleResults returns the value requirements this function could
	// satisfy for a context. Required.
	PossibleResults func(ctx value.TargetContext) []value.Requirement

	// Requirements returns the inputs this function needs for a context.
	// Nil means the function has no inputs.
	Requirements func(ctx value.TargetContext) []value.Requirement

	uniqueID string
}

// UniqueID returns the identifier the registry assigned at registration,
// or the empty string for an unregistered definition.
func (d *Definition) UniqueID() string {
	return d.uniqueID
}

// ExecutionContext carries per-cycle information into invokers.
type ExecutionContext struct {
	ViewName       string
	CalcConfigName string
	ValuationTime  time.Time
}

// Invoker is the executable half of a function, paired 1:1 with a
// Definition at registration. Its kind must match the definition's kind;
// the registry enforces that once, up front, never at call time.
type Invoker struct {
	// Kind must equal the paired definition's Kind.
	Kind Kind

	// Invoke produces computed values from a resolved target and whatever
	// inputs were available. Invokers are responsible for detecting
	// insufficient input and returning an error.
	Invoke func(ctx context.Context, target value.ComputationTarget, inputs []value.ComputedValue, ec ExecutionContext) ([]value.ComputedValue, error)
}

// InputValue finds an input by value name, returning false when the
// dispatcher never produced it. Helper for invoker implementations.
func InputValue(inputs []value.ComputedValue, valueName string) (any, bool) {
	for _, in := range inputs {
		if in.Specification.ValueName == valueName {
			return in.Value, true
		}
	}
	return nil, false
}
