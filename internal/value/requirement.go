package value

import (
	"sort"
	"strings"
)

// Requirement identifies a value someone wants computed: a value name on a
// target, optionally narrowed by constraints. It says nothing about how the
// value is produced. Equality is structural.
type Requirement struct {
	ValueName   string              `msgpack:"name"`
	Target      TargetSpecification `msgpack:"target"`
	Constraints map[string]string   `msgpack:"constraints,omitempty"`
}

// NewRequirement creates a requirement with no constraints.
func NewRequirement(valueName string, target TargetSpecification) Requirement {
	return Requirement{ValueName: valueName, Target: target}
}

// WithConstraint returns a copy of the requirement with one constraint added.
func (r Requirement) WithConstraint(key, val string) Requirement {
	constraints := make(map[string]string, len(r.Constraints)+1)
	for k, v := range r.Constraints {
		constraints[k] = v
	}
	constraints[key] = val
	r.Constraints = constraints
	return r
}

// Equals reports structural equality, constraints included.
func (r Requirement) Equals(other Requirement) bool {
	if r.ValueName != other.ValueName || r.Target != other.Target {
		return false
	}
	if len(r.Constraints) != len(other.Constraints) {
		return false
	}
	for k, v := range r.Constraints {
		if ov, ok := other.Constraints[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Key returns a canonical string form suitable for map keys.
func (r Requirement) Key() string {
	var sb strings.Builder
	sb.WriteString(r.ValueName)
	sb.WriteByte('|')
	sb.WriteString(r.Target.Key())
	if len(r.Constraints) > 0 {
		keys := make([]string, 0, len(r.Constraints))
		for k := range r.Constraints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteByte('|')
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(r.Constraints[k])
		}
	}
	return sb.String()
}

// Satisfies reports whether a declared possible result can stand in for a
// requirement: value names and targets must match exactly, and every
// constraint the requirement states must either be absent from the result
// (the result is unconstrained on that axis) or carry the same value.
func Satisfies(requirement, possibleResult Requirement) bool {
	if requirement.ValueName != possibleResult.ValueName {
		return false
	}
	if requirement.Target != possibleResult.Target {
		return false
	}
	for k, v := range requirement.Constraints {
		if rv, ok := possibleResult.Constraints[k]; ok && rv != v {
			return false
		}
	}
	return true
}

// Specification is a Requirement bound to the identity of the function that
// produces it. It is the cache key: two specifications address the same slot
// iff value name, target and producing function all match. Constraints are
// deliberately not carried: requirements that differ only in constraints
// resolve to the same slot, so a function must not declare two possible
// results distinguished by constraints alone.
type Specification struct {
	ValueName  string              `msgpack:"name"`
	Target     TargetSpecification `msgpack:"target"`
	FunctionID string              `msgpack:"function_id"`
}

// NewSpecification binds a requirement to a producing function.
func NewSpecification(r Requirement, functionID string) Specification {
	return Specification{ValueName: r.ValueName, Target: r.Target, FunctionID: functionID}
}

// Requirement returns the unresolved form of this specification.
func (s Specification) Requirement() Requirement {
	return Requirement{ValueName: s.ValueName, Target: s.Target}
}

// Key returns a canonical string form suitable for map keys and the
// persistent cache's primary key.
func (s Specification) Key() string {
	return s.ValueName + "|" + s.Target.Key() + "|" + s.FunctionID
}

// ComputedValue pairs a specification with the value computed for it. The
// value object is opaque to the engine; only functions interpret it.
type ComputedValue struct {
	Specification Specification `msgpack:"spec"`
	Value         any           `msgpack:"value"`
}

// NewComputedValue creates a computed value.
func NewComputedValue(spec Specification, v any) ComputedValue {
	return ComputedValue{Specification: spec, Value: v}
}
