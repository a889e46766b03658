package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetType_String(t *testing.T) {
	assert.Equal(t, "PRIMITIVE", TargetPrimitive.String())
	assert.Equal(t, "SECURITY", TargetSecurity.String())
	assert.Equal(t, "POSITION", TargetPosition.String())
	assert.Equal(t, "PORTFOLIO_NODE", TargetPortfolioNode.String())
	assert.Equal(t, "UNKNOWN", TargetType(99).String())
}

func TestRequirement_Equals(t *testing.T) {
	target := NewTargetSpecification(TargetPrimitive, "USD")

	t.Run("equal without constraints", func(t *testing.T) {
		a := NewRequirement("FAIR_VALUE", target)
		b := NewRequirement("FAIR_VALUE", target)
		assert.True(t, a.Equals(b))
	})

	t.Run("different names differ", func(t *testing.T) {
		a := NewRequirement("FAIR_VALUE", target)
		b := NewRequirement("DELTA", target)
		assert.False(t, a.Equals(b))
	})

	t.Run("different targets differ", func(t *testing.T) {
		a := NewRequirement("FAIR_VALUE", target)
		b := NewRequirement("FAIR_VALUE", NewTargetSpecification(TargetPrimitive, "EUR"))
		assert.False(t, a.Equals(b))
	})

	t.Run("constraints participate in equality", func(t *testing.T) {
		a := NewRequirement("FAIR_VALUE", target).WithConstraint("curve", "discount")
		b := NewRequirement("FAIR_VALUE", target)
		assert.False(t, a.Equals(b))
		assert.True(t, a.Equals(b.WithConstraint("curve", "discount")))
	})
}

func TestRequirement_Key_Deterministic(t *testing.T) {
	target := NewTargetSpecification(TargetSecurity, "NL0010273215")
	a := NewRequirement("PRICE_SERIES", target).
		WithConstraint("window", "90").
		WithConstraint("field", "close")
	b := NewRequirement("PRICE_SERIES", target).
		WithConstraint("field", "close").
		WithConstraint("window", "90")

	// Key ordering must not depend on constraint insertion order.
	assert.Equal(t, a.Key(), b.Key())
}

func TestSatisfies(t *testing.T) {
	target := NewTargetSpecification(TargetPrimitive, "USD")

	t.Run("exact match satisfies", func(t *testing.T) {
		req := NewRequirement("OUTPUT", target)
		assert.True(t, Satisfies(req, NewRequirement("OUTPUT", target)))
	})

	t.Run("name mismatch fails", func(t *testing.T) {
		req := NewRequirement("OUTPUT", target)
		assert.False(t, Satisfies(req, NewRequirement("OTHER", target)))
	})

	t.Run("unconstrained result satisfies constrained requirement", func(t *testing.T) {
		req := NewRequirement("OUTPUT", target).WithConstraint("currency", "USD")
		assert.True(t, Satisfies(req, NewRequirement("OUTPUT", target)))
	})

	t.Run("conflicting constraint fails", func(t *testing.T) {
		req := NewRequirement("OUTPUT", target).WithConstraint("currency", "USD")
		result := NewRequirement("OUTPUT", target).WithConstraint("currency", "EUR")
		assert.False(t, Satisfies(req, result))
	})
}

func TestSpecification(t *testing.T) {
	target := NewTargetSpecification(TargetPrimitive, "USD")
	req := NewRequirement("OUTPUT", target)
	spec := NewSpecification(req, "1")

	assert.Equal(t, "OUTPUT", spec.ValueName)
	assert.Equal(t, "1", spec.FunctionID)
	assert.Equal(t, req, spec.Requirement())

	other := NewSpecification(req, "2")
	require.NotEqual(t, spec.Key(), other.Key(), "function id must distinguish cache keys")
}

func TestComputationTarget_Specification(t *testing.T) {
	ct := ComputationTarget{Type: TargetPrimitive, Identifier: "USD"}
	assert.Equal(t, NewTargetSpecification(TargetPrimitive, "USD"), ct.Specification())
	assert.Nil(t, ct.SecurityObject())
	assert.Nil(t, ct.PositionObject())
	assert.Nil(t, ct.PositionsObject())
}
