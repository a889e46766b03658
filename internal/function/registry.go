package function

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/KrisLee/OG-Platform/internal/value"
)

// ErrIncompatibleInvoker is returned when an invoker's kind does not match
// the definition it is being registered against.
var ErrIncompatibleInvoker = errors.New("invoker kind does not match definition kind")

// ErrAlreadyRegistered is returned when a definition that already holds a
// unique id is registered again. Re-registering would reassign the id and
// orphan the first one.
var ErrAlreadyRegistered = errors.New("definition is already registered")

// Registry holds the universe of registered functions and answers which of
// them can produce a required value for a given target context.
//
// Registration happens at startup; execution-time access is read-only. A
// single lock guards the counter and both indexes.
type Registry struct {
	functions []*Definition
	invokers  map[string]*Invoker
	nextID    int
	mu        sync.RWMutex
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[string]*Invoker),
		nextID:   1,
	}
}

// Register validates a definition/invoker pair, assigns the definition a
// unique identifier and indexes the invoker by it. The identifier counter
// only advances on success: a rejected registration consumes no id.
func (r *Registry) Register(def *Definition, inv *Invoker) (string, error) {
	if def == nil {
		return "", errors.New("must provide a definition")
	}
	if inv == nil {
		return "", errors.New("must provide an invoker")
	}
	if def.uniqueID != "" {
		return "", fmt.Errorf("function %q: %w under id %s", def.Name, ErrAlreadyRegistered, def.uniqueID)
	}

	switch def.Kind {
	case KindPrimitive, KindSecurity, KindPosition, KindAggregate:
		if inv.Kind != def.Kind {
			return "", fmt.Errorf("function %q: %w: definition is %s, invoker is %s",
				def.Name, ErrIncompatibleInvoker, def.Kind, inv.Kind)
		}
	default:
		return "", fmt.Errorf("function %q: unexpected function kind %d", def.Name, def.Kind)
	}
	if def.PossibleResults == nil {
		return "", fmt.Errorf("function %q: definition must declare possible results", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := strconv.Itoa(r.nextID)
	r.nextID++
	def.uniqueID = id
	r.functions = append(r.functions, def)
	r.invokers[id] = inv

	return id, nil
}

// Invoker returns the invoker registered under the given unique id, or nil.
func (r *Registry) Invoker(id string) *Invoker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.invokers[id]
}

// Function returns the definition registered under the given unique id, or nil.
func (r *Registry) Function(id string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, def := range r.functions {
		if def.uniqueID == id {
			return def
		}
	}
	return nil
}

// AllFunctions returns every registered definition in registration order.
func (r *Registry) AllFunctions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, len(r.functions))
	copy(out, r.functions)
	return out
}

// Count returns the number of registered functions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.functions)
}

// FunctionsProducing returns the definitions able to produce every one of
// requiredOutputs in the given target context. Partial coverage
// disqualifies a function. Candidates come back in registration order; any
// priority ordering is layered on top by resolution rules.
//
// Applicability by kind:
//   - primitive functions are always candidates, whatever the context;
//   - security functions need the context's security type accepted by their
//     predicate (or "no security" accepted when the context carries none);
//   - position functions need a position context their predicate accepts;
//   - aggregate functions need a position-collection context their
//     predicate accepts.
func (r *Registry) FunctionsProducing(requiredOutputs []value.Requirement, ctx value.TargetContext) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Definition
	for _, def := range r.functions {
		if !r.applicable(def, ctx) {
			continue
		}
		if allOutputsSatisfied(requiredOutputs, def.PossibleResults(ctx)) {
			result = append(result, def)
		}
	}
	return result
}

func (r *Registry) applicable(def *Definition, ctx value.TargetContext) bool {
	switch def.Kind {
	case KindPrimitive:
		return true
	case KindSecurity:
		if ctx.Kind() != value.TargetSecurity && ctx.Kind() != value.TargetPosition {
			return false
		}
		if def.AppliesToSecurityType == nil {
			return true
		}
		securityType := ""
		if s := ctx.Security(); s != nil {
			securityType = s.SecurityType()
		}
		return def.AppliesToSecurityType(securityType)
	case KindPosition:
		if ctx.Kind() != value.TargetPosition || ctx.Position() == nil {
			return false
		}
		if def.AppliesToPosition == nil {
			return true
		}
		return def.AppliesToPosition(ctx.Position())
	case KindAggregate:
		if ctx.Kind() != value.TargetPortfolioNode || ctx.Positions() == nil {
			return false
		}
		if def.AppliesToAggregate == nil {
			return true
		}
		return def.AppliesToAggregate(ctx.Positions())
	default:
		return false
	}
}

// allOutputsSatisfied reports whether every required output is matched by at
// least one declared possible result.
func allOutputsSatisfied(requiredOutputs, possibleResults []value.Requirement) bool {
	for _, out := range requiredOutputs {
		found := false
		for _, possible := range possibleResults {
			if value.Satisfies(out, possible) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
