package depgraph

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/value"
)

// ErrUnsatisfiableRequirement wraps a top-level requirement no registered
// function can produce. It fails the whole configuration's compilation.
type ErrUnsatisfiableRequirement struct {
	Requirement value.Requirement
}

func (e *ErrUnsatisfiableRequirement) Error() string {
	return fmt.Sprintf("no function satisfies requirement %s", e.Requirement.Key())
}

// ResolutionRule wraps a registered function with a priority. Rules decide
// the order candidates are tried in, independent of registry insertion
// order. Higher priority is tried first.
type ResolutionRule struct {
	Function *function.Definition
	Priority int
}

// RuleTransform filters or reprioritizes the base rule set for one
// calculation configuration before its graph is built.
type RuleTransform func([]ResolutionRule) []ResolutionRule

// MarketDataAvailability reports whether a requirement can be satisfied by
// externally-supplied data, making it a leaf of the graph. Nil means no
// market data is available.
type MarketDataAvailability func(req value.Requirement) bool

// Builder compiles value requirements into dependency graphs.
type Builder struct {
	registry     *function.Registry
	rules        []ResolutionRule
	availability MarketDataAvailability
	log          zerolog.Logger
}

// NewBuilder creates a builder with the default rule set: every registered
// function at priority zero, registration order preserved.
func NewBuilder(registry *function.Registry, availability MarketDataAvailability, log zerolog.Logger) *Builder {
	functions := registry.AllFunctions()
	rules := make([]ResolutionRule, 0, len(functions))
	for _, def := range functions {
		rules = append(rules, ResolutionRule{Function: def})
	}
	return &Builder{
		registry:     registry,
		rules:        rules,
		availability: availability,
		log:          log.With().Str("component", "depgraph").Logger(),
	}
}

// WithTransform returns a builder whose rule set has been filtered or
// reprioritized for one configuration. The receiver is unchanged, so all
// configurations of a view can share one base builder.
func (b *Builder) WithTransform(transform RuleTransform) *Builder {
	if transform == nil {
		return b
	}
	rules := make([]ResolutionRule, len(b.rules))
	copy(rules, b.rules)
	return &Builder{
		registry:     b.registry,
		rules:        transform(rules),
		availability: b.availability,
		log:          b.log,
	}
}

// Build compiles the given top-level requirements into a dependency graph.
// If any requirement cannot be fully resolved the whole compilation fails
// and no partial graph is returned.
func (b *Builder) Build(requirements []value.Requirement, ctx value.TargetContext) (*Graph, error) {
	graph := newGraph()
	marketData := make(map[string]value.Specification)

	for _, req := range requirements {
		path := make(map[string]bool)
		if _, _, err := b.resolve(graph, marketData, req, ctx, path, true); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(marketData))
	for k := range marketData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		graph.MarketData = append(graph.MarketData, marketData[k])
	}

	return graph, nil
}

// resolve satisfies one requirement depth-first. Candidates are tried in
// priority order; a candidate is accepted only if all of its own inputs
// resolve without revisiting a function/target pair already on the current
// resolution path (that would be a cycle). topLevel requirements must be
// produced by a function; nested requirements may fall back to market data.
func (b *Builder) resolve(graph *Graph, marketData map[string]value.Specification, req value.Requirement, ctx value.TargetContext, path map[string]bool, topLevel bool) (*Node, value.Specification, error) {
	if node, spec, ok := graph.producerOf(req); ok {
		return node, spec, nil
	}

	for _, rule := range b.candidates(req, ctx) {
		def := rule.Function
		pathKey := def.UniqueID() + "@" + req.Target.Key()
		if path[pathKey] {
			// Already resolving through this function for this target on
			// the current branch; accepting it would close a cycle.
			continue
		}

		mark := graph.mark()
		mdMark := snapshotKeys(marketData)
		node, err := b.tryCandidate(graph, marketData, def, req, ctx, path, pathKey)
		if err != nil {
			graph.rollback(mark)
			restoreKeys(marketData, mdMark)
			b.log.Debug().
				Str("function", def.Name).
				Str("requirement", req.Key()).
				Err(err).
				Msg("candidate rejected")
			continue
		}

		for _, out := range node.Outputs {
			if value.Satisfies(req, out.Requirement()) {
				return node, out, nil
			}
		}
		// PossibleResults answered differently here than when the candidate
		// set was computed. Discard the committed node and its input subtree.
		graph.rollback(mark)
		restoreKeys(marketData, mdMark)
		b.log.Debug().
			Str("function", def.Name).
			Str("requirement", req.Key()).
			Msg("candidate produced no satisfying output")
	}

	if !topLevel && b.availability != nil && b.availability(req) {
		spec := value.NewSpecification(req, "")
		marketData[req.Key()] = spec
		return nil, spec, nil
	}

	return nil, value.Specification{}, &ErrUnsatisfiableRequirement{Requirement: req}
}

// tryCandidate recursively resolves a candidate function's own inputs and,
// on success, commits a node for it to the graph.
func (b *Builder) tryCandidate(graph *Graph, marketData map[string]value.Specification, def *function.Definition, req value.Requirement, ctx value.TargetContext, path map[string]bool, pathKey string) (*Node, error) {
	path[pathKey] = true
	defer delete(path, pathKey)

	var inputs []value.Specification
	var inputNodes []*Node
	if def.Requirements != nil {
		for _, inputReq := range def.Requirements(ctx) {
			node, spec, err := b.resolve(graph, marketData, inputReq, ctx, path, false)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, spec)
			if node != nil {
				inputNodes = append(inputNodes, node)
			}
		}
	}

	var outputs []value.Specification
	for _, out := range def.PossibleResults(ctx) {
		outputs = append(outputs, value.NewSpecification(out, def.UniqueID()))
	}

	node := &Node{
		Function:   def,
		Target:     req.Target,
		Inputs:     inputs,
		Outputs:    outputs,
		InputNodes: inputNodes,
	}
	graph.add(node)
	return node, nil
}

// snapshotKeys records which market-data keys exist before a speculative
// branch, so a rejected branch leaves no trace.
func snapshotKeys(m map[string]value.Specification) map[string]bool {
	keys := make(map[string]bool, len(m))
	for k := range m {
		keys[k] = true
	}
	return keys
}

func restoreKeys(m map[string]value.Specification, snapshot map[string]bool) {
	for k := range m {
		if !snapshot[k] {
			delete(m, k)
		}
	}
}

// candidates returns the rules able to produce the requirement, highest
// priority first; equal priorities keep base rule order.
func (b *Builder) candidates(req value.Requirement, ctx value.TargetContext) []ResolutionRule {
	producing := b.registry.FunctionsProducing([]value.Requirement{req}, ctx)
	producingSet := make(map[*function.Definition]bool, len(producing))
	for _, def := range producing {
		producingSet[def] = true
	}

	var out []ResolutionRule
	for _, rule := range b.rules {
		if producingSet[rule.Function] {
			out = append(out, rule)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}
