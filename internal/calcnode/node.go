// Package calcnode implements the worker that executes calculation jobs:
// it resolves inputs from the shared computation cache, invokes functions,
// and records a typed per-item result. Item failures are data, never
// aborts; a job always returns one result entry per dispatched item.
package calcnode

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/value"
	"github.com/KrisLee/OG-Platform/internal/viewcache"
)

// TargetResolver materializes a computation target from its lightweight
// specification. Resolution failures classify the item as ERROR.
type TargetResolver interface {
	Resolve(spec value.TargetSpecification) (value.ComputationTarget, error)
}

// QuerySender asks the coordinator for a value the node cannot find in its
// cycle cache, such as market data or an input another node produced. The
// job specification names the cycle whose shared cache should answer.
// Optional: nodes sharing the coordinator's cache run without one.
type QuerySender interface {
	Query(ctx context.Context, jobSpec calcjob.JobSpecification, spec value.Specification) (any, error)
}

// ItemWriter receives result items as they complete, before the whole job
// finishes. Write failures are logged, never propagated: a broken sink must
// not abort job execution.
type ItemWriter interface {
	WriteItem(spec calcjob.JobSpecification, item calcjob.JobResultItem) error
}

// Node executes calculation jobs sequentially, item by item, against the
// function registry and the cycle's shared computation cache.
type Node struct {
	cacheSource viewcache.Source
	registry    *function.Registry
	resolver    TargetResolver
	query       QuerySender // may be nil
	writer      ItemWriter  // may be nil
	id          string
	log         zerolog.Logger
}

// Option configures optional node collaborators.
type Option func(*Node)

// WithQuerySender attaches a coordinator query channel.
func WithQuerySender(q QuerySender) Option {
	return func(n *Node) { n.query = q }
}

// WithItemWriter attaches a write-as-you-go result sink.
func WithItemWriter(w ItemWriter) Option {
	return func(n *Node) { n.writer = w }
}

// WithNodeID overrides the generated node identity.
func WithNodeID(id string) Option {
	return func(n *Node) { n.id = id }
}

// New creates a calculation node.
func New(cacheSource viewcache.Source, registry *function.Registry, resolver TargetResolver, log zerolog.Logger, opts ...Option) *Node {
	n := &Node{
		cacheSource: cacheSource,
		registry:    registry,
		resolver:    resolver,
		id:          defaultNodeID(),
		log:         log.With().Str("component", "calcnode").Logger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With().Str("node", n.id).Logger()
	return n
}

func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "calcnode"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

// ID returns the node's identity, carried in every job result.
func (n *Node) ID() string {
	return n.id
}

// ExecuteJob runs every item of the job in listed order and returns one
// result entry per item. The context bounds the whole job: once it expires,
// remaining items are recorded as ERROR without being executed.
func (n *Node) ExecuteJob(ctx context.Context, job calcjob.Job) calcjob.JobResult {
	start := time.Now()
	cache := n.cacheSource.GetCache(job.Spec.ViewName, job.Spec.CalcConfigName, job.Spec.ValuationTime)

	execCtx := function.ExecutionContext{
		ViewName:       job.Spec.ViewName,
		CalcConfigName: job.Spec.CalcConfigName,
		ValuationTime:  time.UnixMilli(job.Spec.ValuationTime),
	}

	items := make([]calcjob.JobResultItem, 0, len(job.Items))
	for _, item := range job.Items {
		var resultItem calcjob.JobResultItem
		if err := ctx.Err(); err != nil {
			resultItem = errorItem(item, fmt.Errorf("job deadline exceeded: %w", err))
		} else {
			resultItem = n.executeItem(ctx, job.Spec, cache, execCtx, item)
		}

		items = append(items, resultItem)
		n.writeItem(job.Spec, resultItem)
	}

	result := calcjob.JobResult{
		Spec:     job.Spec,
		Duration: time.Since(start),
		Items:    items,
		NodeID:   n.id,
	}

	n.log.Debug().
		Str("job", job.Spec.String()).
		Int("items", len(items)).
		Dur("duration", result.Duration).
		Msg("job executed")

	return result
}

// executeItem runs one invocation. Every failure mode - target resolution,
// missing invoker, invoker error or panic - classifies the item as ERROR
// with no outputs; it never escalates past this boundary.
func (n *Node) executeItem(ctx context.Context, jobSpec calcjob.JobSpecification, cache viewcache.Cache, execCtx function.ExecutionContext, item calcjob.JobItem) calcjob.JobResultItem {
	target, err := n.resolver.Resolve(item.Target)
	if err != nil {
		return errorItem(item, fmt.Errorf("failed to resolve target %s: %w", item.Target.Key(), err))
	}

	invoker := n.registry.Invoker(item.FunctionID)
	if invoker == nil {
		return errorItem(item, fmt.Errorf("no invoker registered for function %s", item.FunctionID))
	}

	inputs := n.gatherInputs(ctx, jobSpec, cache, item)

	outputs, err := n.invoke(ctx, invoker, target, inputs, execCtx)
	if err != nil {
		return errorItem(item, err)
	}

	for _, cv := range outputs {
		if err := cache.PutValue(cv); err != nil {
			// The value was computed but cannot be shared; downstream items
			// would read stale absence. Classify as ERROR.
			return errorItem(item, fmt.Errorf("failed to cache output %s: %w", cv.Specification.Key(), err))
		}
	}

	return calcjob.JobResultItem{Item: item, Result: calcjob.Success, Values: outputs}
}

// gatherInputs fetches whatever declared inputs the cache holds. A missing
// input does not short-circuit the item: the invoker sees the partial set
// and is responsible for signalling insufficient input. When a query sender
// is attached, missing inputs are first requested from the coordinator.
func (n *Node) gatherInputs(ctx context.Context, jobSpec calcjob.JobSpecification, cache viewcache.Cache, item calcjob.JobItem) []value.ComputedValue {
	inputs := make([]value.ComputedValue, 0, len(item.Inputs))
	for _, spec := range item.Inputs {
		if v, ok := cache.GetValue(spec); ok {
			inputs = append(inputs, value.NewComputedValue(spec, v))
			continue
		}

		if n.query == nil {
			continue
		}
		v, err := n.query.Query(ctx, jobSpec, spec)
		if err != nil {
			n.log.Debug().Err(err).Str("spec", spec.Key()).Msg("coordinator query failed")
			continue
		}
		cv := value.NewComputedValue(spec, v)
		inputs = append(inputs, cv)
		if err := cache.PutValue(cv); err != nil {
			n.log.Warn().Err(err).Str("spec", spec.Key()).Msg("failed to cache queried value")
		}
	}
	return inputs
}

// invoke calls the function inside the failure boundary: a panicking
// invoker surfaces as an error, not a crashed node.
func (n *Node) invoke(ctx context.Context, invoker *function.Invoker, target value.ComputationTarget, inputs []value.ComputedValue, execCtx function.ExecutionContext) (outputs []value.ComputedValue, err error) {
	defer func() {
		if p := recover(); p != nil {
			outputs = nil
			err = fmt.Errorf("function panicked: %v", p)
		}
	}()

	if invoker.Invoke == nil {
		return nil, fmt.Errorf("invoker has no implementation")
	}
	return invoker.Invoke(ctx, target, inputs, execCtx)
}

func (n *Node) writeItem(spec calcjob.JobSpecification, item calcjob.JobResultItem) {
	if n.writer == nil {
		return
	}
	if err := n.writer.WriteItem(spec, item); err != nil {
		n.log.Error().Err(err).Str("job", spec.String()).Msg("result sink write failed")
	}
}

func errorItem(item calcjob.JobItem, err error) calcjob.JobResultItem {
	return calcjob.JobResultItem{
		Item:          item,
		Result:        calcjob.Error,
		FailureReason: err.Error(),
	}
}
