package calcnode

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/value"
	"github.com/KrisLee/OG-Platform/internal/viewcache"
)

// mockFunction mirrors the shape of a real analytic function: it requires
// one input and produces one fixed output.
func mockFunction(t *testing.T, registry *function.Registry, inputReq, outputReq value.Requirement, outputValue any) string {
	t.Helper()

	def := &function.Definition{
		Name: "mock",
		Kind: function.KindPrimitive,
		PossibleResults: func(value.TargetContext) []value.Requirement {
			return []value.Requirement{outputReq}
		},
		Requirements: func(value.TargetContext) []value.Requirement {
			return []value.Requirement{inputReq}
		},
	}
	inv := &function.Invoker{
		Kind: function.KindPrimitive,
		Invoke: func(_ context.Context, _ value.ComputationTarget, inputs []value.ComputedValue, _ function.ExecutionContext) ([]value.ComputedValue, error) {
			if _, ok := function.InputValue(inputs, inputReq.ValueName); !ok {
				return nil, fmt.Errorf("missing required input %s", inputReq.ValueName)
			}
			spec := value.NewSpecification(outputReq, def.UniqueID())
			return []value.ComputedValue{value.NewComputedValue(spec, outputValue)}, nil
		},
	}

	id, err := registry.Register(def, inv)
	require.NoError(t, err)
	return id
}

type stubResolver struct {
	err error
}

func (r stubResolver) Resolve(spec value.TargetSpecification) (value.ComputationTarget, error) {
	if r.err != nil {
		return value.ComputationTarget{}, r.err
	}
	return value.ComputationTarget{Type: spec.Type, Identifier: spec.Identifier}, nil
}

type recordingWriter struct {
	items []calcjob.JobResultItem
	err   error
}

func (w *recordingWriter) WriteItem(_ calcjob.JobSpecification, item calcjob.JobResultItem) error {
	w.items = append(w.items, item)
	return w.err
}

func testFixture(t *testing.T) (*function.Registry, *viewcache.MapSource, value.TargetSpecification, value.Requirement, value.Requirement) {
	t.Helper()

	registry := function.NewRegistry()
	source := viewcache.NewMapSource()
	target := value.NewTargetSpecification(value.TargetPrimitive, "USD")
	inputReq := value.NewRequirement("INPUT", target)
	outputReq := value.NewRequirement("OUTPUT", target)
	return registry, source, target, inputReq, outputReq
}

func TestExecuteJob_MissingInputIsError(t *testing.T) {
	registry, source, target, inputReq, outputReq := testFixture(t)
	funcID := mockFunction(t, registry, inputReq, outputReq, "Nothing we care about")

	node := New(source, registry, stubResolver{}, zerolog.Nop())

	jobSpec := calcjob.NewJobSpecification("view", "config", time.Now().UnixMilli(), 1)
	item := calcjob.JobItem{
		FunctionID: funcID,
		Target:     target,
		Inputs:     []value.Specification{value.NewSpecification(inputReq, "0")},
		Outputs:    []value.Requirement{outputReq},
	}
	job := calcjob.NewJob(jobSpec, []calcjob.JobItem{item})

	wallStart := time.Now()
	result := node.ExecuteJob(context.Background(), job)
	wallElapsed := time.Since(wallStart)

	assert.GreaterOrEqual(t, result.Duration, time.Duration(0))
	assert.GreaterOrEqual(t, wallElapsed, result.Duration)
	require.Len(t, result.Items, 1)
	assert.Equal(t, item, result.Items[0].Item)
	assert.Equal(t, calcjob.Error, result.Items[0].Result)
	assert.Empty(t, result.Items[0].Values)

	// No outputs for the failed item may appear in the cache.
	cache := source.GetCache("view", "config", jobSpec.ValuationTime)
	assert.Equal(t, 0, cache.Size())
}

func TestExecuteJob_OneInputOneOutput(t *testing.T) {
	registry, source, target, inputReq, outputReq := testFixture(t)
	funcID := mockFunction(t, registry, inputReq, outputReq, "Nothing we care about")

	jobSpec := calcjob.NewJobSpecification("view", "config", time.Now().UnixMilli(), 1)
	inputSpec := value.NewSpecification(inputReq, "0")
	outputSpec := value.NewSpecification(outputReq, funcID)

	cache := source.GetCache(jobSpec.ViewName, jobSpec.CalcConfigName, jobSpec.ValuationTime)
	require.NoError(t, cache.PutValue(value.NewComputedValue(inputSpec, "Just an input object")))

	node := New(source, registry, stubResolver{}, zerolog.Nop())

	item := calcjob.JobItem{
		FunctionID: funcID,
		Target:     target,
		Inputs:     []value.Specification{inputSpec},
		Outputs:    []value.Requirement{outputReq},
	}
	result := node.ExecuteJob(context.Background(), calcjob.NewJob(jobSpec, []calcjob.JobItem{item}))

	require.Len(t, result.Items, 1)
	assert.Equal(t, item, result.Items[0].Item)
	assert.Equal(t, calcjob.Success, result.Items[0].Result)

	assert.Equal(t, 2, cache.Size())
	v, ok := cache.GetValue(outputSpec)
	require.True(t, ok)
	assert.Equal(t, "Nothing we care about", v)
}

func TestExecuteJob_OrderPreservedAndFailureIsolated(t *testing.T) {
	registry, source, target, inputReq, outputReq := testFixture(t)
	funcID := mockFunction(t, registry, inputReq, outputReq, 1.0)

	jobSpec := calcjob.NewJobSpecification("view", "config", time.Now().UnixMilli(), 1)
	inputSpec := value.NewSpecification(inputReq, "0")
	cache := source.GetCache(jobSpec.ViewName, jobSpec.CalcConfigName, jobSpec.ValuationTime)
	require.NoError(t, cache.PutValue(value.NewComputedValue(inputSpec, 10.0)))

	node := New(source, registry, stubResolver{}, zerolog.Nop())

	good := calcjob.JobItem{FunctionID: funcID, Target: target, Inputs: []value.Specification{inputSpec}}
	missingInvoker := calcjob.JobItem{FunctionID: "999", Target: target}

	job := calcjob.NewJob(jobSpec, []calcjob.JobItem{missingInvoker, good, missingInvoker})
	result := node.ExecuteJob(context.Background(), job)

	require.Len(t, result.Items, len(job.Items))
	for i := range job.Items {
		assert.Equal(t, job.Items[i], result.Items[i].Item, "result %d must match item %d", i, i)
	}
	assert.Equal(t, calcjob.Error, result.Items[0].Result)
	assert.Equal(t, calcjob.Success, result.Items[1].Result, "failure of one item must not prevent later items")
	assert.Equal(t, calcjob.Error, result.Items[2].Result)
	assert.Contains(t, result.Items[0].FailureReason, "no invoker")
}

func TestExecuteJob_TargetResolutionFailureIsError(t *testing.T) {
	registry, source, target, inputReq, outputReq := testFixture(t)
	funcID := mockFunction(t, registry, inputReq, outputReq, 1.0)

	node := New(source, registry, stubResolver{err: errors.New("unknown security")}, zerolog.Nop())

	jobSpec := calcjob.NewJobSpecification("view", "config", 1000, 1)
	result := node.ExecuteJob(context.Background(), calcjob.NewJob(jobSpec, []calcjob.JobItem{
		{FunctionID: funcID, Target: target},
	}))

	require.Len(t, result.Items, 1)
	assert.Equal(t, calcjob.Error, result.Items[0].Result)
	assert.Contains(t, result.Items[0].FailureReason, "failed to resolve target")
}

func TestExecuteJob_PanickingInvokerIsError(t *testing.T) {
	registry, source, target, _, outputReq := testFixture(t)

	def := &function.Definition{
		Name: "panics",
		Kind: function.KindPrimitive,
		PossibleResults: func(value.TargetContext) []value.Requirement {
			return []value.Requirement{outputReq}
		},
	}
	inv := &function.Invoker{
		Kind: function.KindPrimitive,
		Invoke: func(context.Context, value.ComputationTarget, []value.ComputedValue, function.ExecutionContext) ([]value.ComputedValue, error) {
			panic("deliberate failure")
		},
	}
	funcID, err := registry.Register(def, inv)
	require.NoError(t, err)

	node := New(source, registry, stubResolver{}, zerolog.Nop())

	jobSpec := calcjob.NewJobSpecification("view", "config", 1000, 1)
	result := node.ExecuteJob(context.Background(), calcjob.NewJob(jobSpec, []calcjob.JobItem{
		{FunctionID: funcID, Target: target},
	}))

	require.Len(t, result.Items, 1)
	assert.Equal(t, calcjob.Error, result.Items[0].Result)
	assert.Contains(t, result.Items[0].FailureReason, "panicked")
}

func TestExecuteJob_ExpiredDeadlineMarksRemainingItems(t *testing.T) {
	registry, source, target, inputReq, outputReq := testFixture(t)
	funcID := mockFunction(t, registry, inputReq, outputReq, 1.0)

	node := New(source, registry, stubResolver{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobSpec := calcjob.NewJobSpecification("view", "config", 1000, 1)
	result := node.ExecuteJob(ctx, calcjob.NewJob(jobSpec, []calcjob.JobItem{
		{FunctionID: funcID, Target: target},
		{FunctionID: funcID, Target: target},
	}))

	require.Len(t, result.Items, 2)
	for _, item := range result.Items {
		assert.Equal(t, calcjob.Error, item.Result)
		assert.Contains(t, item.FailureReason, "deadline")
	}
}

func TestExecuteJob_StreamsItemsToWriter(t *testing.T) {
	registry, source, target, inputReq, outputReq := testFixture(t)
	funcID := mockFunction(t, registry, inputReq, outputReq, 1.0)

	writer := &recordingWriter{}
	node := New(source, registry, stubResolver{}, zerolog.Nop(), WithItemWriter(writer))

	jobSpec := calcjob.NewJobSpecification("view", "config", 1000, 1)
	result := node.ExecuteJob(context.Background(), calcjob.NewJob(jobSpec, []calcjob.JobItem{
		{FunctionID: funcID, Target: target},
		{FunctionID: "999", Target: target},
	}))

	require.Len(t, writer.items, 2)
	assert.Equal(t, result.Items, writer.items)
}

func TestExecuteJob_WriterFailureDoesNotAbort(t *testing.T) {
	registry, source, target, inputReq, outputReq := testFixture(t)
	funcID := mockFunction(t, registry, inputReq, outputReq, 1.0)

	writer := &recordingWriter{err: errors.New("sink down")}
	node := New(source, registry, stubResolver{}, zerolog.Nop(), WithItemWriter(writer))

	jobSpec := calcjob.NewJobSpecification("view", "config", 1000, 1)
	result := node.ExecuteJob(context.Background(), calcjob.NewJob(jobSpec, []calcjob.JobItem{
		{FunctionID: funcID, Target: target},
	}))

	require.Len(t, result.Items, 1)
}

type stubQuerySender struct {
	values map[string]any
	seen   []calcjob.JobSpecification
}

func (q *stubQuerySender) Query(_ context.Context, jobSpec calcjob.JobSpecification, spec value.Specification) (any, error) {
	q.seen = append(q.seen, jobSpec)
	if v, ok := q.values[spec.Key()]; ok {
		return v, nil
	}
	return nil, errors.New("no such value")
}

func TestExecuteJob_QuerySenderFillsMissingInput(t *testing.T) {
	registry, source, target, inputReq, outputReq := testFixture(t)
	funcID := mockFunction(t, registry, inputReq, outputReq, "computed")

	inputSpec := value.NewSpecification(inputReq, "0")
	sender := &stubQuerySender{values: map[string]any{inputSpec.Key(): "from coordinator"}}

	node := New(source, registry, stubResolver{}, zerolog.Nop(), WithQuerySender(sender))

	jobSpec := calcjob.NewJobSpecification("view", "config", 1000, 1)
	result := node.ExecuteJob(context.Background(), calcjob.NewJob(jobSpec, []calcjob.JobItem{
		{FunctionID: funcID, Target: target, Inputs: []value.Specification{inputSpec}},
	}))

	require.Len(t, result.Items, 1)
	assert.Equal(t, calcjob.Success, result.Items[0].Result)

	// Queries carry the job's own cycle key, so the coordinator consults the
	// right cache.
	require.Len(t, sender.seen, 1)
	assert.Equal(t, jobSpec, sender.seen[0])

	// The queried value is cached for later items.
	cache := source.GetCache("view", "config", 1000)
	v, ok := cache.GetValue(inputSpec)
	require.True(t, ok)
	assert.Equal(t, "from coordinator", v)
}

func TestNode_Identity(t *testing.T) {
	registry, source, _, _, _ := testFixture(t)

	a := New(source, registry, stubResolver{}, zerolog.Nop())
	b := New(source, registry, stubResolver{}, zerolog.Nop())
	assert.NotEqual(t, a.ID(), b.ID())

	named := New(source, registry, stubResolver{}, zerolog.Nop(), WithNodeID("node-7"))
	assert.Equal(t, "node-7", named.ID())
}
