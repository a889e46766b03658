package remote

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/calcnode"
	"github.com/KrisLee/OG-Platform/internal/depgraph"
	"github.com/KrisLee/OG-Platform/internal/dispatch"
	"github.com/KrisLee/OG-Platform/internal/funclib"
	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/value"
	"github.com/KrisLee/OG-Platform/internal/viewcache"
	"github.com/KrisLee/OG-Platform/internal/viewproc"
)

func TestEnvelopeRoundTrips(t *testing.T) {
	spec := calcjob.NewJobSpecification("view", "default", 1000, 7)
	job := calcjob.NewJob(spec, []calcjob.JobItem{{
		FunctionID: "1",
		Target:     value.NewTargetSpecification(value.TargetPrimitive, "USD"),
	}})

	env, err := NewJobEnvelope(job)
	require.NoError(t, err)
	assert.Equal(t, MessageJob, env.Type)
	assert.Equal(t, spec.String(), env.CorrelationID)

	data, err := Encode(env)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	gotJob, err := JobPayload(decoded)
	require.NoError(t, err)
	assert.Equal(t, job.Spec, gotJob.Spec)
	require.Len(t, gotJob.Items, 1)
	assert.Equal(t, "1", gotJob.Items[0].FunctionID)
}

func TestQueryEnvelopeRoundTrip(t *testing.T) {
	jobSpec := calcjob.NewJobSpecification("view", "default", 1000, 3)
	spec := value.NewSpecification(
		value.NewRequirement("PRICE", value.NewTargetSpecification(value.TargetPrimitive, "USD")), "1")

	env, err := NewQueryEnvelope("corr-1", "node-a", jobSpec, spec)
	require.NoError(t, err)

	data, err := Encode(env)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	req, err := QueryPayload(decoded)
	require.NoError(t, err)
	assert.Equal(t, jobSpec, req.JobSpec)
	assert.Equal(t, spec, req.Spec)
}

type echoExecutor struct {
	id string
}

func (e *echoExecutor) ID() string { return e.id }

func (e *echoExecutor) ExecuteJob(_ context.Context, job calcjob.Job) calcjob.JobResult {
	items := make([]calcjob.JobResultItem, 0, len(job.Items))
	for _, item := range job.Items {
		items = append(items, calcjob.JobResultItem{Item: item, Result: calcjob.Success})
	}
	return calcjob.JobResult{
		Spec:     job.Spec,
		Duration: time.Millisecond,
		Items:    items,
		NodeID:   e.id,
	}
}

// computingExecutor fills each item's desired outputs with a fixed value,
// the way a real node would after invoking a function.
type computingExecutor struct {
	id string
}

func (e *computingExecutor) ID() string { return e.id }

func (e *computingExecutor) ExecuteJob(_ context.Context, job calcjob.Job) calcjob.JobResult {
	items := make([]calcjob.JobResultItem, 0, len(job.Items))
	for _, item := range job.Items {
		outputs := make([]value.ComputedValue, 0, len(item.Outputs))
		for _, out := range item.Outputs {
			outputs = append(outputs, value.NewComputedValue(value.NewSpecification(out, item.FunctionID), 42.0))
		}
		items = append(items, calcjob.JobResultItem{Item: item, Result: calcjob.Success, Values: outputs})
	}
	return calcjob.JobResult{
		Spec:     job.Spec,
		Duration: time.Millisecond,
		Items:    items,
		NodeID:   e.id,
	}
}

type mapAnswerer map[string]any

func (m mapAnswerer) Answer(spec value.Specification) (any, bool) {
	v, ok := m[spec.Key()]
	return v, ok
}

func startHubAndClient(t *testing.T, source viewcache.Source, answerer QueryAnswerer, executor JobExecutor) (*Hub, *NodeClient) {
	t.Helper()

	hub := NewHub(source, answerer, zerolog.Nop())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewNodeClient(wsURL, executor, zerolog.Nop())
	require.NoError(t, client.Start())
	t.Cleanup(func() { _ = client.Stop() })

	require.Eventually(t, func() bool { return hub.NodeCount() == 1 },
		2*time.Second, 10*time.Millisecond, "node never registered")

	return hub, client
}

func TestHub_DispatchJobToRemoteNode(t *testing.T) {
	hub, _ := startHubAndClient(t, nil, nil, &echoExecutor{id: "node-a"})

	spec := calcjob.NewJobSpecification("view", "default", 1000, 0)
	job := calcjob.NewJob(spec, []calcjob.JobItem{{
		FunctionID: "1",
		Target:     value.NewTargetSpecification(value.TargetPrimitive, "USD"),
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := hub.DispatchJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, spec, result.Spec)
	assert.Equal(t, "node-a", result.NodeID)
	require.Len(t, result.Items, 1)
	assert.Equal(t, calcjob.Success, result.Items[0].Result)
}

func TestHub_DispatchCycle(t *testing.T) {
	hub, _ := startHubAndClient(t, nil, nil, &echoExecutor{id: "node-a"})

	var batch []calcjob.Job
	for i := int64(0); i < 4; i++ {
		spec := calcjob.NewJobSpecification("view", "default", 1000, i)
		batch = append(batch, calcjob.NewJob(spec, []calcjob.JobItem{{
			FunctionID: "1",
			Target:     value.NewTargetSpecification(value.TargetPrimitive, "USD"),
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := hub.DispatchCycle(ctx, [][]calcjob.Job{batch})
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, result := range results {
		assert.Equal(t, int64(i), result.Spec.JobID, "ordered by job id")
	}
}

func TestHub_NoNodes(t *testing.T) {
	hub := NewHub(nil, nil, zerolog.Nop())

	_, err := hub.DispatchJob(context.Background(), calcjob.Job{})
	assert.ErrorIs(t, err, ErrNoNodes)

	_, err = hub.DispatchCycle(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestNodeClient_Query(t *testing.T) {
	spec := value.NewSpecification(
		value.NewRequirement("PRICE", value.NewTargetSpecification(value.TargetPrimitive, "USD")), "")
	answerer := mapAnswerer{spec.Key(): 1.25}

	_, client := startHubAndClient(t, nil, answerer, &echoExecutor{id: "node-a"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobSpec := calcjob.NewJobSpecification("view", "default", 1000, 0)

	v, err := client.Query(ctx, jobSpec, spec)
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)

	missing := value.NewSpecification(
		value.NewRequirement("OTHER", value.NewTargetSpecification(value.TargetPrimitive, "USD")), "")
	_, err = client.Query(ctx, jobSpec, missing)
	assert.ErrorIs(t, err, ErrValueNotFound)
}

func TestNodeClient_StopPreventsQueries(t *testing.T) {
	_, client := startHubAndClient(t, nil, nil, &echoExecutor{id: "node-a"})
	require.NoError(t, client.Stop())

	spec := value.NewSpecification(
		value.NewRequirement("PRICE", value.NewTargetSpecification(value.TargetPrimitive, "USD")), "")
	_, err := client.Query(context.Background(), calcjob.NewJobSpecification("view", "default", 1000, 0), spec)
	assert.Error(t, err)
}

func TestHub_ResultValuesReachCycleCache(t *testing.T) {
	source := viewcache.NewMapSource()
	hub, _ := startHubAndClient(t, source, nil, &computingExecutor{id: "node-a"})

	outReq := value.NewRequirement("FAIR_VALUE", value.NewTargetSpecification(value.TargetSecurity, "AAPL"))
	jobSpec := calcjob.NewJobSpecification("view", "default", 1000, 0)
	job := calcjob.NewJob(jobSpec, []calcjob.JobItem{{
		FunctionID: "1",
		Target:     outReq.Target,
		Outputs:    []value.Requirement{outReq},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := hub.DispatchJob(ctx, job)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)

	// The remote node's own cache is private; what it computed must land in
	// the coordinator's cache for the cycle.
	cache := source.GetCache("view", "default", 1000)
	v, ok := cache.GetValue(value.NewSpecification(outReq, "1"))
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
}

func TestNodeClient_QueryServedFromCycleCache(t *testing.T) {
	source := viewcache.NewMapSource()
	_, client := startHubAndClient(t, source, nil, &echoExecutor{id: "node-a"})

	spec := value.NewSpecification(
		value.NewRequirement("PV", value.NewTargetSpecification(value.TargetPosition, "pos-1")), "2")
	require.NoError(t, source.GetCache("view", "default", 1000).PutValue(value.NewComputedValue(spec, 99.5)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobSpec := calcjob.NewJobSpecification("view", "default", 1000, 0)
	v, err := client.Query(ctx, jobSpec, spec)
	require.NoError(t, err)
	assert.Equal(t, 99.5, v)

	// Another cycle's key resolves against another cache.
	otherCycle := calcjob.NewJobSpecification("view", "default", 2000, 0)
	_, err = client.Query(ctx, otherCycle, spec)
	assert.ErrorIs(t, err, ErrValueNotFound)
}

// laterQuerier lets the satellite node be built before the client that
// carries its queries, mirroring the satellite wiring in cmd/server.
type laterQuerier struct {
	client *NodeClient
}

func (q *laterQuerier) Query(ctx context.Context, jobSpec calcjob.JobSpecification, spec value.Specification) (any, error) {
	return q.client.Query(ctx, jobSpec, spec)
}

func TestRemoteCycle_ValuesReachCoordinator(t *testing.T) {
	registry := function.NewRegistry()
	require.NoError(t, funclib.RegisterStandard(registry, []string{"USD"}, nil))

	priceReq := value.NewRequirement(funclib.MarketPrice,
		value.NewTargetSpecification(value.TargetPrimitive, "USD"))
	marketData := viewproc.SnapshotProvider{priceReq.Key(): 1.0}

	coordSource := viewcache.NewMapSource()
	hub := NewHub(coordSource, nil, zerolog.Nop())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	// The satellite holds a private cache, so every input and output must
	// cross the websocket.
	querier := &laterQuerier{}
	satellite := calcnode.New(
		viewcache.NewMapSource(),
		registry,
		calcnode.NewDefaultTargetResolver(nil, nil),
		zerolog.Nop(),
		calcnode.WithNodeID("sat-1"),
		calcnode.WithQuerySender(querier),
	)
	client := NewNodeClient("ws"+strings.TrimPrefix(srv.URL, "http"), satellite, zerolog.Nop())
	querier.client = client
	require.NoError(t, client.Start())
	t.Cleanup(func() { _ = client.Stop() })
	require.Eventually(t, func() bool { return hub.NodeCount() == 1 },
		2*time.Second, 10*time.Millisecond, "satellite never registered")

	builder := depgraph.NewBuilder(registry, viewproc.Availability(marketData), zerolog.Nop())
	processor := viewproc.NewProcessor(
		builder,
		dispatch.NewPartitioner(4),
		hub,
		coordSource,
		zerolog.Nop(),
		viewproc.WithMarketData(marketData),
	)

	view := viewproc.ViewDefinition{
		Name: "remote-view",
		Configs: []viewproc.CalcConfig{{
			Name: "Default",
			Requirements: []value.Requirement{
				value.NewRequirement(funclib.MarketValue,
					value.NewTargetSpecification(value.TargetPrimitive, "USD")),
			},
		}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := processor.ExecuteCycle(ctx, view, value.PrimitiveContext(), 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Failures())

	cfg := result.Configs["Default"]
	require.NotNil(t, cfg)
	require.Len(t, cfg.Values, 1)
	assert.Equal(t, funclib.MarketValue, cfg.Values[0].Specification.ValueName)
	assert.Equal(t, 1.0, cfg.Values[0].Value)
}
