package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/calcnode"
	"github.com/KrisLee/OG-Platform/internal/database"
	"github.com/KrisLee/OG-Platform/internal/depgraph"
	"github.com/KrisLee/OG-Platform/internal/dispatch"
	"github.com/KrisLee/OG-Platform/internal/funclib"
	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/results"
	"github.com/KrisLee/OG-Platform/internal/value"
	"github.com/KrisLee/OG-Platform/internal/viewcache"
	"github.com/KrisLee/OG-Platform/internal/viewproc"
)

type testEnv struct {
	server *Server
	srv    *httptest.Server
	store  *results.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry := function.NewRegistry()
	require.NoError(t, funclib.RegisterStandard(registry, []string{"USD", "EUR"}, nil))

	source := viewcache.NewMapSource()
	resolver := calcnode.NewDefaultTargetResolver(nil, nil)
	node := calcnode.New(source, registry, resolver, zerolog.Nop(), calcnode.WithNodeID("n1"))

	marketData := viewproc.SnapshotProvider{
		priceKey("USD"): 1.0,
		priceKey("EUR"): 1.0825,
	}

	db, err := database.New(database.Config{
		Path:    "file::memory:?cache=shared&" + t.Name(),
		Profile: database.ProfileStandard,
		Name:    "results",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	store := results.NewStore(db, zerolog.Nop())

	builder := depgraph.NewBuilder(registry, viewproc.Availability(marketData), zerolog.Nop())
	processor := viewproc.NewProcessor(
		builder,
		dispatch.NewPartitioner(4),
		dispatch.NewLocalDispatcher([]*calcnode.Node{node}, zerolog.Nop()),
		source,
		zerolog.Nop(),
		viewproc.WithResultWriter(store),
		viewproc.WithMarketData(marketData),
	)

	server := New(Config{
		Log:         zerolog.Nop(),
		Port:        0,
		DevMode:     true,
		Registry:    registry,
		Processor:   processor,
		Results:     store,
		CacheSource: source,
		Executor:    node,
		Databases:   []*database.DB{db},
	})

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &testEnv{server: server, srv: srv, store: store}
}

func priceKey(identifier string) string {
	return value.NewRequirement(funclib.MarketPrice,
		value.NewTargetSpecification(value.TargetPrimitive, identifier)).Key()
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	var body struct {
		Status    string            `json:"status"`
		Databases map[string]string `json:"databases"`
	}
	code := getJSON(t, env.srv.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "ok", body.Databases["results"])
}

func TestSystemStatus(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]any
	code := getJSON(t, env.srv.URL+"/api/system/status", &body)

	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "cpu_percent")
	assert.Contains(t, body, "mem_percent")
	assert.EqualValues(t, 5, body["functions"])
	assert.EqualValues(t, 0, body["active_cycles"])
}

func TestListFunctions(t *testing.T) {
	env := newTestEnv(t)

	var body struct {
		Count     int `json:"count"`
		Functions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"functions"`
	}
	code := getJSON(t, env.srv.URL+"/api/functions", &body)

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 5, body.Count)

	names := make(map[string]bool)
	for _, fn := range body.Functions {
		assert.NotEmpty(t, fn.ID)
		names[fn.Name] = true
	}
	assert.True(t, names["market:value:USD"])
	assert.True(t, names["security:sma:20"])
}

func TestExecuteCycle(t *testing.T) {
	env := newTestEnv(t)

	reqBody := cycleRequest{
		View:          "http-view",
		ValuationTime: time.Now().UnixMilli(),
		Configs: []cycleConfigRequest{{
			Name: "Default",
			Requirements: []requirementRequest{
				{ValueName: funclib.MarketValue, TargetType: "PRIMITIVE", TargetID: "USD"},
				{ValueName: funclib.MarketValue, TargetType: "PRIMITIVE", TargetID: "EUR"},
			},
		}},
	}
	data, err := json.Marshal(reqBody)
	require.NoError(t, err)

	resp, err := http.Post(env.srv.URL+"/api/cycles", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body cycleResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "http-view", body.View)
	assert.Zero(t, body.Failures)
	require.Contains(t, body.Configs, "Default")
	assert.Len(t, body.Configs["Default"].Values, 2)

	// The cycle was persisted; the summary endpoint sees it.
	var summary results.CycleSummary
	url := fmt.Sprintf("%s/api/cycles/summary?view=http-view&config=Default&valuation_time=%d",
		env.srv.URL, reqBody.ValuationTime)
	code := getJSON(t, url, &summary)
	assert.Equal(t, http.StatusOK, code)
	assert.Positive(t, summary.Jobs)
	assert.Equal(t, 2, summary.Items)
	assert.Zero(t, summary.Failures)
}

func TestExecuteCycle_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.srv.URL+"/api/cycles", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	data, err := json.Marshal(cycleRequest{
		View: "v",
		Configs: []cycleConfigRequest{{
			Name:         "Default",
			Requirements: []requirementRequest{{ValueName: "X", TargetType: "GALAXY"}},
		}},
	})
	require.NoError(t, err)
	resp, err = http.Post(env.srv.URL+"/api/cycles", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteCycle_UnsatisfiableRequirement(t *testing.T) {
	env := newTestEnv(t)

	data, err := json.Marshal(cycleRequest{
		View: "v",
		Configs: []cycleConfigRequest{{
			Name: "Default",
			Requirements: []requirementRequest{
				{ValueName: "NO_SUCH_VALUE", TargetType: "PRIMITIVE", TargetID: "USD"},
			},
		}},
	})
	require.NoError(t, err)

	resp, err := http.Post(env.srv.URL+"/api/cycles", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestExecuteJob(t *testing.T) {
	env := newTestEnv(t)

	spec := calcjob.NewJobSpecification("job-view", "Default", time.Now().UnixMilli(), 1)
	job := calcjob.NewJob(spec, []calcjob.JobItem{{
		FunctionID: "missing-function",
		Target:     value.NewTargetSpecification(value.TargetPrimitive, "USD"),
	}})
	data, err := msgpack.Marshal(job)
	require.NoError(t, err)

	resp, err := http.Post(env.srv.URL+"/api/jobs", msgpackContentType, bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, msgpackContentType, resp.Header.Get("Content-Type"))

	var result calcjob.JobResult
	require.NoError(t, msgpack.NewDecoder(resp.Body).Decode(&result))

	assert.Equal(t, spec, result.Spec)
	require.Len(t, result.Items, 1)
	// An unknown function is an item failure, never a transport error.
	assert.Equal(t, calcjob.Error, result.Items[0].Result)
}

func TestExecuteJob_RejectsGarbage(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.srv.URL+"/api/jobs", msgpackContentType, bytes.NewReader([]byte("not msgpack")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCycleQueries_Validation(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, env.srv.URL+"/api/cycles/summary", nil))
	assert.Equal(t, http.StatusBadRequest,
		getJSON(t, env.srv.URL+"/api/cycles/failures?view=v&config=c&valuation_time=yesterday", nil))
}

func TestCycleValues_Empty(t *testing.T) {
	env := newTestEnv(t)

	var body struct {
		Count  int `json:"count"`
		Values []cycleValueResponse
	}
	code := getJSON(t, env.srv.URL+"/api/cycles/values?view=v&config=c&valuation_time=1", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Zero(t, body.Count)
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, env.server.Shutdown(ctx))
}
