package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/value"
	"github.com/KrisLee/OG-Platform/internal/viewproc"
)

const msgpackContentType = "application/msgpack"

// handleHealth reports liveness and the health of every attached database.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	databases := make(map[string]string, len(s.databases))

	for _, db := range s.databases {
		if err := db.HealthCheck(r.Context()); err != nil {
			s.log.Warn().Err(err).Str("database", db.Name()).Msg("Database health check failed")
			databases[db.Name()] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			databases[db.Name()] = "ok"
		}
	}

	s.writeJSON(w, code, map[string]any{
		"status":    status,
		"service":   "og-platform",
		"databases": databases,
	})
}

// handleSystemStatus returns process and engine statistics.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memPercent := 0.0
	if memStat, err := mem.VirtualMemory(); err == nil {
		memPercent = memStat.UsedPercent
	} else {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
	}

	response := map[string]any{
		"cpu_percent": cpuAvg,
		"mem_percent": memPercent,
		"goroutines":  runtime.NumGoroutine(),
	}
	if s.registry != nil {
		response["functions"] = s.registry.Count()
	}
	if s.hub != nil {
		response["remote_nodes"] = s.hub.NodeCount()
	}
	if counter, ok := s.cacheSource.(interface{ ActiveCycles() int }); ok {
		response["active_cycles"] = counter.ActiveCycles()
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleListFunctions returns the registered function definitions.
func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, "no function registry", http.StatusServiceUnavailable)
		return
	}

	type functionInfo struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Kind string `json:"kind"`
	}

	defs := s.registry.AllFunctions()
	infos := make([]functionInfo, 0, len(defs))
	for _, def := range defs {
		infos = append(infos, functionInfo{
			ID:   def.UniqueID(),
			Name: def.Name,
			Kind: def.Kind.String(),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(infos),
		"functions": infos,
	})
}

// handleExecuteJob runs one msgpack-encoded calculation job on the local
// executor and returns the msgpack-encoded result. This is the endpoint
// coordinators use for plain HTTP dispatch; persistent nodes use the
// websocket instead.
func (s *Server) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		http.Error(w, "no local executor", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var job calcjob.Job
	if err := msgpack.Unmarshal(body, &job); err != nil {
		http.Error(w, "failed to decode job", http.StatusBadRequest)
		return
	}

	result := s.executor.ExecuteJob(r.Context(), job)

	data, err := msgpack.Marshal(result)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode job result")
		http.Error(w, "failed to encode result", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", msgpackContentType)
	if _, err := w.Write(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to write job result")
	}
}

type requirementRequest struct {
	ValueName  string `json:"value_name"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
}

type cycleConfigRequest struct {
	Name         string               `json:"name"`
	Requirements []requirementRequest `json:"requirements"`
}

type cycleRequest struct {
	View          string               `json:"view"`
	ValuationTime int64                `json:"valuation_time"`
	Configs       []cycleConfigRequest `json:"configs"`
}

type cycleValueResponse struct {
	ValueName string `json:"value_name"`
	Target    string `json:"target"`
	Value     any    `json:"value"`
}

type cycleConfigResponse struct {
	GraphSize int                  `json:"graph_size"`
	Failures  int                  `json:"failures"`
	Values    []cycleValueResponse `json:"values"`
}

type cycleResponse struct {
	View          string                         `json:"view"`
	ValuationTime int64                          `json:"valuation_time"`
	DurationMs    int64                          `json:"duration_ms"`
	Failures      int                            `json:"failures"`
	Configs       map[string]cycleConfigResponse `json:"configs"`
}

// handleExecuteCycle compiles and runs one valuation cycle for the view
// described in the request. Requirements submitted over HTTP resolve
// against the primitive target universe; views over portfolios are wired
// programmatically.
func (s *Server) handleExecuteCycle(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		http.Error(w, "no view processor", http.StatusServiceUnavailable)
		return
	}

	var req cycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "failed to decode request", http.StatusBadRequest)
		return
	}
	if req.View == "" || len(req.Configs) == 0 {
		http.Error(w, "view name and at least one config are required", http.StatusBadRequest)
		return
	}

	view := viewproc.ViewDefinition{Name: req.View}
	for _, cfg := range req.Configs {
		reqs := make([]value.Requirement, 0, len(cfg.Requirements))
		for _, rr := range cfg.Requirements {
			targetType, err := parseTargetType(rr.TargetType)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			reqs = append(reqs, value.NewRequirement(rr.ValueName,
				value.NewTargetSpecification(targetType, rr.TargetID)))
		}
		view.Configs = append(view.Configs, viewproc.CalcConfig{Name: cfg.Name, Requirements: reqs})
	}

	valuationTime := req.ValuationTime
	if valuationTime == 0 {
		valuationTime = time.Now().UnixMilli()
	}

	result, err := s.processor.ExecuteCycle(r.Context(), view, value.PrimitiveContext(), valuationTime)
	if err != nil {
		s.log.Error().Err(err).Str("view", req.View).Msg("Cycle execution failed")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	response := cycleResponse{
		View:          result.ViewName,
		ValuationTime: result.ValuationTime,
		DurationMs:    result.Duration.Milliseconds(),
		Failures:      result.Failures(),
		Configs:       make(map[string]cycleConfigResponse, len(result.Configs)),
	}
	for name, cfg := range result.Configs {
		values := make([]cycleValueResponse, 0, len(cfg.Values))
		for _, cv := range cfg.Values {
			values = append(values, cycleValueResponse{
				ValueName: cv.Specification.ValueName,
				Target:    cv.Specification.Target.Key(),
				Value:     cv.Value,
			})
		}
		response.Configs[name] = cycleConfigResponse{
			GraphSize: cfg.GraphSize,
			Failures:  cfg.Failures,
			Values:    values,
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleCycleSummary returns persisted aggregate counts for one cycle.
func (s *Server) handleCycleSummary(w http.ResponseWriter, r *http.Request) {
	view, config, valuationTime, ok := s.cycleQuery(w, r)
	if !ok {
		return
	}

	summary, err := s.results.Summarize(view, config, valuationTime)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to summarize cycle")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}

// handleCycleFailures returns the persisted failed items of one cycle.
func (s *Server) handleCycleFailures(w http.ResponseWriter, r *http.Request) {
	view, config, valuationTime, ok := s.cycleQuery(w, r)
	if !ok {
		return
	}

	failures, err := s.results.Failures(view, config, valuationTime)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load cycle failures")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(failures),
		"failures": failures,
	})
}

// handleCycleValues returns the persisted computed values of one cycle.
func (s *Server) handleCycleValues(w http.ResponseWriter, r *http.Request) {
	view, config, valuationTime, ok := s.cycleQuery(w, r)
	if !ok {
		return
	}

	computed, err := s.results.CycleValues(view, config, valuationTime)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load cycle values")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	values := make([]cycleValueResponse, 0, len(computed))
	for _, cv := range computed {
		values = append(values, cycleValueResponse{
			ValueName: cv.Specification.ValueName,
			Target:    cv.Specification.Target.Key(),
			Value:     cv.Value,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(values),
		"values": values,
	})
}

// cycleQuery parses the view/config/valuation_time triple every result
// query needs. Writes the error response itself when parsing fails.
func (s *Server) cycleQuery(w http.ResponseWriter, r *http.Request) (string, string, int64, bool) {
	if s.results == nil {
		http.Error(w, "no results store", http.StatusServiceUnavailable)
		return "", "", 0, false
	}

	view := r.URL.Query().Get("view")
	config := r.URL.Query().Get("config")
	if view == "" || config == "" {
		http.Error(w, "view and config query parameters are required", http.StatusBadRequest)
		return "", "", 0, false
	}

	valuationTime, err := strconv.ParseInt(r.URL.Query().Get("valuation_time"), 10, 64)
	if err != nil {
		http.Error(w, "valuation_time must be unix milliseconds", http.StatusBadRequest)
		return "", "", 0, false
	}

	return view, config, valuationTime, true
}

func parseTargetType(s string) (value.TargetType, error) {
	switch s {
	case "", "PRIMITIVE":
		return value.TargetPrimitive, nil
	case "SECURITY":
		return value.TargetSecurity, nil
	case "POSITION":
		return value.TargetPosition, nil
	case "PORTFOLIO_NODE":
		return value.TargetPortfolioNode, nil
	default:
		return 0, fmt.Errorf("unknown target type %q", s)
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
