// Package viewproc orchestrates valuation cycles: it compiles each
// calculation configuration of a view into a dependency graph, seeds the
// cycle cache with market data, dispatches the jobs level by level and
// collects the values the view asked for. One cycle, one shared cache,
// retired when the cycle ends.
package viewproc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/depgraph"
	"github.com/KrisLee/OG-Platform/internal/dispatch"
	"github.com/KrisLee/OG-Platform/internal/value"
	"github.com/KrisLee/OG-Platform/internal/viewcache"
)

// CalcConfig is one calculation configuration of a view: a named set of
// top-level requirements, optionally with its own resolution-rule transform.
type CalcConfig struct {
	Name         string
	Requirements []value.Requirement
	Transform    depgraph.RuleTransform
}

// ViewDefinition names a view and its calculation configurations.
type ViewDefinition struct {
	Name    string
	Configs []CalcConfig
}

// MarketDataProvider supplies externally sourced values. Available is
// consulted while compiling the graph; Get is consulted when the cycle
// cache is seeded. A value reported available but missing at seed time
// surfaces as item failures downstream, never as a cycle abort.
type MarketDataProvider interface {
	Available(req value.Requirement) bool
	Get(spec value.Specification) (any, bool)
}

// ResultWriter persists completed job results. Optional.
type ResultWriter interface {
	WriteResult(result calcjob.JobResult) error
}

// ConfigResult holds one configuration's outcome within a cycle.
type ConfigResult struct {
	GraphSize  int
	JobResults []calcjob.JobResult
	Values     []value.ComputedValue
	Failures   int
}

// CycleResult is the outcome of one valuation cycle across every
// configuration of the view.
type CycleResult struct {
	ViewName      string
	ValuationTime int64
	Duration      time.Duration
	Configs       map[string]*ConfigResult
}

// Failures sums failed items across all configurations.
func (r *CycleResult) Failures() int {
	total := 0
	for _, cfg := range r.Configs {
		total += cfg.Failures
	}
	return total
}

// Processor runs valuation cycles.
type Processor struct {
	builder     *depgraph.Builder
	partitioner *dispatch.Partitioner
	dispatcher  dispatch.Dispatcher
	cacheSource viewcache.Source
	marketData  MarketDataProvider
	writer      ResultWriter
	log         zerolog.Logger
}

// Option configures optional processor collaborators.
type Option func(*Processor)

// WithResultWriter attaches a persistent result sink.
func WithResultWriter(w ResultWriter) Option {
	return func(p *Processor) { p.writer = w }
}

// WithMarketData attaches a market data provider.
func WithMarketData(md MarketDataProvider) Option {
	return func(p *Processor) { p.marketData = md }
}

// NewProcessor creates a view processor.
func NewProcessor(builder *depgraph.Builder, partitioner *dispatch.Partitioner, dispatcher dispatch.Dispatcher, cacheSource viewcache.Source, log zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		builder:     builder,
		partitioner: partitioner,
		dispatcher:  dispatcher,
		cacheSource: cacheSource,
		log:         log.With().Str("component", "viewproc").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ExecuteCycle runs one valuation cycle of the view at the given valuation
// time, against the given target context. Item failures are data inside the
// result; the returned error covers cycle-level faults such as an
// uncompilable configuration or exhausted dispatch capacity. Each
// configuration's cache is retired when the cycle ends, whatever the
// outcome.
func (p *Processor) ExecuteCycle(ctx context.Context, view ViewDefinition, targetCtx value.TargetContext, valuationTime int64) (*CycleResult, error) {
	start := time.Now()
	result := &CycleResult{
		ViewName:      view.Name,
		ValuationTime: valuationTime,
		Configs:       make(map[string]*ConfigResult, len(view.Configs)),
	}

	defer func() {
		for _, cfg := range view.Configs {
			p.cacheSource.ReleaseCache(view.Name, cfg.Name, valuationTime)
		}
	}()

	for _, cfg := range view.Configs {
		cfgResult, err := p.executeConfig(ctx, view.Name, cfg, targetCtx, valuationTime)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", cfg.Name, err)
		}
		result.Configs[cfg.Name] = cfgResult
	}

	result.Duration = time.Since(start)
	p.log.Info().
		Str("view", view.Name).
		Int64("valuation_time", valuationTime).
		Int("failures", result.Failures()).
		Dur("duration", result.Duration).
		Msg("cycle completed")

	return result, nil
}

func (p *Processor) executeConfig(ctx context.Context, viewName string, cfg CalcConfig, targetCtx value.TargetContext, valuationTime int64) (*ConfigResult, error) {
	builder := p.builder
	if cfg.Transform != nil {
		builder = builder.WithTransform(cfg.Transform)
	}

	graph, err := builder.Build(cfg.Requirements, targetCtx)
	if err != nil {
		return nil, fmt.Errorf("graph compilation failed: %w", err)
	}

	cache := p.cacheSource.GetCache(viewName, cfg.Name, valuationTime)
	p.seedMarketData(cache, graph)

	batches := p.partitioner.Partition(viewName, cfg.Name, valuationTime, graph.ExecutionLevels())
	jobResults, err := p.dispatcher.DispatchCycle(ctx, batches)
	if err != nil {
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}

	cfgResult := &ConfigResult{
		GraphSize:  graph.Size(),
		JobResults: jobResults,
	}
	for _, jr := range jobResults {
		for _, item := range jr.Items {
			if item.Result == calcjob.Error {
				cfgResult.Failures++
			}
		}
		if p.writer != nil {
			if err := p.writer.WriteResult(jr); err != nil {
				p.log.Error().Err(err).Str("job", jr.Spec.String()).Msg("failed to persist job result")
			}
		}
	}

	for _, req := range cfg.Requirements {
		spec, ok := graph.SpecificationFor(req)
		if !ok {
			continue
		}
		if v, ok := cache.GetValue(spec); ok {
			cfgResult.Values = append(cfgResult.Values, value.NewComputedValue(spec, v))
		}
	}

	return cfgResult, nil
}

func (p *Processor) seedMarketData(cache viewcache.Cache, graph *depgraph.Graph) {
	if p.marketData == nil {
		return
	}
	for _, spec := range graph.MarketData {
		v, ok := p.marketData.Get(spec)
		if !ok {
			p.log.Warn().Str("spec", spec.Key()).Msg("market data unavailable at seed time")
			continue
		}
		if err := cache.PutValue(value.NewComputedValue(spec, v)); err != nil {
			p.log.Error().Err(err).Str("spec", spec.Key()).Msg("failed to seed market data")
		}
	}
}

// Availability adapts a provider into the graph builder's compile-time
// availability check. A nil provider yields a nil availability function.
func Availability(md MarketDataProvider) depgraph.MarketDataAvailability {
	if md == nil {
		return nil
	}
	return md.Available
}

// SnapshotProvider is a fixed map of market data keyed by requirement key.
// It serves tests and replay runs.
type SnapshotProvider map[string]any

// Available reports whether the snapshot holds the requirement.
func (s SnapshotProvider) Available(req value.Requirement) bool {
	_, ok := s[req.Key()]
	return ok
}

// Get returns the snapshot value for the specification's requirement form.
func (s SnapshotProvider) Get(spec value.Specification) (any, bool) {
	v, ok := s[spec.Requirement().Key()]
	return v, ok
}
