// Package dispatch turns a compiled dependency graph into calculation jobs
// and fans them out over a pool of calculation nodes, one execution level at
// a time. A level's jobs run concurrently; the next level starts only after
// every job of the previous one has returned.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/calcnode"
	"github.com/KrisLee/OG-Platform/internal/depgraph"
	"github.com/KrisLee/OG-Platform/internal/value"
)

// DefaultMaxItems bounds how many invocations ride in one job when the
// partitioner is constructed with a non-positive limit.
const DefaultMaxItems = 16

// ErrNoCapacity is returned when a dispatch is attempted with no
// calculation nodes available.
var ErrNoCapacity = errors.New("no calculation nodes available")

// Partitioner slices a graph's execution levels into dispatchable jobs.
type Partitioner struct {
	// MaxItems is the largest number of invocations per job. Smaller jobs
	// spread a level across more nodes at the cost of more dispatch
	// round-trips.
	MaxItems int
}

// NewPartitioner creates a partitioner with the given per-job item limit.
func NewPartitioner(maxItems int) *Partitioner {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Partitioner{MaxItems: maxItems}
}

// Partition converts each execution level into a batch of jobs. Job IDs are
// assigned sequentially across the whole cycle, so every job of one
// valuation is uniquely identified by its specification.
func (p *Partitioner) Partition(viewName, calcConfigName string, valuationTime int64, levels [][]*depgraph.Node) [][]calcjob.Job {
	var jobID int64
	batches := make([][]calcjob.Job, 0, len(levels))

	for _, level := range levels {
		var batch []calcjob.Job
		for start := 0; start < len(level); start += p.MaxItems {
			end := start + p.MaxItems
			if end > len(level) {
				end = len(level)
			}

			items := make([]calcjob.JobItem, 0, end-start)
			for _, node := range level[start:end] {
				items = append(items, jobItem(node))
			}

			spec := calcjob.NewJobSpecification(viewName, calcConfigName, valuationTime, jobID)
			jobID++
			batch = append(batch, calcjob.NewJob(spec, items))
		}
		batches = append(batches, batch)
	}

	return batches
}

func jobItem(node *depgraph.Node) calcjob.JobItem {
	outputs := make([]value.Requirement, 0, len(node.Outputs))
	for _, out := range node.Outputs {
		outputs = append(outputs, out.Requirement())
	}
	return calcjob.JobItem{
		FunctionID: node.Function.UniqueID(),
		Target:     node.Target,
		Inputs:     node.Inputs,
		Outputs:    outputs,
	}
}

// Dispatcher sends job batches to calculation capacity and collects results.
type Dispatcher interface {
	DispatchCycle(ctx context.Context, batches [][]calcjob.Job) ([]calcjob.JobResult, error)
}

// LocalDispatcher runs jobs on in-process calculation nodes. Each level's
// jobs are pulled off a shared channel by every node, so a slow item on one
// node does not idle the rest of the pool.
type LocalDispatcher struct {
	nodes []*calcnode.Node
	log   zerolog.Logger
}

// NewLocalDispatcher creates a dispatcher over the given node pool.
func NewLocalDispatcher(nodes []*calcnode.Node, log zerolog.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		nodes: nodes,
		log:   log.With().Str("component", "dispatch").Logger(),
	}
}

// DispatchCycle executes the batches level by level and returns every job
// result, grouped by level and ordered by job ID within a level. Item
// failures are data inside the results; the returned error covers dispatch
// itself, such as a cancelled context or an empty node pool.
func (d *LocalDispatcher) DispatchCycle(ctx context.Context, batches [][]calcjob.Job) ([]calcjob.JobResult, error) {
	if len(d.nodes) == 0 {
		return nil, ErrNoCapacity
	}

	var results []calcjob.JobResult
	for levelIdx, batch := range batches {
		levelResults, err := d.runLevel(ctx, batch)
		if err != nil {
			return nil, err
		}
		results = append(results, levelResults...)
		d.log.Debug().
			Int("level", levelIdx).
			Int("jobs", len(batch)).
			Msg("level completed")
	}
	return results, nil
}

func (d *LocalDispatcher) runLevel(ctx context.Context, batch []calcjob.Job) ([]calcjob.JobResult, error) {
	jobs := make(chan calcjob.Job)
	results := make([]calcjob.JobResult, 0, len(batch))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range d.nodes {
		node := node
		g.Go(func() error {
			for job := range jobs {
				result := node.ExecuteJob(gctx, job)
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for _, job := range batch {
			select {
			case jobs <- job:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Spec.JobID < results[j].Spec.JobID
	})
	return results, nil
}
