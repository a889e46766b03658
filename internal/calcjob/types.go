// Package calcjob defines the serializable unit of work dispatched to a
// calculation node, and the typed result that comes back. The msgpack codec
// in this package is the dispatch boundary's wire format.
package calcjob

import (
	"fmt"
	"time"

	"github.com/KrisLee/OG-Platform/internal/value"
)

// JobSpecification identifies one job within one valuation cycle. Together
// with a cache-source lookup it identifies the cache instance every node
// working the cycle shares. Immutable; equality by value.
type JobSpecification struct {
	ViewName       string `msgpack:"view"`
	CalcConfigName string `msgpack:"config"`
	ValuationTime  int64  `msgpack:"valuation_time"` // Unix milliseconds
	JobID          int64  `msgpack:"job_id"`
}

// NewJobSpecification creates a job specification.
func NewJobSpecification(viewName, calcConfigName string, valuationTime, jobID int64) JobSpecification {
	return JobSpecification{
		ViewName:       viewName,
		CalcConfigName: calcConfigName,
		ValuationTime:  valuationTime,
		JobID:          jobID,
	}
}

// String returns a compact form for logging.
func (s JobSpecification) String() string {
	return fmt.Sprintf("%s/%s@%d#%d", s.ViewName, s.CalcConfigName, s.ValuationTime, s.JobID)
}

// JobItem is one function invocation: which function, against what target,
// reading which inputs, to satisfy which desired outputs.
type JobItem struct {
	FunctionID string                    `msgpack:"function_id"`
	Target     value.TargetSpecification `msgpack:"target"`
	Inputs     []value.Specification     `msgpack:"inputs,omitempty"`
	Outputs    []value.Requirement       `msgpack:"outputs,omitempty"`
}

// Job is an ordered list of invocations tagged with the cycle identity.
// Items execute in listed order on one node; one item's failure never
// prevents execution of subsequent items.
type Job struct {
	Spec  JobSpecification `msgpack:"spec"`
	Items []JobItem        `msgpack:"items"`
}

// NewJob creates a job.
func NewJob(spec JobSpecification, items []JobItem) Job {
	return Job{Spec: spec, Items: items}
}

// InvocationResult classifies exactly one job item's outcome.
type InvocationResult int

const (
	// Success means the invoker returned normally and all outputs were cached.
	Success InvocationResult = iota
	// Error means target resolution, invoker lookup or the invocation itself
	// failed; the item produced no outputs.
	Error
)

// String returns the wire name of the result.
func (r InvocationResult) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// JobResultItem records the outcome of one job item, in the same position
// as the originating item.
type JobResultItem struct {
	Item          JobItem               `msgpack:"item"`
	Result        InvocationResult      `msgpack:"result"`
	FailureReason string                `msgpack:"failure_reason,omitempty"`
	Values        []value.ComputedValue `msgpack:"values,omitempty"`
}

// JobResult is the overall outcome of one job: one entry per dispatched
// item, order preserved, plus the executing node's identity and the
// monotonic wall-clock duration of the whole job.
type JobResult struct {
	Spec     JobSpecification `msgpack:"spec"`
	Duration time.Duration    `msgpack:"duration"`
	Items    []JobResultItem  `msgpack:"items"`
	NodeID   string           `msgpack:"node_id"`
}
