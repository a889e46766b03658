// Package results persists job outcomes: one row per executed job and one
// row per item, queryable by cycle. The store doubles as the calculation
// node's streaming item sink, so partial results of a crashed job survive.
package results

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/database"
	"github.com/KrisLee/OG-Platform/internal/value"
)

// Store writes and reads job results in the results database.
type Store struct {
	db  *database.DB
	log zerolog.Logger

	mu      sync.Mutex
	nextIdx map[string]int // per-job streaming item index
}

// NewStore creates a result store over an opened results database.
func NewStore(db *database.DB, log zerolog.Logger) *Store {
	return &Store{
		db:      db,
		log:     log.With().Str("component", "results").Logger(),
		nextIdx: make(map[string]int),
	}
}

// WriteItem records one item as it completes, before its job finishes.
// Items of one job are indexed in arrival order, which matches execution
// order because a node runs job items sequentially.
func (s *Store) WriteItem(spec calcjob.JobSpecification, item calcjob.JobResultItem) error {
	s.mu.Lock()
	key := spec.String()
	idx := s.nextIdx[key]
	s.nextIdx[key] = idx + 1
	s.mu.Unlock()

	return s.insertItem(s.db.Conn(), spec, idx, item)
}

// WriteResult records a completed job and all of its items in one
// transaction. Rows streamed earlier for the same job are overwritten, so
// the stored items always match the final result.
func (s *Store) WriteResult(result calcjob.JobResult) error {
	s.mu.Lock()
	delete(s.nextIdx, result.Spec.String())
	s.mu.Unlock()

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO job_results
				(view_name, calc_config_name, valuation_time, job_id, node_id, duration_ns, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			result.Spec.ViewName, result.Spec.CalcConfigName, result.Spec.ValuationTime,
			result.Spec.JobID, result.NodeID, result.Duration.Nanoseconds(), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert job result: %w", err)
		}

		for idx, item := range result.Items {
			if err := s.insertItem(tx, result.Spec, idx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store result for job %s: %w", result.Spec.String(), err)
	}

	s.log.Debug().
		Str("job", result.Spec.String()).
		Int("items", len(result.Items)).
		Msg("job result stored")
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) insertItem(e execer, spec calcjob.JobSpecification, idx int, item calcjob.JobResultItem) error {
	var outputs []byte
	if len(item.Values) > 0 {
		var err error
		outputs, err = msgpack.Marshal(item.Values)
		if err != nil {
			return fmt.Errorf("failed to encode item outputs: %w", err)
		}
	}

	_, err := e.Exec(`
		INSERT OR REPLACE INTO job_result_items
			(view_name, calc_config_name, valuation_time, job_id, item_index,
			 function_id, target_type, target_id, result, failure_reason, outputs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.ViewName, spec.CalcConfigName, spec.ValuationTime, spec.JobID, idx,
		item.Item.FunctionID, item.Item.Target.Type.String(), item.Item.Target.Identifier,
		item.Result.String(), item.FailureReason, outputs, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert result item: %w", err)
	}
	return nil
}

// CycleSummary aggregates one valuation cycle's stored results.
type CycleSummary struct {
	Jobs      int
	Items     int
	Successes int
	Failures  int
	Duration  time.Duration // summed job durations
}

// Summarize aggregates every stored result of one cycle.
func (s *Store) Summarize(viewName, calcConfigName string, valuationTime int64) (CycleSummary, error) {
	var summary CycleSummary

	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(duration_ns), 0)
		FROM job_results
		WHERE view_name = ? AND calc_config_name = ? AND valuation_time = ?`,
		viewName, calcConfigName, valuationTime)
	var durationNs int64
	if err := row.Scan(&summary.Jobs, &durationNs); err != nil {
		return CycleSummary{}, fmt.Errorf("failed to summarize jobs: %w", err)
	}
	summary.Duration = time.Duration(durationNs)

	rows, err := s.db.Query(`
		SELECT result, COUNT(*)
		FROM job_result_items
		WHERE view_name = ? AND calc_config_name = ? AND valuation_time = ?
		GROUP BY result`,
		viewName, calcConfigName, valuationTime)
	if err != nil {
		return CycleSummary{}, fmt.Errorf("failed to summarize items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result string
		var count int
		if err := rows.Scan(&result, &count); err != nil {
			return CycleSummary{}, fmt.Errorf("failed to scan item summary: %w", err)
		}
		summary.Items += count
		switch result {
		case calcjob.Success.String():
			summary.Successes += count
		case calcjob.Error.String():
			summary.Failures += count
		}
	}
	return summary, rows.Err()
}

// Failure describes one failed item of a cycle.
type Failure struct {
	JobID      int64
	FunctionID string
	TargetType string
	TargetID   string
	Reason     string
}

// Failures lists every failed item of one cycle in job/item order.
func (s *Store) Failures(viewName, calcConfigName string, valuationTime int64) ([]Failure, error) {
	rows, err := s.db.Query(`
		SELECT job_id, function_id, target_type, target_id, failure_reason
		FROM job_result_items
		WHERE view_name = ? AND calc_config_name = ? AND valuation_time = ? AND result = ?
		ORDER BY job_id, item_index`,
		viewName, calcConfigName, valuationTime, calcjob.Error.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var failures []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.JobID, &f.FunctionID, &f.TargetType, &f.TargetID, &f.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// CycleValues returns every successful output value stored for one cycle.
func (s *Store) CycleValues(viewName, calcConfigName string, valuationTime int64) ([]value.ComputedValue, error) {
	rows, err := s.db.Query(`
		SELECT outputs
		FROM job_result_items
		WHERE view_name = ? AND calc_config_name = ? AND valuation_time = ?
			AND result = ? AND outputs IS NOT NULL
		ORDER BY job_id, item_index`,
		viewName, calcConfigName, valuationTime, calcjob.Success.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle values: %w", err)
	}
	defer rows.Close()

	var values []value.ComputedValue
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan outputs: %w", err)
		}
		var itemValues []value.ComputedValue
		if err := msgpack.Unmarshal(blob, &itemValues); err != nil {
			return nil, fmt.Errorf("failed to decode outputs: %w", err)
		}
		values = append(values, itemValues...)
	}
	return values, rows.Err()
}

// PurgeBefore deletes results of cycles with a valuation time strictly
// before the cutoff, returning the number of jobs removed.
func (s *Store) PurgeBefore(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM job_results WHERE valuation_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge job results: %w", err)
	}
	jobs, _ := res.RowsAffected()

	if _, err := s.db.Exec(`DELETE FROM job_result_items WHERE valuation_time < ?`, cutoff); err != nil {
		return jobs, fmt.Errorf("failed to purge result items: %w", err)
	}

	if jobs > 0 {
		s.log.Info().Int64("jobs", jobs).Int64("cutoff", cutoff).Msg("purged old results")
	}
	return jobs, nil
}
