package calcjob

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeJob serializes a job for the dispatch boundary.
func EncodeJob(job Job) ([]byte, error) {
	data, err := msgpack.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.Spec, err)
	}
	return data, nil
}

// DecodeJob deserializes a job received at the dispatch boundary.
func DecodeJob(data []byte) (Job, error) {
	var job Job
	if err := msgpack.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

// EncodeJobResult serializes a job result.
func EncodeJobResult(result JobResult) ([]byte, error) {
	data, err := msgpack.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job result %s: %w", result.Spec, err)
	}
	return data, nil
}

// DecodeJobResult deserializes a job result.
func DecodeJobResult(data []byte) (JobResult, error) {
	var result JobResult
	if err := msgpack.Unmarshal(data, &result); err != nil {
		return JobResult{}, fmt.Errorf("failed to decode job result: %w", err)
	}
	return result, nil
}
