// Package remote carries calculation jobs between a coordinator and
// out-of-process calculation nodes over a websocket channel. Messages are
// msgpack envelopes; jobs flow down, results and cache queries flow up.
package remote

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/value"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	// MessageHello is the first message a node sends after connecting,
	// announcing its identity.
	MessageHello MessageType = "hello"
	// MessageJob carries a calcjob.Job from coordinator to node.
	MessageJob MessageType = "job"
	// MessageResult carries a calcjob.JobResult from node to coordinator.
	MessageResult MessageType = "result"
	// MessageQuery asks the coordinator for a cached value by specification.
	MessageQuery MessageType = "query"
	// MessageQueryResponse answers a query, correlated by id.
	MessageQueryResponse MessageType = "query_response"
)

// Envelope is the wire frame. Payload holds a nested msgpack document whose
// shape depends on Type.
type Envelope struct {
	Type          MessageType `msgpack:"type"`
	CorrelationID string      `msgpack:"correlation_id,omitempty"`
	NodeID        string      `msgpack:"node_id,omitempty"`
	Payload       []byte      `msgpack:"payload,omitempty"`
}

// QueryRequest is the payload of a MessageQuery envelope. JobSpec names the
// cycle whose cache should be consulted for the specification.
type QueryRequest struct {
	JobSpec calcjob.JobSpecification `msgpack:"job_spec"`
	Spec    value.Specification      `msgpack:"spec"`
}

// QueryResponse is the payload of a MessageQueryResponse envelope.
type QueryResponse struct {
	Found bool   `msgpack:"found"`
	Value any    `msgpack:"value,omitempty"`
	Error string `msgpack:"error,omitempty"`
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

// Decode deserializes an envelope from the wire.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

// NewHelloEnvelope builds a node's identity announcement.
func NewHelloEnvelope(nodeID string) Envelope {
	return Envelope{Type: MessageHello, NodeID: nodeID}
}

// NewJobEnvelope wraps a job for dispatch to a node.
func NewJobEnvelope(job calcjob.Job) (Envelope, error) {
	payload, err := calcjob.EncodeJob(job)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: MessageJob, CorrelationID: job.Spec.String(), Payload: payload}, nil
}

// NewResultEnvelope wraps a job result for return to the coordinator.
func NewResultEnvelope(result calcjob.JobResult) (Envelope, error) {
	payload, err := calcjob.EncodeJobResult(result)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:          MessageResult,
		CorrelationID: result.Spec.String(),
		NodeID:        result.NodeID,
		Payload:       payload,
	}, nil
}

// NewQueryEnvelope builds a cache query with the given correlation id.
func NewQueryEnvelope(correlationID, nodeID string, jobSpec calcjob.JobSpecification, spec value.Specification) (Envelope, error) {
	payload, err := msgpack.Marshal(QueryRequest{JobSpec: jobSpec, Spec: spec})
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode query: %w", err)
	}
	return Envelope{
		Type:          MessageQuery,
		CorrelationID: correlationID,
		NodeID:        nodeID,
		Payload:       payload,
	}, nil
}

// NewQueryResponseEnvelope answers a query envelope.
func NewQueryResponseEnvelope(correlationID string, resp QueryResponse) (Envelope, error) {
	payload, err := msgpack.Marshal(resp)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode query response: %w", err)
	}
	return Envelope{Type: MessageQueryResponse, CorrelationID: correlationID, Payload: payload}, nil
}

// JobPayload decodes a MessageJob envelope's payload.
func JobPayload(env Envelope) (calcjob.Job, error) {
	return calcjob.DecodeJob(env.Payload)
}

// ResultPayload decodes a MessageResult envelope's payload.
func ResultPayload(env Envelope) (calcjob.JobResult, error) {
	return calcjob.DecodeJobResult(env.Payload)
}

// QueryPayload decodes a MessageQuery envelope's payload.
func QueryPayload(env Envelope) (QueryRequest, error) {
	var req QueryRequest
	if err := msgpack.Unmarshal(env.Payload, &req); err != nil {
		return QueryRequest{}, fmt.Errorf("failed to decode query: %w", err)
	}
	return req, nil
}

// QueryResponsePayload decodes a MessageQueryResponse envelope's payload.
func QueryResponsePayload(env Envelope) (QueryResponse, error) {
	var resp QueryResponse
	if err := msgpack.Unmarshal(env.Payload, &resp); err != nil {
		return QueryResponse{}, fmt.Errorf("failed to decode query response: %w", err)
	}
	return resp, nil
}
