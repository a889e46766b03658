package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/value"
	"github.com/KrisLee/OG-Platform/internal/viewcache"
)

const (
	hubWriteWait  = 10 * time.Second
	helloDeadline = 10 * time.Second
)

// ErrNoNodes is returned when a job is dispatched with no connected nodes.
var ErrNoNodes = errors.New("no remote calculation nodes connected")

// QueryAnswerer resolves node cache queries on the coordinator side,
// typically against the view processor's market data.
type QueryAnswerer interface {
	Answer(spec value.Specification) (any, bool)
}

type session struct {
	nodeID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *session) write(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, hubWriteWait)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(writeCtx, websocket.MessageBinary, data)
}

// Hub is the coordinator endpoint remote nodes connect to. It tracks live
// sessions, routes jobs to them round-robin and answers their cache
// queries. Hub implements the dispatcher contract, so a view processor can
// run on remote capacity without knowing it. Remote nodes hold private
// cycle caches, so the hub copies every computed value a result carries
// into the coordinator's cache and serves node queries from there.
type Hub struct {
	source   viewcache.Source // may be nil
	answerer QueryAnswerer    // may be nil

	log zerolog.Logger

	mu       sync.RWMutex
	sessions []*session
	next     int
	pending  map[string]chan calcjob.JobResult
}

// NewHub creates a hub writing remote outputs into the given cache source.
// Queries are resolved against that source first, then the answerer; either
// may be nil.
func NewHub(source viewcache.Source, answerer QueryAnswerer, log zerolog.Logger) *Hub {
	return &Hub{
		source:   source,
		answerer: answerer,
		log:      log.With().Str("component", "remote_hub").Logger(),
		pending:  make(map[string]chan calcjob.JobResult),
	}
}

// NodeCount returns the number of connected nodes.
func (h *Hub) NodeCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request to a websocket and serves the node's
// session until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess, err := h.handshake(r.Context(), conn)
	if err != nil {
		h.log.Warn().Err(err).Msg("node handshake failed")
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	h.register(sess)
	h.log.Info().Str("node", sess.nodeID).Msg("remote node connected")

	h.readLoop(r.Context(), sess)

	h.unregister(sess)
	conn.Close(websocket.StatusNormalClosure, "")
	h.log.Info().Str("node", sess.nodeID).Msg("remote node disconnected")
}

func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn) (*session, error) {
	readCtx, cancel := context.WithTimeout(ctx, helloDeadline)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	env, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Type != MessageHello || env.NodeID == "" {
		return nil, fmt.Errorf("expected hello with node id, got %s", env.Type)
	}
	return &session{nodeID: env.NodeID, conn: conn}, nil
}

func (h *Hub) register(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions = append(h.sessions, sess)
}

func (h *Hub) unregister(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.sessions {
		if s == sess {
			h.sessions = append(h.sessions[:i], h.sessions[i+1:]...)
			break
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, sess *session) {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.log.Warn().Err(err).Str("node", sess.nodeID).Msg("node read error")
			}
			return
		}

		env, err := Decode(data)
		if err != nil {
			h.log.Error().Err(err).Str("node", sess.nodeID).Msg("undecodable envelope")
			continue
		}

		switch env.Type {
		case MessageResult:
			h.handleResult(env)
		case MessageQuery:
			h.handleQuery(ctx, sess, env)
		default:
			h.log.Debug().Str("type", string(env.Type)).Msg("ignoring unexpected envelope")
		}
	}
}

func (h *Hub) handleResult(env Envelope) {
	result, err := ResultPayload(env)
	if err != nil {
		h.log.Error().Err(err).Msg("undecodable job result")
		return
	}

	h.cacheResultValues(result)

	h.mu.Lock()
	ch, ok := h.pending[env.CorrelationID]
	if ok {
		delete(h.pending, env.CorrelationID)
	}
	h.mu.Unlock()

	if !ok {
		h.log.Warn().Str("job", env.CorrelationID).Msg("result for unknown job")
		return
	}
	ch <- result
}

// cacheResultValues writes a remote node's computed outputs into the
// coordinator's cycle cache before the result is delivered, so they are
// visible to later levels and to other nodes' queries. The remote node's
// own cache is private to its process.
func (h *Hub) cacheResultValues(result calcjob.JobResult) {
	if h.source == nil {
		return
	}
	cache := h.source.GetCache(result.Spec.ViewName, result.Spec.CalcConfigName, result.Spec.ValuationTime)
	for _, item := range result.Items {
		for _, cv := range item.Values {
			if err := cache.PutValue(cv); err != nil {
				h.log.Error().Err(err).Str("spec", cv.Specification.Key()).Msg("failed to cache remote output")
			}
		}
	}
}

func (h *Hub) handleQuery(ctx context.Context, sess *session, env Envelope) {
	req, err := QueryPayload(env)
	resp := QueryResponse{}
	if err != nil {
		resp.Error = err.Error()
	} else if v, ok := h.lookupValue(req); ok {
		resp.Found = true
		resp.Value = v
	}

	out, err := NewQueryResponseEnvelope(env.CorrelationID, resp)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build query response")
		return
	}
	if err := sess.write(ctx, out); err != nil {
		h.log.Warn().Err(err).Str("node", sess.nodeID).Msg("failed to answer query")
	}
}

// lookupValue resolves a node query against the named cycle's cache, then
// the answerer.
func (h *Hub) lookupValue(req QueryRequest) (any, bool) {
	if h.source != nil {
		cache := h.source.GetCache(req.JobSpec.ViewName, req.JobSpec.CalcConfigName, req.JobSpec.ValuationTime)
		if v, ok := cache.GetValue(req.Spec); ok {
			return v, true
		}
	}
	if h.answerer != nil {
		return h.answerer.Answer(req.Spec)
	}
	return nil, false
}

// DispatchJob sends one job to the next connected node and waits for its
// result.
func (h *Hub) DispatchJob(ctx context.Context, job calcjob.Job) (calcjob.JobResult, error) {
	key := job.Spec.String()
	ch := make(chan calcjob.JobResult, 1)

	h.mu.Lock()
	if len(h.sessions) == 0 {
		h.mu.Unlock()
		return calcjob.JobResult{}, ErrNoNodes
	}
	sess := h.sessions[h.next%len(h.sessions)]
	h.next++
	h.pending[key] = ch
	h.mu.Unlock()

	env, err := NewJobEnvelope(job)
	if err == nil {
		err = sess.write(ctx, env)
	}
	if err != nil {
		h.mu.Lock()
		delete(h.pending, key)
		h.mu.Unlock()
		return calcjob.JobResult{}, fmt.Errorf("failed to send job %s to node %s: %w", key, sess.nodeID, err)
	}

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, key)
		h.mu.Unlock()
		return calcjob.JobResult{}, fmt.Errorf("job %s abandoned: %w", key, ctx.Err())
	}
}

// DispatchCycle runs the batches level by level across the connected nodes.
// It satisfies the same contract as the in-process dispatcher.
func (h *Hub) DispatchCycle(ctx context.Context, batches [][]calcjob.Job) ([]calcjob.JobResult, error) {
	if h.NodeCount() == 0 {
		return nil, ErrNoNodes
	}

	var results []calcjob.JobResult
	var mu sync.Mutex

	for _, batch := range batches {
		g, gctx := errgroup.WithContext(ctx)
		for _, job := range batch {
			job := job
			g.Go(func() error {
				result, err := h.DispatchJob(gctx, job)
				if err != nil {
					return err
				}
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Spec.JobID < results[j].Spec.JobID
	})
	return results, nil
}
