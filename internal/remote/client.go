package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/value"
)

const (
	clientWriteWait    = 10 * time.Second
	clientDialTimeout  = 30 * time.Second
	baseReconnectDelay = 2 * time.Second
	maxReconnectDelay  = 2 * time.Minute
	queryTimeout       = 10 * time.Second
)

// ErrValueNotFound is returned by Query when the coordinator does not hold
// the requested value.
var ErrValueNotFound = errors.New("coordinator does not hold the requested value")

// JobExecutor runs the jobs a node client receives. The calculation node
// satisfies it.
type JobExecutor interface {
	ID() string
	ExecuteJob(ctx context.Context, job calcjob.Job) calcjob.JobResult
}

// NodeClient connects a calculation node to a coordinator hub: it receives
// jobs, streams back results and forwards the node's cache queries. The
// client reconnects with exponential backoff when the channel drops.
type NodeClient struct {
	url      string
	executor JobExecutor
	log      zerolog.Logger

	mu           sync.RWMutex
	conn         *websocket.Conn
	connCtx      context.Context
	cancelFunc   context.CancelFunc
	writeMu      sync.Mutex
	connected    bool
	reconnecting bool
	stopped      bool
	stopChan     chan struct{}

	queryMu sync.Mutex
	queries map[string]chan QueryResponse
}

// NewNodeClient creates a client for the given coordinator websocket URL.
func NewNodeClient(url string, executor JobExecutor, log zerolog.Logger) *NodeClient {
	return &NodeClient{
		url:      url,
		executor: executor,
		log:      log.With().Str("component", "remote_client").Str("node", executor.ID()).Logger(),
		stopChan: make(chan struct{}),
		queries:  make(map[string]chan QueryResponse),
	}
}

// Start connects to the coordinator and begins serving jobs. A failed
// initial connection starts the reconnect loop in the background.
func (c *NodeClient) Start() error {
	if err := c.Connect(); err != nil {
		c.log.Warn().Err(err).Msg("initial coordinator connection failed, retrying in background")
		go c.reconnectLoop()
		return err
	}

	c.mu.RLock()
	ctx := c.connCtx
	c.mu.RUnlock()
	go c.readLoop(ctx)

	return nil
}

// Stop disconnects and prevents further reconnection.
func (c *NodeClient) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopChan)
	return c.Disconnect()
}

// IsConnected reports whether the channel is currently up.
func (c *NodeClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect dials the coordinator and announces the node's identity.
func (c *NodeClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), clientDialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial coordinator: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	hello, err := Encode(NewHelloEnvelope(c.executor.ID()))
	if err == nil {
		writeCtx, cancel := context.WithTimeout(connCtx, clientWriteWait)
		err = conn.Write(writeCtx, websocket.MessageBinary, hello)
		cancel()
	}
	if err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "hello failed")
		return fmt.Errorf("failed to announce node: %w", err)
	}

	c.conn = conn
	c.connCtx = connCtx
	c.cancelFunc = connCancel
	c.connected = true

	c.log.Info().Str("url", c.url).Msg("connected to coordinator")
	return nil
}

// Disconnect closes the channel.
func (c *NodeClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}

	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	c.connCtx = nil
	c.connected = false

	if err != nil {
		return fmt.Errorf("error closing coordinator channel: %w", err)
	}
	return nil
}

func (c *NodeClient) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		stopped := c.stopped
		c.mu.Unlock()
		if !stopped {
			go c.reconnectLoop()
		}
	}()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("coordinator channel read error")
			}
			return
		}

		env, err := Decode(data)
		if err != nil {
			c.log.Error().Err(err).Msg("undecodable envelope from coordinator")
			continue
		}

		switch env.Type {
		case MessageJob:
			go c.handleJob(ctx, env)
		case MessageQueryResponse:
			c.handleQueryResponse(env)
		default:
			c.log.Debug().Str("type", string(env.Type)).Msg("ignoring unexpected envelope")
		}
	}
}

func (c *NodeClient) handleJob(ctx context.Context, env Envelope) {
	job, err := JobPayload(env)
	if err != nil {
		c.log.Error().Err(err).Msg("undecodable job")
		return
	}

	result := c.executor.ExecuteJob(ctx, job)

	out, err := NewResultEnvelope(result)
	if err != nil {
		c.log.Error().Err(err).Str("job", job.Spec.String()).Msg("failed to encode result")
		return
	}
	if err := c.write(ctx, out); err != nil {
		c.log.Error().Err(err).Str("job", job.Spec.String()).Msg("failed to return result")
	}
}

func (c *NodeClient) handleQueryResponse(env Envelope) {
	resp, err := QueryResponsePayload(env)
	if err != nil {
		c.log.Error().Err(err).Msg("undecodable query response")
		return
	}

	c.queryMu.Lock()
	ch, ok := c.queries[env.CorrelationID]
	if ok {
		delete(c.queries, env.CorrelationID)
	}
	c.queryMu.Unlock()

	if ok {
		ch <- resp
	}
}

// Query asks the coordinator for a value missing from the node's private
// cycle cache; the job specification tells the coordinator which cycle's
// shared cache to consult. It satisfies the calculation node's query-sender
// contract.
func (c *NodeClient) Query(ctx context.Context, jobSpec calcjob.JobSpecification, spec value.Specification) (any, error) {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return nil, errors.New("coordinator channel is down")
	}

	id := uuid.NewString()
	ch := make(chan QueryResponse, 1)
	c.queryMu.Lock()
	c.queries[id] = ch
	c.queryMu.Unlock()

	cleanup := func() {
		c.queryMu.Lock()
		delete(c.queries, id)
		c.queryMu.Unlock()
	}

	env, err := NewQueryEnvelope(id, c.executor.ID(), jobSpec, spec)
	if err == nil {
		err = c.write(ctx, env)
	}
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to send query %s: %w", spec.Key(), err)
	}

	timer := time.NewTimer(queryTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("coordinator query failed: %s", resp.Error)
		}
		if !resp.Found {
			return nil, fmt.Errorf("%w: %s", ErrValueNotFound, spec.Key())
		}
		return resp.Value, nil
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("query %s timed out", spec.Key())
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

func (c *NodeClient) write(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("coordinator channel is down")
	}

	writeCtx, cancel := context.WithTimeout(ctx, clientWriteWait)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(writeCtx, websocket.MessageBinary, data)
}

func (c *NodeClient) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting || c.stopped {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		attempt++
		delay := backoff(attempt)
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting to coordinator")

		select {
		case <-time.After(delay):
		case <-c.stopChan:
			return
		}

		if err := c.Connect(); err != nil {
			c.log.Error().Err(err).Int("attempt", attempt).Msg("reconnection failed")
			continue
		}

		c.mu.RLock()
		ctx := c.connCtx
		c.mu.RUnlock()
		go c.readLoop(ctx)
		return
	}
}

func backoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
