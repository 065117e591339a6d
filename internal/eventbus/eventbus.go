// Package eventbus is the LISTEN/NOTIFY client (spec.md §4.I): a
// single long-lived pgx connection that issues LISTEN on the
// configurator channel, redelivers NOTIFY payloads to subscribers, and
// reconnects with exponential backoff on connection loss.
//
// Grounded on the teacher's internal/database/postgres connect/health
// state machine (pool.go's Connect/Health shape, retry.go's
// RetryExecutor backoff math), generalized from a pooled query
// executor to one dedicated notification connection.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const channel = "configurator_events"

// Event is a decoded NOTIFY payload.
type Event struct {
	ConfigID string `json:"configId"`
	Version  int64  `json:"version"`
	Kind     string `json:"kind"`
}

// Config controls reconnect backoff and health check cadence.
type Config struct {
	DSN                string
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	BackoffFactor      float64
	JitterFactor       float64
	HealthCheckPeriod  time.Duration
	HealthCheckTimeout time.Duration
}

func DefaultConfig(dsn string) Config {
	return Config{
		DSN:                dsn,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         30 * time.Second,
		BackoffFactor:      2.0,
		JitterFactor:       0.2,
		HealthCheckPeriod:  30 * time.Second,
		HealthCheckTimeout: 5 * time.Second,
	}
}

// ErrorSink receives connection errors the client recovers from on its
// own; callers use it for logging/metrics, not control flow.
type ErrorSink func(err error)

// Client owns one pgx.Conn issuing LISTEN and redelivers NOTIFY
// payloads to Subscribe'd channels. Notify (the write side) uses the
// pool directly via pg_notify and does not go through this connection.
type Client struct {
	cfg    Config
	pool   *pgxpool.Pool
	logger *slog.Logger
	onErr  ErrorSink

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Client. pool is used only for the write side
// (Notify, via pg_notify); the listen side opens its own dedicated
// connection in Start. Start must be called to begin listening.
func New(cfg Config, pool *pgxpool.Pool, logger *slog.Logger, onErr ErrorSink) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if onErr == nil {
		onErr = func(error) {}
	}
	return &Client{
		cfg:         cfg,
		pool:        pool,
		logger:      logger,
		onErr:       onErr,
		subscribers: make(map[int]chan Event),
	}
}

// Notify publishes an event over the write pool via pg_notify,
// satisfying internal/store/postgres.EventPublisher.
func (c *Client) Notify(ctx context.Context, configID string, version int64, kind string) error {
	payload := fmt.Sprintf(`{"configId":%q,"version":%d,"kind":%q}`, configID, version, kind)
	_, err := c.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

// Subscribe registers a channel that receives every Event until ctx is
// done or Unsubscribe is called. The returned channel is buffered;
// a slow consumer drops events rather than blocking the dispatch loop.
func (c *Client) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return ch, unsubscribe
}

// Start connects and begins the reconnect-on-failure listen loop. It
// returns once the first connection attempt succeeds (or ctx is
// cancelled); the loop itself keeps running until Stop.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	conn, err := c.connect(ctx)
	if err != nil {
		cancel()
		return err
	}

	ready := make(chan struct{})
	go c.run(runCtx, conn, ready)
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Stop closes the listen loop and waits for it to exit.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Client) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, c.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("eventbus: listen: %w", err)
	}
	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *pgx.Conn, ready chan struct{}) {
	defer close(c.done)
	close(ready)

	backoff := c.cfg.InitialBackoff
	healthTick := time.NewTicker(c.cfg.HealthCheckPeriod)
	defer healthTick.Stop()

	for {
		notifCtx, cancelWait := context.WithCancel(ctx)
		waitErr := make(chan error, 1)
		go func() {
			n, err := conn.WaitForNotification(notifCtx)
			if err != nil {
				waitErr <- err
				return
			}
			c.dispatch(n)
			waitErr <- nil
		}()

		select {
		case <-ctx.Done():
			cancelWait()
			<-waitErr
			conn.Close(context.Background())
			return

		case <-healthTick.C:
			cancelWait()
			<-waitErr
			hctx, hcancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
			err := conn.Ping(hctx)
			hcancel()
			if err != nil {
				c.onErr(fmt.Errorf("eventbus: health check failed: %w", err))
				conn.Close(context.Background())
				var reconErr error
				conn, reconErr = c.reconnectWithBackoff(ctx, &backoff)
				if reconErr != nil {
					return
				}
			}

		case err := <-waitErr:
			cancelWait()
			if err == nil {
				backoff = c.cfg.InitialBackoff
				continue
			}
			if ctx.Err() != nil {
				conn.Close(context.Background())
				return
			}
			c.onErr(fmt.Errorf("eventbus: listen connection lost: %w", err))
			conn.Close(context.Background())
			var reconErr error
			conn, reconErr = c.reconnectWithBackoff(ctx, &backoff)
			if reconErr != nil {
				return
			}
		}
	}
}

// reconnectWithBackoff retries connect with exponential backoff and
// jitter, mirroring internal/database/postgres/retry.go's nextDelay
// math, until ctx is cancelled.
func (c *Client) reconnectWithBackoff(ctx context.Context, backoff *time.Duration) (*pgx.Conn, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(*backoff):
		}

		conn, err := c.connect(ctx)
		if err == nil {
			*backoff = c.cfg.InitialBackoff
			return conn, nil
		}
		c.onErr(fmt.Errorf("eventbus: reconnect failed: %w", err))

		next := time.Duration(float64(*backoff) * c.cfg.BackoffFactor)
		if next > c.cfg.MaxBackoff {
			next = c.cfg.MaxBackoff
		}
		jitter := time.Duration(float64(next) * c.cfg.JitterFactor * (rand.Float64()*2 - 1))
		*backoff = next + jitter
		if *backoff < 0 {
			*backoff = c.cfg.InitialBackoff
		}
	}
}

func (c *Client) dispatch(n *pgx.Notification) {
	var evt Event
	if err := json.Unmarshal([]byte(n.Payload), &evt); err != nil {
		c.onErr(fmt.Errorf("eventbus: decoding notification payload: %w", err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- evt:
		default:
			c.logger.Warn("eventbus: subscriber buffer full, dropping event",
				"configId", evt.ConfigID, "kind", evt.Kind)
		}
	}
}
