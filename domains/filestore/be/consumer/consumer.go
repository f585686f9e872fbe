// Package consumer mirrors filestore node lifecycle events into metadata
// records, so filestore state is queryable and streamable next to everything
// else the store holds. Events arrive over a redis channel or, for
// single-process setups and tests, through in-process injection; a single
// worker applies them strictly in arrival order.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-metastore/domains/records/be/repo"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/metrics"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

// Transport defaults and lifecycle limits.
const (
	DefaultChannel        = "apphub:filestore"
	DefaultNamespace      = "filestore"
	DefaultStallThreshold = 90 * time.Second

	// SystemActor is recorded as created_by/updated_by on synced records.
	SystemActor = "filestore-sync"

	inlineURL    = "inline"
	queueSize    = 256
	eventTimeout = 30 * time.Second
	minBackoff   = time.Second
	maxBackoff   = 30 * time.Second
)

// Health states reported through the health endpoint.
const (
	StatusDisabled = "disabled"
	StatusOK       = "ok"
	StatusStalled  = "stalled"
	StatusError    = "error"
)

// ErrClosed rejects injections once shutdown has begun.
var ErrClosed = errors.New("filestore consumer is closed")

// RecordStore is the slice of the records repository the consumer writes
// through. Mutations run inside record transactions so version bumps and
// audit rows ride along exactly as they do for API writers.
type RecordStore interface {
	WithinTx(ctx context.Context, fn func(ops repo.Ops) error) error
	Fetch(ctx context.Context, namespace, key string, includeDeleted bool) (persistence.Record, error)
}

// Config selects the transport and the sync target.
type Config struct {
	Enabled        bool
	RedisURL       string // "inline" switches to in-process injection
	AllowInline    bool
	Channel        string
	Namespace      string
	StallThreshold time.Duration
}

func (c Config) inline() bool { return c.RedisURL == inlineURL }

// Consumer owns the subscription and the work queue. Shutdown drains queued
// events before the transport closes.
type Consumer struct {
	cfg     Config
	store   RecordStore
	log     *zap.Logger
	metrics *metrics.Metrics
	client  *redis.Client

	queue         chan []byte
	closing       chan struct{}
	workerDone    chan struct{}
	transportDone chan struct{}
	cancel        context.CancelFunc
	closeOnce     sync.Once

	mu             sync.Mutex
	started        bool
	connected      bool
	lastObservedAt *time.Time
	processed      int64
	failures       int64
	retries        int64

	now func() time.Time
}

// New validates the transport configuration. A disabled consumer is inert:
// Start and Shutdown are no-ops and health reports "disabled".
func New(store RecordStore, cfg Config, log *zap.Logger, m *metrics.Metrics) (*Consumer, error) {
	if store == nil {
		panic("record store is required")
	}
	if log == nil {
		panic("logger is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = DefaultStallThreshold
	}

	c := &Consumer{
		cfg:           cfg,
		store:         store,
		log:           log,
		metrics:       m,
		queue:         make(chan []byte, queueSize),
		closing:       make(chan struct{}),
		workerDone:    make(chan struct{}),
		transportDone: make(chan struct{}),
		now:           time.Now,
	}
	if !cfg.Enabled {
		return c, nil
	}

	if cfg.inline() {
		if !cfg.AllowInline {
			return nil, errors.New("filestore sync is configured for inline events but inline mode is not allowed")
		}
		return c, nil
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("filestore sync requires a redis url")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse filestore redis url: %w", err)
	}
	c.client = redis.NewClient(opts)
	return c, nil
}

// Start launches the worker and, for redis transports, the subscription loop.
func (c *Consumer) Start() error {
	if !c.cfg.Enabled {
		return nil
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("filestore consumer already started")
	}
	c.started = true
	c.connected = c.cfg.inline()
	c.mu.Unlock()

	go c.work()

	if c.client == nil {
		close(c.transportDone)
		c.log.Info("filestore sync accepting inline events",
			zap.String("namespace", c.cfg.Namespace))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.subscribe(ctx)
	c.log.Info("filestore sync consuming redis events",
		zap.String("channel", c.cfg.Channel),
		zap.String("namespace", c.cfg.Namespace))
	return nil
}

// Shutdown stops intake, drains queued events, then closes the transport.
// It is meant to be called once; ctx bounds how long the drain may take.
func (c *Consumer) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return c.closeClient()
	}

	// The subscription must stop enqueuing before the worker takes its final
	// drain pass, or late arrivals leak.
	select {
	case <-c.transportDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.closeOnce.Do(func() { close(c.closing) })

	select {
	case <-c.workerDone:
	case <-ctx.Done():
		c.log.Warn("filestore queue not fully drained", zap.Error(ctx.Err()))
		return ctx.Err()
	}
	return c.closeClient()
}

func (c *Consumer) closeClient() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Inject feeds one raw event into the queue, bypassing the transport. Inline
// deployments deliver through here.
func (c *Consumer) Inject(raw []byte) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- raw:
		return nil
	case <-c.closing:
		return ErrClosed
	}
}

func (c *Consumer) work() {
	defer close(c.workerDone)
	for {
		select {
		case raw := <-c.queue:
			c.handle(raw)
		case <-c.closing:
			for {
				select {
				case raw := <-c.queue:
					c.handle(raw)
				default:
					return
				}
			}
		}
	}
}

func (c *Consumer) handle(raw []byte) {
	defer func() {
		// One poisoned event must not take the worker down with it.
		if r := recover(); r != nil {
			c.noteFailure()
			c.log.Error("filestore event handling panicked", zap.Any("panic", r))
		}
	}()

	evt, ok, err := parseNodeEvent(raw)
	observed := c.now().UTC()

	c.mu.Lock()
	c.processed++
	c.lastObservedAt = &observed
	c.mu.Unlock()

	if err != nil {
		c.noteFailure()
		c.log.Warn("filestore event rejected", zap.Error(err))
		return
	}
	if !ok {
		c.log.Debug("filestore event skipped", zap.ByteString("event", raw))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := c.apply(ctx, evt, observed); err != nil {
		c.noteFailure()
		c.log.Error("filestore event apply failed",
			zap.String("action", evt.action),
			zap.String("key", evt.key()),
			zap.Error(err))
	}
}

func (c *Consumer) subscribe(ctx context.Context) {
	defer close(c.transportDone)

	backoff := minBackoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.noteRetry()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
		}

		pubsub := c.client.Subscribe(ctx, c.cfg.Channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			c.setConnected(false)
			c.log.Warn("filestore subscribe failed",
				zap.String("channel", c.cfg.Channel),
				zap.Error(err))
			continue
		}

		c.setConnected(true)
		backoff = minBackoff
		c.log.Info("filestore channel subscribed", zap.String("channel", c.cfg.Channel))

		c.pump(ctx, pubsub)
		_ = pubsub.Close()
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("filestore subscription dropped", zap.String("channel", c.cfg.Channel))
	}
}

func (c *Consumer) pump(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case msg, open := <-ch:
			if !open {
				return
			}
			if err := c.Inject([]byte(msg.Payload)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) noteFailure() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.FilestoreFailures.Inc()
	}
}

func (c *Consumer) noteRetry() {
	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.FilestoreRetries.Inc()
	}
}

func (c *Consumer) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// Health is the consumer state snapshot served by the health endpoint.
type Health struct {
	Status                string
	Enabled               bool
	Inline                bool
	Connected             bool
	Namespace             string
	Channel               string
	StallThresholdSeconds float64
	LagSeconds            *float64
	LastObservedAt        *time.Time
	ProcessedTotal        int64
	Failures              int64
	Retries               int64
}

// Health reports the current state machine position: disabled, error when the
// redis transport is down, stalled when the stream went quiet past the
// threshold, otherwise ok. Inline transports count as connected.
func (c *Consumer) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := Health{
		Enabled:               c.cfg.Enabled,
		Inline:                c.cfg.inline(),
		Connected:             c.connected,
		Namespace:             c.cfg.Namespace,
		Channel:               c.cfg.Channel,
		StallThresholdSeconds: c.cfg.StallThreshold.Seconds(),
		LastObservedAt:        c.lastObservedAt,
		ProcessedTotal:        c.processed,
		Failures:              c.failures,
		Retries:               c.retries,
	}

	switch {
	case !c.cfg.Enabled:
		h.Status = StatusDisabled
	case !h.Inline && !c.connected:
		h.Status = StatusError
	default:
		h.Status = StatusOK
		if c.lastObservedAt != nil {
			lag := c.now().Sub(*c.lastObservedAt).Seconds()
			if lag < 0 {
				lag = 0
			}
			h.LagSeconds = &lag
			if lag > h.StallThresholdSeconds {
				h.Status = StatusStalled
			}
		}
	}
	return h
}
