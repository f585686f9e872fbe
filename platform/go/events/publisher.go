// Package events publishes record lifecycle notifications to the shared
// Redis event bus. Publication is best-effort: the bus lags behind the
// database, never the other way around.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/logging"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/metrics"
)

// DefaultChannel is the bus channel record events publish to.
const DefaultChannel = "apphub:events"

// inlineURL disables the bus; used by tests and single-process setups.
const inlineURL = "inline"

// RestoreSource identifies the audit entry a restore was replayed from.
type RestoreSource struct {
	AuditID int64 `json:"auditId"`
	Version int64 `json:"version"`
}

// Payload is the bus-facing view of one record mutation.
type Payload struct {
	Namespace    string         `json:"namespace"`
	Key          string         `json:"key"`
	Actor        *string        `json:"actor"`
	Record       any            `json:"record"`
	Mode         string         `json:"mode,omitempty"`
	RestoredFrom *RestoreSource `json:"restoredFrom,omitempty"`
}

// Envelope frames a payload on the wire.
type Envelope struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	OccurredAt string  `json:"occurredAt"`
	Payload    Payload `json:"payload"`
}

// Publisher wraps PUBLISH against the bus. The connection is established on
// first use so a missing bus only hurts when events actually flow; failures
// are logged and counted but never returned to the caller.
type Publisher struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	url     string
	channel string

	mu     sync.Mutex
	client *redis.Client
}

// NewPublisher configures the publisher. url may be empty or "inline" to
// disable the bus entirely; channel falls back to DefaultChannel.
func NewPublisher(log *zap.Logger, m *metrics.Metrics, url, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{
		log:     log,
		metrics: m,
		url:     url,
		channel: channel,
	}
}

// Enabled reports whether publishes will reach a real bus.
func (p *Publisher) Enabled() bool {
	return p.url != "" && p.url != inlineURL
}

// Publish sends one envelope. eventType is the dotted event name, e.g.
// "metastore.record.created". Errors are swallowed after logging.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload Payload) {
	if !p.Enabled() {
		return
	}

	log := p.log
	if requestLog, ok := logging.FromContext(ctx); ok {
		log = requestLog
	}

	envelope := Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		p.fail(log, eventType, err)
		return
	}

	client, err := p.connect()
	if err != nil {
		p.fail(log, eventType, err)
		return
	}

	if err := client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.fail(log, eventType, err)
	}
}

// Close releases the bus connection if one was ever opened.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

func (p *Publisher) connect() (*redis.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	opts, err := redis.ParseURL(p.url)
	if err != nil {
		return nil, err
	}
	p.client = redis.NewClient(opts)
	return p.client, nil
}

func (p *Publisher) fail(log *zap.Logger, eventType string, err error) {
	if p.metrics != nil {
		p.metrics.EventPublishFailures.Inc()
	}
	log.Warn("event bus publish failed",
		zap.String("eventType", eventType),
		zap.String("channel", p.channel),
		zap.Error(err),
	)
}
