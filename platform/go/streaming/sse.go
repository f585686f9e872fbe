package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// heartbeatInterval paces the :ping comments that keep proxies from
	// idling the connection out.
	heartbeatInterval = 15 * time.Second

	// sseRetryMillis is the reconnect delay advertised to EventSource clients.
	sseRetryMillis = 5000

	// sseEventsPerSecond caps data frames per connection; the bucket holds a
	// full second of burst.
	sseEventsPerSecond = 200
)

// SSEDispatcher drains one subscriber onto a server-sent-events response.
// Frames go out in queue order; the token bucket may delay them but never
// reorders, and a trim notice precedes the first frame after any loss.
type SSEDispatcher struct {
	sub     *Subscriber
	w       http.ResponseWriter
	flusher http.Flusher
	limiter *rate.Limiter
	log     *zap.Logger

	heartbeat time.Duration
}

// NewSSEDispatcher binds a subscriber to a response writer. The writer must
// support flushing; plain buffered writers cannot carry a live stream.
func NewSSEDispatcher(sub *Subscriber, w http.ResponseWriter, log *zap.Logger) (*SSEDispatcher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming: response writer does not support flushing")
	}
	return &SSEDispatcher{
		sub:       sub,
		w:         w,
		flusher:   flusher,
		limiter:   rate.NewLimiter(rate.Limit(sseEventsPerSecond), sseEventsPerSecond),
		log:       log,
		heartbeat: heartbeatInterval,
	}, nil
}

// Run writes the stream until the context ends, the subscriber detaches or
// the client goes away. It always detaches the subscriber before returning.
func (d *SSEDispatcher) Run(ctx context.Context) error {
	defer d.sub.Close()

	header := d.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	d.w.WriteHeader(http.StatusOK)

	if err := d.commentf("retry: %d\n\n", sseRetryMillis); err != nil {
		return nil
	}
	if err := d.commentf(":connected\n\n"); err != nil {
		return nil
	}

	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()

	for {
		for {
			event, trimmed, ok := d.sub.TryNext()
			if !ok {
				break
			}
			if err := d.limiter.Wait(ctx); err != nil {
				return nil
			}
			if trimmed > 0 {
				if err := d.commentf(":rate_limited %d events trimmed\n\n", trimmed); err != nil {
					return nil
				}
			}
			if err := d.writeEvent(event); err != nil {
				d.log.Debug("sse subscriber went away", zap.Error(err))
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.sub.Done():
			return nil
		case <-ticker.C:
			if err := d.commentf(":ping\n\n"); err != nil {
				return nil
			}
		case <-d.sub.Wake():
		}
	}
}

func (d *SSEDispatcher) writeEvent(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	if _, err := fmt.Fprintf(d.w, "event: %s\nid: %d\ndata: %s\n\n", event.Name(), event.ID, data); err != nil {
		return err
	}
	d.flusher.Flush()
	return nil
}

func (d *SSEDispatcher) commentf(format string, args ...any) error {
	if _, err := fmt.Fprintf(d.w, format, args...); err != nil {
		return err
	}
	d.flusher.Flush()
	return nil
}
