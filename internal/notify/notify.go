// Package notify delivers best-effort webhook events for containers that
// were sealed with a webhook URL.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event names a webhook event.
type Event string

const (
	EventTamper    Event = "tamper_alert"
	EventDestroyed Event = "file_destroyed"
	EventAccessed  Event = "file_accessed"
	EventDenied    Event = "access_denied"
)

// Payload is the JSON body posted to a webhook.
type Payload struct {
	Event          Event     `json:"event"`
	Filename       string    `json:"filename,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Reason         string    `json:"reason,omitempty"`
	ViewsRemaining *int      `json:"views_remaining,omitempty"`
}

// Config tunes delivery.
type Config struct {
	Timeout  time.Duration
	RetryMax int
	// RetryWaitMin and RetryWaitMax bound the backoff between attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultConfig returns a 5s timeout with 3 retries.
func DefaultConfig() Config {
	return Config{
		Timeout:      5 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

// Notifier posts events. The zero value is not usable; call New.
type Notifier struct {
	client *retryablehttp.Client
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a Notifier.
func New(cfg Config) *Notifier {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = cfg.Timeout
	c.RetryMax = cfg.RetryMax
	c.RetryWaitMin = cfg.RetryWaitMin
	c.RetryWaitMax = cfg.RetryWaitMax
	c.Logger = leveledLogger{l: log.Logger}
	return &Notifier{client: c, now: time.Now}
}

// Send posts p to url and waits for the outcome. Any non-2xx final
// response is an error.
func (n *Notifier) Send(ctx context.Context, url string, p Payload) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = n.now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "barvault-webhook/1")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Notify sends p in the background. Failures are logged and dropped. An
// empty url is a no-op.
func (n *Notifier) Notify(url string, p Payload) {
	if url == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := n.Send(ctx, url, p); err != nil {
			log.Warn().Err(err).Str("event", string(p.Event)).Msg("webhook delivery failed")
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// leveledLogger routes retryablehttp's logging through zerolog.
type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{}) { z.l.Warn().Fields(kv).Msg(msg) }
