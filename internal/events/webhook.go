package events

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shiftdb/shift/internal/state"
)

const (
	queueSize  = 1024
	maxRetries = 3
)

// defaultBackoff holds the production retry delays.
var defaultBackoff = [maxRetries]time.Duration{
	1 * time.Second,
	5 * time.Second,
	25 * time.Second,
}

// WebhookSink POSTs events to a single endpoint as JSON, signing the body
// with HMAC-SHA256 when a secret is configured.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	logger  *slog.Logger
	queue   chan state.Event
	done    chan struct{}
	wg      sync.WaitGroup
	backoff [maxRetries]time.Duration // per-instance; tests override without touching globals
}

// NewWebhookSink creates a WebhookSink and starts its background worker.
func NewWebhookSink(url, secret string, logger *slog.Logger) *WebhookSink {
	s := &WebhookSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		queue:   make(chan state.Event, queueSize),
		done:    make(chan struct{}),
		backoff: defaultBackoff,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Publish adds an event to the delivery queue.
// Non-blocking: drops events if the queue is full.
func (s *WebhookSink) Publish(e state.Event) {
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("webhook queue full, dropping event",
			"runID", e.RunID, "kind", e.Kind, "seq", e.Seq)
	}
}

// Close signals the worker to stop and waits for it to finish.
func (s *WebhookSink) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *WebhookSink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case e, ok := <-s.queue:
			if !ok {
				return
			}
			s.deliver(e)
		}
	}
}

func (s *WebhookSink) deliver(e state.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("failed to marshal event payload", "error", err)
		return
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.backoff[attempt])
		}

		req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			s.logger.Error("failed to create webhook request", "error", err, "url", s.url)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		if s.secret != "" {
			req.Header.Set("X-Shift-Signature", Sign(s.secret, payload))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			s.logger.Warn("webhook delivery failed",
				"url", s.url, "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		s.logger.Warn("webhook returned non-2xx",
			"url", s.url, "status", resp.StatusCode, "attempt", attempt+1)
	}
	s.logger.Error("webhook delivery exhausted retries",
		"url", s.url, "runID", e.RunID, "seq", e.Seq)
}

// Sign computes the HMAC-SHA256 signature of body using the given secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
