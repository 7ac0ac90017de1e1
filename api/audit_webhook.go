package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// webhookQueueSize bounds the outbound audit queue.
	webhookQueueSize = 1024
	webhookTimeout   = 10 * time.Second
	webhookAttempts  = 2
)

// webhookEvent is the JSON payload POSTed to the audit endpoint.
type webhookEvent struct {
	Event     string            `json:"event"`
	TenantID  string            `json:"tenant_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Timestamp string            `json:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards audit events to an external HTTP endpoint from a
// background goroutine. Enqueueing never blocks; a full queue drops events.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan webhookEvent
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func newAuditWebhook(url, authHeader string, logger *slog.Logger) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: webhookTimeout},
		logger:     logger.With("component", "audit_webhook"),
		retryDelay: time.Second,
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// close stops accepting events and waits for the queue to drain.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs evt, retrying once on transport errors and 5xx responses.
func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		status, err := w.post(body)
		switch {
		case err != nil:
			w.logger.Warn("request failed", "error", err, "attempt", attempt)
		case status >= 200 && status < 300:
			return
		case status >= 500:
			w.logger.Warn("server error", "status", status, "attempt", attempt)
		default:
			w.logger.Warn("client error", "status", status, "event", evt.Event)
			return
		}
	}
}

func (w *auditWebhook) post(body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "KurumTakip-Audit-Webhook/1.0")
	if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// webhookEventFrom flattens an audit entry into a webhook payload.
func webhookEventFrom(event AuditEvent, clientIP string, at time.Time, attrs []slog.Attr) webhookEvent {
	evt := webhookEvent{
		Event:     string(event),
		ClientIP:  clientIP,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
	for _, attr := range attrs {
		switch attr.Key {
		case "tenant_id":
			evt.TenantID = attr.Value.String()
		case "session_id":
			evt.SessionID = attr.Value.String()
		default:
			if evt.Attrs == nil {
				evt.Attrs = make(map[string]string)
			}
			evt.Attrs[attr.Key] = attr.Value.String()
		}
	}
	return evt
}
