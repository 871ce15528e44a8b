// Package notify delivers signed webhook alerts about batch chains to
// statically configured endpoints.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

// Event types dispatched by the service.
const (
	EventIntegrityViolation = "chain.integrity_violation"
	EventAnchorConfirmed    = "anchor.confirmed"
	EventAnchorFailed       = "anchor.failed"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-Traceledger-Signature"

// Target is one webhook endpoint. An empty Events list subscribes to all.
type Target struct {
	URL    string
	Secret string
	Events []string
}

func (t Target) wants(eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Event is the JSON body posted to targets.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier fans events out to targets. Deliveries run in the background
// with retries; Close waits for them.
type Notifier struct {
	targets    []Target
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a Notifier.
func New(targets []Target, logger *zap.Logger) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		targets:    targets,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Backoff before attempts 2 and 3.
		delays: []time.Duration{time.Second, 5 * time.Second},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// Dispatch sends the event to every subscribed target. It never blocks.
// After Close it drops the event.
func (n *Notifier) Dispatch(eventType string, payload map[string]string) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("notify: marshal event", zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.logger.Debug("notify: dispatch after close dropped", zap.String("event_type", eventType))
		return
	}
	for _, t := range n.targets {
		if !t.wants(eventType) {
			continue
		}
		n.wg.Add(1)
		go func(t Target) {
			defer n.wg.Done()
			n.deliver(t, eventType, body)
		}(t)
	}
}

// IntegrityViolation is a tracechain violation hook.
func (n *Notifier) IntegrityViolation(batchID string, v tracechain.Verification) {
	payload := map[string]string{
		"batch_id":          batchID,
		"failure":           string(v.Failure),
		"breaking_event_id": v.BreakingEventID,
		"message":           v.Message,
	}
	if v.BreakingIndex != nil {
		payload["breaking_index"] = fmt.Sprint(*v.BreakingIndex)
	}
	n.Dispatch(EventIntegrityViolation, payload)
}

// AnchorOutcome reports the final anchoring status of a milestone event.
func (n *Notifier) AnchorOutcome(e *tracechain.TraceEvent, status tracechain.AnchorStatus, txHash string) {
	payload := map[string]string{
		"batch_id":   e.BatchID,
		"event_id":   e.ID,
		"event_type": string(e.EventType),
	}
	switch status {
	case tracechain.AnchorSuccess:
		payload["tx_hash"] = txHash
		n.Dispatch(EventAnchorConfirmed, payload)
	case tracechain.AnchorFailed:
		n.Dispatch(EventAnchorFailed, payload)
	}
}

// Close waits for in-flight deliveries, retries included, until ctx is done
// and then abandons whatever is left.
func (n *Notifier) Close(ctx context.Context) {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		n.cancel()
		<-done
	}
	n.cancel()
}

func (n *Notifier) deliver(t Target, eventType string, body []byte) {
	signature := signPayload(body, t.Secret)

	attempts := len(n.delays) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(n.delays[attempt-2]):
			case <-n.ctx.Done():
				return
			}
		}

		success, errMsg := n.doDelivery(t.URL, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(success)
		}
		if success {
			return
		}

		n.logger.Warn("notify: delivery failed",
			zap.String("url", t.URL),
			zap.String("event_type", eventType),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

func (n *Notifier) doDelivery(url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, ""
	}
	return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

// signPayload computes an HMAC-SHA256 signature. Targets without a secret
// receive unsigned requests.
func signPayload(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
