package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/racai-ai/saroj/internal/common"
	"github.com/racai-ai/saroj/internal/schema"
)

// StatusOK is the status a step reports when it succeeded.
const StatusOK = "OK"

// maxReplyBytes bounds how much of a step reply is read.
const maxReplyBytes = 1 << 20

// StepReply is the JSON reply of a processing step.
type StepReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StepCaller invokes one pipeline step with its resolved arguments.
// Implementations return TransportError, ProtocolError or StepError.
type StepCaller interface {
	Call(ctx context.Context, step Step, endpoint string, args map[string]string) (StepReply, error)
}

// HTTPStepCaller posts the arguments as the form field "input" holding a
// JSON object, which is what the step services read.
type HTTPStepCaller struct {
	client   *http.Client
	timeout  time.Duration
	failures uint32
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// CallerOption configures an HTTPStepCaller.
type CallerOption func(*HTTPStepCaller)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) CallerOption {
	return func(h *HTTPStepCaller) { h.client = c }
}

// WithBreaker sets how many consecutive transport failures open an
// endpoint's breaker and how long it stays open.
func WithBreaker(failures uint32, cooldown time.Duration) CallerOption {
	return func(h *HTTPStepCaller) {
		h.failures = failures
		h.cooldown = cooldown
	}
}

func NewHTTPStepCaller(timeout time.Duration, logger *slog.Logger, opts ...CallerOption) *HTTPStepCaller {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HTTPStepCaller{
		client:   &http.Client{},
		timeout:  timeout,
		failures: 5,
		cooldown: 30 * time.Second,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Call sends one step request. The per-call timeout bounds the whole
// exchange; the caller's context can cut it shorter.
func (h *HTTPStepCaller) Call(ctx context.Context, step Step, endpoint string, args map[string]string) (StepReply, error) {
	label := step.Label()
	payload, err := json.Marshal(args)
	if err != nil {
		return StepReply{}, common.ProtocolError(fmt.Sprintf("Invalid request for %s", label))
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	out, err := h.breaker(endpoint).Execute(func() (interface{}, error) {
		return h.post(ctx, endpoint, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			h.logger.Warn("step.http.breaker_open", "endpoint", endpoint, "step", step.Name)
		}
		return StepReply{}, common.TransportError(fmt.Sprintf("No answer on %s", label), err)
	}
	raw := out.([]byte)

	if err := schema.ValidateStepReply(raw); err != nil {
		h.logger.Warn("step.http.invalid_reply", "endpoint", endpoint, "error", err, "bytes", len(raw))
		return StepReply{}, common.ProtocolError(fmt.Sprintf("Invalid JSON on %s", label))
	}
	var reply StepReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return StepReply{}, common.ProtocolError(fmt.Sprintf("Invalid JSON on %s", label))
	}
	if reply.Status != StatusOK {
		return reply, common.StepError(fmt.Sprintf("Error on %s: %s", label, reply.Message))
	}
	return reply, nil
}

// post performs the HTTP exchange. Only failures to get a 2xx reply are
// errors here; those are what trip the breaker.
func (h *HTTPStepCaller) post(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	reqID := uuid.New().String()
	start := time.Now()

	form := url.Values{"input": {string(payload)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		h.logger.Error("step.http.build_request_error", "req_id", reqID, "error", err)
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Request-ID", reqID)

	h.logger.Info("step.http.request",
		"req_id", reqID,
		"url", endpoint,
		"content_length", len(payload),
	)

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Error("step.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			h.logger.Warn("step.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	h.logger.Info("step.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return raw, nil
}

func (h *HTTPStepCaller) breaker(endpoint string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[endpoint]; ok {
		return cb
	}
	failures := h.failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     h.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("step.breaker.state", "endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	h.breakers[endpoint] = cb
	return cb
}
