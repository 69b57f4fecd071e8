package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/common"
	"github.com/racai-ai/saroj/internal/entity"
	"github.com/racai-ai/saroj/internal/schema"
)

const (
	submitPath = "/startAnonymization"
	resultPath = "/getResult"

	maxReplyBytes = 256 << 20
)

// SubmitRequest is a document to anonymize.
type SubmitRequest struct {
	CaseID   string
	DocID    string
	Document []byte
}

// Result is what a poll returned. Document is only set once Status is DONE.
type Result struct {
	Status    constants.TaskStatus
	Document  []byte
	OutputAnn []byte
	Version   string
}

// PollingClient submits documents and waits for their results.
type PollingClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

type Option func(*PollingClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *PollingClient) { p.http = c }
}

// WithTimeout bounds every single request. A client passed through
// WithHTTPClient is copied, never modified.
func WithTimeout(d time.Duration) Option {
	return func(p *PollingClient) {
		if d > 0 {
			c := *p.http
			c.Timeout = d
			p.http = &c
		}
	}
}

func New(baseURL string, logger *slog.Logger, opts ...Option) *PollingClient {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PollingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Submit sends a document and returns the task id.
func (p *PollingClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	doc := base64.StdEncoding.EncodeToString(req.Document)
	input, err := json.Marshal(entity.SubmitInput{CaseID: &req.CaseID, DocID: &req.DocID, Document: &doc})
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+submitPath, bytes.NewReader(input))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	raw, err := p.do(httpReq)
	if err != nil {
		return "", err
	}
	if err := schema.ValidateSubmitReply(raw); err != nil {
		p.logger.Warn("client.submit.invalid_reply", "error", err)
		return "", common.ProtocolError("Invalid submission reply")
	}
	var reply entity.SubmitReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", common.ProtocolError("Invalid submission reply")
	}
	if reply.Status != entity.ReplyOK {
		return "", common.RemoteError(reply.Message)
	}
	p.logger.Info("client.submitted", "task_id", reply.ID, "case_id", req.CaseID, "doc_id", req.DocID)
	return reply.ID, nil
}

// Status polls a task once.
func (p *PollingClient) Status(ctx context.Context, id string) (Result, error) {
	input, err := json.Marshal(entity.ResultInput{ID: &id})
	if err != nil {
		return Result{}, fmt.Errorf("encode poll: %w", err)
	}
	q := url.Values{"input": {string(input)}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+resultPath+"?"+q.Encode(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}

	raw, err := p.do(httpReq)
	if err != nil {
		return Result{}, err
	}
	if err := schema.ValidateResultReply(raw); err != nil {
		p.logger.Warn("client.status.invalid_reply", "task_id", id, "error", err)
		return Result{}, common.ProtocolError("Invalid result reply")
	}
	var reply entity.ResultReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Result{}, common.ProtocolError("Invalid result reply")
	}
	if reply.Status != entity.ReplyOK {
		return Result{}, common.RemoteError(reply.Message)
	}

	res := Result{Status: constants.TaskStatus(reply.Result), Version: reply.Version}
	if res.Status == constants.TaskStatusDone {
		if res.Document, err = base64.StdEncoding.DecodeString(reply.Document); err != nil {
			return Result{}, common.ProtocolError("Invalid document encoding")
		}
		if reply.OutputAnn != "" {
			if res.OutputAnn, err = base64.StdEncoding.DecodeString(reply.OutputAnn); err != nil {
				return Result{}, common.ProtocolError("Invalid annotation encoding")
			}
		}
	}
	return res, nil
}

// AwaitResult polls until the task is DONE. Only "still processing" replies
// are retried; any other reply or failure is returned at once. The wait is
// bounded only by ctx.
func (p *PollingClient) AwaitResult(ctx context.Context, id string, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		res, err := p.Status(ctx, id)
		if err != nil {
			return Result{}, err
		}
		switch res.Status {
		case constants.TaskStatusDone:
			return res, nil
		case constants.TaskStatusScheduled, constants.TaskStatusRunning:
			p.logger.Debug("client.await.pending", "task_id", id, "status", res.Status)
		default:
			return Result{}, common.ProtocolError(fmt.Sprintf("Unexpected result %q", res.Status))
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// do performs the exchange. A reply body is returned whatever the HTTP status
// so the caller can read ERROR replies; only a missing reply is an error here.
func (p *PollingClient) do(req *http.Request) ([]byte, error) {
	resp, err := p.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.logger.Error("client.http.send_error", "url", req.URL.Path, "error", err)
		return nil, common.TransportError(fmt.Sprintf("No answer from %s", p.baseURL), err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			p.logger.Warn("client.http.response_body_close_error", "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, common.TransportError("Incomplete reply", err)
	}
	p.logger.Debug("client.http.response", "url", req.URL.Path, "status", resp.StatusCode, "bytes", len(raw))
	return raw, nil
}
