// Package agent forwards claimed tasks to capability agents over HTTP.
//
// The orchestrator does not run model inference or code generation in
// its own address space. Each non-sandbox capability is backed by an
// agent process reachable at a configured endpoint; the pool handler
// built here ships the task envelope to that endpoint and records the
// agent's response as the task payload. Capabilities without a local
// endpoint are served by external workers over the worker API instead.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskmesh/taskmesh/pkg/api/middleware"
	"github.com/taskmesh/taskmesh/pkg/logger"
	"github.com/taskmesh/taskmesh/pkg/pool"
	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/task"
)

const (
	defaultTimeout     = 5 * time.Minute
	defaultDialRetries = 2

	// maxResponseBytes caps how much of an agent response is read.
	maxResponseBytes = 8 << 20
)

// Client executes tasks for one capability by calling its agent.
type Client struct {
	endpoint string
	client   *http.Client
	log      logger.Logger
	retries  uint64
}

// New creates a client for the agent at endpoint. A non-positive
// timeout falls back to the default; per-task deadlines still apply
// through the job context.
func New(endpoint string, timeout time.Duration, log logger.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = logger.Global()
	}
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.With("component", "agent", "endpoint", endpoint),
		retries:  defaultDialRetries,
	}
}

// envelope is the request body sent to an agent for one attempt.
type envelope struct {
	TaskID        string          `json:"task_id"`
	Method        string          `json:"method"`
	Version       string          `json:"version,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Priority      string          `json:"priority_class"`
	TenantID      string          `json:"tenant_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Attempt       int             `json:"attempt"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`
}

// reply is the agent response body. Payload becomes the task result;
// a checkpoint, if present, is saved so a later attempt can resume.
type reply struct {
	Payload    json.RawMessage `json:"payload"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// Handler returns the worker-pool handler that dispatches claimed
// tasks to the agent.
func (c *Client) Handler() pool.Handler {
	return func(ctx context.Context, job *pool.Job) (json.RawMessage, error) {
		return c.Execute(ctx, job)
	}
}

// Execute ships one attempt to the agent and returns its payload.
func (c *Client) Execute(ctx context.Context, job *pool.Job) (json.RawMessage, error) {
	body, err := json.Marshal(envelopeFor(job.Task, job.Checkpoint()))
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInternal, "encode agent request: %v", err)
	}

	var out reply
	op := func() error {
		return c.post(ctx, body, &out)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.retries), ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, rpc.Errorf(rpc.CodeWorkerFailed, "agent unreachable: %v", err)
	}

	if len(out.Checkpoint) > 0 {
		job.SaveCheckpoint(out.Checkpoint)
	}
	return out.Payload, nil
}

func envelopeFor(t *task.Task, checkpoint json.RawMessage) envelope {
	env := envelope{
		TaskID:        t.ID,
		Method:        t.Method,
		Version:       t.Version,
		Params:        t.Params,
		Priority:      string(t.Priority),
		TenantID:      t.TenantID,
		CorrelationID: t.CorrelationID,
		Attempt:       t.Attempt,
		Checkpoint:    checkpoint,
	}
	if len(env.Checkpoint) == 0 {
		env.Checkpoint = t.Checkpoint
	}
	if !t.Deadline.IsZero() {
		d := t.Deadline
		env.Deadline = &d
	}
	return env
}

// post performs one HTTP attempt. Agent-reported failures are not
// retried here; only transport errors and 5xx responses are.
func (c *Client) post(ctx context.Context, body []byte, out *reply) error {
	req, err := middleware.NewTracingRequest(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read agent response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(rpc.Errorf(rpc.CodeWorkerFailed,
				"agent returned undecodable response").WithData("detail", err.Error()))
		}
		return nil
	case resp.StatusCode >= 500:
		c.log.Warn("agent request failed, will retry", "status", resp.StatusCode)
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	default:
		return backoff.Permanent(agentError(resp.StatusCode, data))
	}
}

// agentError maps a non-retryable agent response to an rpc error. An
// agent may report a structured error in the standard error shape; a
// bare body is wrapped as a worker failure.
func agentError(status int, body []byte) *rpc.Error {
	var e rpc.Error
	if err := json.Unmarshal(body, &e); err == nil && e.Code != 0 {
		return &e
	}
	return rpc.Errorf(rpc.CodeWorkerFailed, "agent rejected task with status %d", status).
		WithData("body", string(body))
}
