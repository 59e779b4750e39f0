package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/taskmesh/taskmesh/pkg/rpc"
)

// rpcClient is a minimal JSON-RPC 2.0 HTTP client for the control
// plane. Server-side errors come back as *rpc.Error so callers can map
// the taxonomy onto exit codes.
type rpcClient struct {
	endpoint string
	token    string
	hc       *http.Client
	nextID   atomic.Int64
}

func newRPCClient(server, token string, timeout time.Duration) *rpcClient {
	return &rpcClient{
		endpoint: server + "/rpc",
		token:    token,
		hc:       &http.Client{Timeout: timeout},
	}
}

// errUnreachable wraps transport failures so they exit with the
// backend-unavailable code instead of a generic failure.
type errUnreachable struct{ err error }

func (e errUnreachable) Error() string { return fmt.Sprintf("server unreachable: %v", e.err) }
func (e errUnreachable) Unwrap() error { return e.err }

func (c *rpcClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpc.Request{
		JSONRPC: rpc.Version,
		ID:      json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10)),
		Method:  method,
	}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = encoded
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, errUnreachable{err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errUnreachable{err}
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpc.Error      `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
