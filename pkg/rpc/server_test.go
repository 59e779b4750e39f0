package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestMux(auth Authorizer) *Mux {
	mux := NewMux(nil, auth)
	mux.Handle("echo", func(_ context.Context, req *Request) (any, *Error) {
		var params map[string]any
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, NewError(CodeInvalidParams, "params must be an object")
		}
		return params, nil
	})
	mux.Handle("fail", func(context.Context, *Request) (any, *Error) {
		return nil, NewError(CodeBackpressure, "queue depth above threshold")
	})
	mux.Handle("boom", func(context.Context, *Request) (any, *Error) {
		panic("handler bug")
	})
	mux.Handle("ping", func(context.Context, *Request) (any, *Error) {
		return "pong", nil
	})
	mux.AllowNotification("ping")
	return mux
}

func request(method string, id string, params string) *Request {
	req := &Request{JSONRPC: Version, Method: method}
	if id != "" {
		req.ID = json.RawMessage(id)
	}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return req
}

func TestDispatchSuccess(t *testing.T) {
	mux := newTestMux(nil)

	resp := mux.Dispatch(t.Context(), request("echo", "1", `{"k":"v"}`))
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp)
	}
	if string(resp.ID) != "1" {
		t.Errorf("response id = %s, want 1", resp.ID)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["k"] != "v" {
		t.Errorf("result = %#v, want map with k=v", resp.Result)
	}
}

func TestDispatchEnvelopeValidation(t *testing.T) {
	mux := newTestMux(nil)

	resp := mux.Dispatch(t.Context(), &Request{JSONRPC: "1.0", ID: json.RawMessage("1"), Method: "echo"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("wrong version: error = %+v, want invalid_request", resp.Error)
	}

	resp = mux.Dispatch(t.Context(), &Request{JSONRPC: Version, ID: json.RawMessage("2")})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("missing method: error = %+v, want invalid_request", resp.Error)
	}
}

func TestDispatchMethodNotFound(t *testing.T) {
	mux := newTestMux(nil)

	resp := mux.Dispatch(t.Context(), request("nope", "1", ""))
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v, want method_not_found", resp.Error)
	}

	// Unknown notifications are dropped without a response.
	if resp := mux.Dispatch(t.Context(), request("nope", "", "")); resp != nil {
		t.Fatalf("unknown notification produced a response: %+v", resp)
	}
}

func TestDispatchNotificationPolicy(t *testing.T) {
	mux := newTestMux(nil)

	// ping is allowed as a notification and produces no response.
	if resp := mux.Dispatch(t.Context(), request("ping", "", "")); resp != nil {
		t.Fatalf("allowed notification produced a response: %+v", resp)
	}

	// Work submissions must carry an id.
	resp := mux.Dispatch(t.Context(), request("echo", "", `{}`))
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("id-less echo: error = %+v, want invalid_request", resp)
	}
}

func TestDispatchHandlerPanicIsolated(t *testing.T) {
	mux := newTestMux(nil)

	resp := mux.Dispatch(t.Context(), request("boom", "1", ""))
	if resp.Error == nil || resp.Error.Code != CodeInternal {
		t.Fatalf("error = %+v, want internal", resp.Error)
	}
}

func TestDispatchAuthorizer(t *testing.T) {
	deny := AuthorizerFunc(func(_ context.Context, method string) *Error {
		if strings.HasPrefix(method, "echo") {
			return NewError(CodeUnauthorized, "token lacks scope")
		}
		return nil
	})
	mux := newTestMux(deny)

	resp := mux.Dispatch(t.Context(), request("echo", "1", `{}`))
	if resp.Error == nil || resp.Error.Code != CodeUnauthorized {
		t.Fatalf("error = %+v, want unauthorized", resp.Error)
	}

	resp = mux.Dispatch(t.Context(), request("fail", "2", ""))
	if resp.Error == nil || resp.Error.Code != CodeBackpressure {
		t.Fatalf("authorized method blocked: %+v", resp.Error)
	}
}

func postJSON(t *testing.T, mux *Mux, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTPSingle(t *testing.T) {
	mux := newTestMux(nil)

	rec := postJSON(t, mux, `{"jsonrpc":"2.0","id":7,"method":"echo","params":{"a":1}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(resp.ID) != "7" || resp.Error != nil {
		t.Fatalf("response = %+v", resp)
	}
}

func TestServeHTTPBatch(t *testing.T) {
	mux := newTestMux(nil)

	body := `[
		{"jsonrpc":"2.0","id":1,"method":"echo","params":{}},
		{"jsonrpc":"2.0","id":2,"method":"nope"},
		{"jsonrpc":"2.0","method":"ping"}
	]`
	rec := postJSON(t, mux, body)

	var responses []Response
	if err := json.Unmarshal(rec.Body.Bytes(), &responses); err != nil {
		t.Fatalf("decode batch response: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}
	if responses[0].Error != nil {
		t.Errorf("echo failed in batch: %+v", responses[0].Error)
	}
	if responses[1].Error == nil || responses[1].Error.Code != CodeMethodNotFound {
		t.Errorf("batch error isolation broken: %+v", responses[1].Error)
	}
}

func TestServeHTTPNotificationOnly(t *testing.T) {
	mux := newTestMux(nil)

	rec := postJSON(t, mux, `[{"jsonrpc":"2.0","method":"ping"}]`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestServeHTTPMalformed(t *testing.T) {
	mux := newTestMux(nil)

	for _, body := range []string{`{"jsonrpc":`, `[]`, `"string"`, `[{"jsonrpc":`} {
		rec := postJSON(t, mux, body)
		var resp Response
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("body %q: decode: %v", body, err)
		}
		if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
			t.Errorf("body %q: error = %+v, want invalid_request", body, resp.Error)
		}
		if string(resp.ID) != "null" {
			t.Errorf("body %q: id = %s, want null", body, resp.ID)
		}
	}
}

func TestServeHTTPRejectsGet(t *testing.T) {
	mux := newTestMux(nil)

	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestErrorHelpers(t *testing.T) {
	err := Errorf(CodeQuotaExceeded, "tenant %s over quota", "t-1").WithData("tenant_id", "t-1")
	if err.Error() != "jsonrpc error -32002: tenant t-1 over quota" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Data["tenant_id"] != "t-1" {
		t.Errorf("Data = %#v", err.Data)
	}

	if got := AsError(err); got != err {
		t.Errorf("AsError did not pass through taxonomy error")
	}
	if got := AsError(context.Canceled); got.Code != CodeInternal {
		t.Errorf("AsError(plain) code = %d, want internal", got.Code)
	}
	if AsError(nil) != nil {
		t.Errorf("AsError(nil) != nil")
	}
}

func TestCodeName(t *testing.T) {
	if CodeName(CodeBackpressure) != "backpressure" {
		t.Errorf("CodeName(backpressure) = %q", CodeName(CodeBackpressure))
	}
	if CodeName(12345) != "unknown" {
		t.Errorf("CodeName(12345) = %q", CodeName(12345))
	}
}
