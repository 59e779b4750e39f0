package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/pkg/logger"
)

// maxBodyBytes bounds a single HTTP request body (including batches).
const maxBodyBytes = 4 << 20

// HandlerFunc handles one JSON-RPC method call.
type HandlerFunc func(ctx context.Context, req *Request) (any, *Error)

// Authorizer decides whether a caller may invoke a method. Implementations
// read caller identity from the context placed there by transport middleware.
type Authorizer interface {
	Authorize(ctx context.Context, method string) *Error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, method string) *Error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, method string) *Error {
	return f(ctx, method)
}

// Mux dispatches JSON-RPC requests to registered handlers.
type Mux struct {
	mu            sync.RWMutex
	handlers      map[string]HandlerFunc
	notifications map[string]struct{}
	auth          Authorizer
	log           logger.Logger
	tracer        trace.Tracer
}

// NewMux creates an empty dispatcher.
func NewMux(log logger.Logger, auth Authorizer) *Mux {
	if log == nil {
		log = logger.Global()
	}
	return &Mux{
		handlers:      make(map[string]HandlerFunc),
		notifications: make(map[string]struct{}),
		auth:          auth,
		log:           log,
		tracer:        otel.Tracer("taskmesh/rpc"),
	}
}

// Handle registers a handler for a method name. Last registration wins.
func (m *Mux) Handle(method string, h HandlerFunc) {
	m.mu.Lock()
	m.handlers[method] = h
	m.mu.Unlock()
}

// AllowNotification marks a method as callable without an ID. Only
// fire-and-forget control operations should be allowed here.
func (m *Mux) AllowNotification(method string) {
	m.mu.Lock()
	m.notifications[method] = struct{}{}
	m.mu.Unlock()
}

// Dispatch executes a single request and returns its response, or nil for an
// accepted notification.
func (m *Mux) Dispatch(ctx context.Context, req *Request) *Response {
	if envErr := req.ValidateEnvelope(); envErr != nil {
		return NewErrorResponse(req.ID, envErr)
	}

	m.mu.RLock()
	handler, ok := m.handlers[req.Method]
	_, notifiable := m.notifications[req.Method]
	m.mu.RUnlock()

	if !ok {
		if req.IsNotification() {
			return nil
		}
		return NewErrorResponse(req.ID, Errorf(CodeMethodNotFound, "method %q not found", req.Method))
	}
	if req.IsNotification() && !notifiable {
		// Notifications are accepted for control operations only; silently
		// dropping work submissions would violate at-least-once.
		return NewErrorResponse(nil, Errorf(CodeInvalidRequest, "method %q requires an id", req.Method))
	}

	if m.auth != nil {
		if authErr := m.auth.Authorize(ctx, req.Method); authErr != nil {
			if req.IsNotification() {
				return nil
			}
			return NewErrorResponse(req.ID, authErr)
		}
	}

	ctx, span := m.tracer.Start(ctx, "rpc."+req.Method,
		trace.WithAttributes(attribute.String("rpc.method", req.Method)))
	defer span.End()

	result, rpcErr := m.callHandler(ctx, handler, req)
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
		span.SetAttributes(attribute.Int("rpc.error_code", rpcErr.Code))
		if req.IsNotification() {
			m.log.WarnContext(ctx, "notification failed",
				"method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
			return nil
		}
		return NewErrorResponse(req.ID, rpcErr)
	}
	if req.IsNotification() {
		return nil
	}
	return NewResponse(req.ID, result)
}

func (m *Mux) callHandler(ctx context.Context, handler HandlerFunc, req *Request) (result any, rpcErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.ErrorContext(ctx, "rpc handler panic", "method", req.Method, "panic", r)
			result, rpcErr = nil, Errorf(CodeInternal, "internal error in %s", req.Method)
		}
	}()
	return handler(ctx, req)
}

// ServeHTTP terminates JSON-RPC over HTTP POST, including batch requests.
// Each batch sub-call is dispatched independently and its errors are isolated.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "jsonrpc requires POST", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, NewErrorResponse(nil, NewError(CodeInvalidRequest, "unreadable body")))
		return
	}

	batch, single, parseErr := decodeBody(body)
	if parseErr != nil {
		writeJSON(w, NewErrorResponse(nil, parseErr))
		return
	}

	ctx := r.Context()
	if single != nil {
		resp := m.Dispatch(ctx, single)
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, resp)
		return
	}

	responses := make([]*Response, 0, len(batch))
	for i := range batch {
		if resp := m.Dispatch(ctx, &batch[i]); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, responses)
}

// decodeBody parses either a single request object or a non-empty batch.
func decodeBody(body []byte) ([]Request, *Request, *Error) {
	trimmed := firstNonSpace(body)
	switch trimmed {
	case '[':
		var batch []Request
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, nil, NewError(CodeInvalidRequest, "malformed batch")
		}
		if len(batch) == 0 {
			return nil, nil, NewError(CodeInvalidRequest, "empty batch")
		}
		return batch, nil, nil
	case '{':
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, nil, NewError(CodeInvalidRequest, "malformed request")
		}
		return nil, &req, nil
	default:
		return nil, nil, NewError(CodeInvalidRequest, "body must be a JSON object or array")
	}
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return c
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}
