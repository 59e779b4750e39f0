// Package rpc implements the JSON-RPC 2.0 wire protocol used by the
// orchestrator: envelope parsing, the stable error taxonomy, batch handling,
// and dispatch to registered method handlers.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only accepted jsonrpc envelope version.
const Version = "2.0"

// Request is a JSON-RPC 2.0 request envelope. A request without an ID is a
// notification and receives no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// ValidateEnvelope checks the mandatory envelope fields.
func (r *Request) ValidateEnvelope() *Error {
	if r.JSONRPC != Version {
		return Errorf(CodeInvalidRequest, "jsonrpc must be %q", Version)
	}
	if r.Method == "" {
		return NewError(CodeInvalidRequest, "method is required")
	}
	return nil
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse builds a success response for the given request ID.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request ID.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// Error is the JSON-RPC error object with the orchestrator's taxonomy code.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// WithData attaches structured detail to the error and returns it.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// NewError creates an Error with the given taxonomy code.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into a taxonomy Error, defaulting to internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return NewError(CodeInternal, err.Error())
}
