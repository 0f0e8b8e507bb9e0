package jsonrpcx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/samber/oops"
)

// Version is the only protocol version accepted
const Version = "2.0"

// JSON-RPC 2.0 error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      any    `json:"id,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is a server-initiated message without an id, used on the
// SSE stream
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification for method
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

type contextKey string

const errorKey contextKey = "jsonrpc_error"

// ParseRequest reads and validates a JSON-RPC 2.0 request body
func ParseRequest(r *http.Request) (*Request, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, oops.In("jsonrpc").Code("PARSE_ERROR").Wrapf(err, "read request body")
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, oops.In("jsonrpc").Code("PARSE_ERROR").Wrapf(err, "decode request")
	}
	if req.JSONRPC != Version {
		return nil, oops.
			In("jsonrpc").
			Code("INVALID_REQUEST").
			With("jsonrpc", req.JSONRPC).
			Errorf("unsupported jsonrpc version")
	}
	return &req, nil
}

// DecodeParams unmarshals req.Params into dst. Missing params leave dst untouched.
func DecodeParams(req *Request, dst any) error {
	trimmed := bytes.TrimSpace(req.Params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return oops.In("jsonrpc").Code("INVALID_PARAMS").Wrapf(err, "decode params")
	}
	return nil
}

// Success sends a successful JSON-RPC 2.0 response
func Success(w http.ResponseWriter, id any, result any) {
	Write(w, Response{JSONRPC: Version, Result: result, ID: id})
}

// Failure sends an error JSON-RPC 2.0 response
func Failure(w http.ResponseWriter, id any, code int, message string) {
	Write(w, Response{JSONRPC: Version, Error: &Error{Code: code, Message: message}, ID: id})
}

// WithError attaches an error response to the request so the error adapter
// middleware writes it after the handler returns
func WithError(r *http.Request, id any, code int, message string) {
	response := &Response{
		JSONRPC: Version,
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
	*r = *r.WithContext(context.WithValue(r.Context(), errorKey, response))
}

// ErrorFrom returns the error response attached by WithError, if any
func ErrorFrom(ctx context.Context) (*Response, bool) {
	resp, ok := ctx.Value(errorKey).(*Response)
	return resp, ok
}

// CodeFor maps an oops error code onto a JSON-RPC error code
func CodeFor(err error) int {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return InternalError
	}
	switch oopsErr.Code() {
	case "PARSE_ERROR":
		return ParseError
	case "INVALID_REQUEST":
		return InvalidRequest
	case "INVALID_PARAMS", "INVALID_POSITION", "INVALID_DURATION":
		return InvalidParams
	default:
		return InternalError
	}
}

// Write sends a JSON-RPC 2.0 response. JSON-RPC always answers with HTTP 200.
func Write(w http.ResponseWriter, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// RequestT documents a request carrying params of type T
type RequestT[T any] struct {
	JSONRPC string `json:"jsonrpc" example:"2.0"`
	Method  string `json:"method,omitempty"`
	Params  T      `json:"params"`
	ID      any    `json:"id,omitempty"`
}

// ResponseT documents a successful response carrying a result of type T
type ResponseT[T any] struct {
	JSONRPC string `json:"jsonrpc" example:"2.0"`
	Result  T      `json:"result"`
	ID      any    `json:"id,omitempty"`
}

// ErrorResponse documents an error response
type ErrorResponse struct {
	JSONRPC string `json:"jsonrpc" example:"2.0"`
	Error   Error  `json:"error"`
	ID      any    `json:"id,omitempty"`
}
