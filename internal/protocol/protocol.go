// Package protocol defines the JSON-RPC 2.0 message types exchanged with
// downstream MCP servers. Messages are newline-delimited JSON on stdio
// transports and text frames on WebSocket transports; the types here are
// transport-agnostic.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Version is the JSON-RPC protocol version sent on every message.
const Version = "2.0"

// RequestID is a JSON-RPC correlation id. JSON-RPC 2.0 allows both strings
// and numbers on the wire; RequestID preserves whichever form the peer used so
// that responses match requests byte-for-byte. The zero value is invalid.
//
// RequestID is comparable and safe to use as a map key.
type RequestID struct {
	str      string
	num      int64
	isString bool
	valid    bool
}

// NumberID returns a numeric request id.
func NumberID(n int64) RequestID {
	return RequestID{num: n, valid: true}
}

// StringID returns a string request id.
func StringID(s string) RequestID {
	return RequestID{str: s, isString: true, valid: true}
}

// Valid reports whether the id carries a value. Notifications have no id.
func (id RequestID) Valid() bool { return id.valid }

// String renders the id for logging.
func (id RequestID) String() string {
	switch {
	case !id.valid:
		return "<none>"
	case id.isString:
		return id.str
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON writes the id in its original wire form.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}
	if id.isString {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON accepts string, number, or null ids.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = RequestID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("request id must be a string or integer: %w", err)
	}
	*id = NumberID(n)
	return nil
}

// Request is a JSON-RPC 2.0 request. A request without an id is a
// notification and expects no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitzero"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return !r.ID.Valid() }

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitzero"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

var idCounter atomic.Int64

// NextID returns a fresh process-unique numeric request id.
func NextID() RequestID {
	return NumberID(idCounter.Add(1))
}

// NewRequest builds a request with a fresh id. Params may be nil.
func NewRequest(method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params for %s: %w", method, err)
		}
		raw = data
	}
	return &Request{
		JSONRPC: Version,
		ID:      NextID(),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a request with no id. Params may be nil.
func NewNotification(method string, params any) (*Request, error) {
	req, err := NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	req.ID = RequestID{}
	return req, nil
}

// NewResponse builds a success response for the given id.
func NewResponse(id RequestID, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response for the given id.
func NewErrorResponse(id RequestID, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}
