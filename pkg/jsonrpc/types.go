package jsonrpc

import "encoding/json"

// Version is the protocol version stamped on every outbound envelope.
const Version = "2.0"

// JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Kind classifies a decoded inbound message
type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
	KindResponse
	KindErrorResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error_response"
	default:
		return "unknown"
	}
}

// Request represents a JSON-RPC request that expects exactly one response
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Notification represents a one-way JSON-RPC message. It never carries an id.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Response represents a JSON-RPC response
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Message is an inbound envelope after classification.
type Message struct {
	Kind   Kind
	ID     string
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// IsResponse reports whether the message answers a request.
func (m *Message) IsResponse() bool {
	return m.Kind == KindResponse || m.Kind == KindErrorResponse
}

// ParamsMap returns the params object, or an empty map when params are absent or not an object.
func (m *Message) ParamsMap() map[string]interface{} {
	return objectOrEmpty(m.Params)
}

// ResultMap returns the result object, or an empty map when the result is absent or not an object.
func (m *Message) ResultMap() map[string]interface{} {
	return objectOrEmpty(m.Result)
}

// DecodeParams unmarshals params into v.
func (m *Message) DecodeParams(v interface{}) error {
	if len(m.Params) == 0 || string(m.Params) == "null" {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

func objectOrEmpty(raw json.RawMessage) map[string]interface{} {
	out := map[string]interface{}{}
	if len(raw) == 0 {
		return out
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return out
	}
	return obj
}
