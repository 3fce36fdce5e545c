package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
)

var (
	// ErrParse is returned when a payload is not valid JSON.
	ErrParse = errors.New("jsonrpc: parse error")
	// ErrInvalidMessage is returned when valid JSON matches no envelope shape.
	ErrInvalidMessage = errors.New("jsonrpc: invalid message")
)

const unknownErrorMessage = "Unknown error"

type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// EncodeRequest serializes a request. Nil params are sent as an empty object.
func EncodeRequest(id, method string, params interface{}) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("request %s: id cannot be empty", method)
	}
	if method == "" {
		return nil, fmt.Errorf("request method cannot be empty")
	}
	return json.Marshal(Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  paramsOrEmpty(params),
	})
}

// EncodeNotification serializes a notification. The envelope has no id member.
func EncodeNotification(method string, params interface{}) ([]byte, error) {
	if method == "" {
		return nil, fmt.Errorf("notification method cannot be empty")
	}
	return json.Marshal(Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  paramsOrEmpty(params),
	})
}

// EncodeResult serializes a success response. A nil result is sent as an empty object.
func EncodeResult(id string, result interface{}) ([]byte, error) {
	return json.Marshal(NewResult(id, result))
}

// EncodeError serializes an error response.
func EncodeError(id string, code int, message string, data interface{}) ([]byte, error) {
	return json.Marshal(NewError(id, code, message, data))
}

// NewResult builds a success response.
func NewResult(id string, result interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Result:  paramsOrEmpty(result),
	}
}

// NewError builds an error response.
func NewError(id string, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

func paramsOrEmpty(v interface{}) interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v
}

// Decode parses and classifies an inbound payload.
//
// A non-null id with an error member is an error response, a non-null id with a
// result member is a success response, a non-null id with a method is a request and
// a method without an id is a notification.
func Decode(payload []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	hasID := present(w.ID)
	msg := &Message{
		Params: w.Params,
		Result: w.Result,
	}
	if w.Method != nil {
		msg.Method = *w.Method
	}

	if hasID {
		id, err := NormalizeID(w.ID)
		if err != nil {
			return nil, err
		}
		msg.ID = id

		switch {
		case present(w.Error):
			msg.Kind = KindErrorResponse
			msg.Error = decodeError(w.Error)
			return msg, nil
		case len(w.Result) > 0:
			msg.Kind = KindResponse
			return msg, nil
		case msg.Method != "":
			msg.Kind = KindRequest
			return msg, nil
		}
		return nil, fmt.Errorf("%w: id %s without result, error or method", ErrInvalidMessage, id)
	}

	if msg.Method != "" {
		msg.Kind = KindNotification
		return msg, nil
	}
	return nil, fmt.Errorf("%w: no id and no method", ErrInvalidMessage)
}

// NormalizeID converts a raw id to its opaque string form. Integers are rendered in
// decimal so ids sent as 7 and "7" compare equal.
func NormalizeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty id", ErrInvalidMessage)
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: id: %v", ErrInvalidMessage, err)
		}
		return s, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("%w: id: %v", ErrInvalidMessage, err)
		}
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		return n.String(), nil
	default:
		return "", fmt.Errorf("%w: id must be a string or number, got %s", ErrInvalidMessage, string(raw))
	}
}

func decodeError(raw json.RawMessage) *Error {
	var e Error
	if err := json.Unmarshal(raw, &e); err == nil {
		if e.Message == "" {
			e.Message = unknownErrorMessage
		}
		return &e
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return &Error{Code: InternalError, Message: text}
	}
	return &Error{Code: InternalError, Message: unknownErrorMessage}
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// IDGenerator hands out monotonically increasing decimal ids starting at 1.
type IDGenerator struct {
	last atomic.Int64
}

// NewIDGenerator creates a generator whose first id is "1".
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns the next id. Ids are never reused until Reset.
func (g *IDGenerator) Next() string {
	return strconv.FormatInt(g.last.Add(1), 10)
}

// Reset restarts the sequence for a new session.
func (g *IDGenerator) Reset() {
	g.last.Store(0)
}
