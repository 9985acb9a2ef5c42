// Package jsonrpc holds the JSON-RPC 2.0 envelope codec, the registry that
// correlates in-flight requests with their responses, and the router that
// fans server notifications out to subscribers.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strconv"
)

const VERSION = "2.0"

type Kind int

const (
	KindResponse Kind = iota + 1
	KindErrorResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error_response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint64 `json:"id"`
}

// Message is a decoded incoming frame. Which fields are set depends on Kind.
type Message struct {
	Kind   Kind
	ID     uint64
	Result json.RawMessage
	Error  *RPCError
	Method string
	Params json.RawMessage
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Encode builds a request frame. The id comes from the Registry.
func Encode(method string, params any, id uint64) ([]byte, error) {
	if method == "" {
		return nil, NewDecodeError("request method cannot be empty", nil)
	}
	return json.Marshal(&Request{
		JSONRPC: VERSION,
		Method:  method,
		Params:  params,
		ID:      id,
	})
}

// Decode classifies a frame as a response, an error response or a
// notification. Anything else is a *DecodeError.
func Decode(frame []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, NewDecodeError("invalid JSON", err)
	}

	if env.JSONRPC != "" && env.JSONRPC != VERSION {
		return nil, NewDecodeError("unsupported jsonrpc version "+strconv.Quote(env.JSONRPC), nil)
	}

	hasID := len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null"))

	if !hasID {
		if env.Method == "" {
			if env.Error != nil {
				return nil, NewDecodeError("error response without id: "+env.Error.Error(), nil)
			}
			return nil, NewDecodeError("frame has neither id nor method", nil)
		}
		return &Message{
			Kind:   KindNotification,
			Method: env.Method,
			Params: env.Params,
		}, nil
	}

	id, err := parseID(env.ID)
	if err != nil {
		return nil, err
	}

	switch {
	case env.Error != nil:
		return &Message{Kind: KindErrorResponse, ID: id, Error: env.Error}, nil
	case env.Result != nil:
		return &Message{Kind: KindResponse, ID: id, Result: env.Result}, nil
	case env.Method != "":
		return nil, NewDecodeError("server requests are not supported: "+env.Method, nil)
	default:
		return nil, NewDecodeError("response has neither result nor error", nil)
	}
}

// parseID accepts numeric ids and numeric strings; ids are always issued
// as unsigned integers so anything else cannot match a pending call.
func parseID(raw json.RawMessage) (uint64, error) {
	text := string(raw)
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}
	id, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, NewDecodeError("unsupported id "+string(raw), err)
	}
	return id, nil
}
