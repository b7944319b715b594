// Package protocol defines the JSON envelopes exchanged on the agent's
// real-time channel. Requests carry a correlation ID so responses route back
// to the originating caller; pushes are unsolicited server events.
package protocol

import (
	"encoding/json"
	"time"
)

// RPC methods (client → agent).
const (
	MethodPing          = "ping"
	MethodServerStart   = "server.start"
	MethodServerStop    = "server.stop"
	MethodServerStatus  = "server.status"
	MethodServerCommand = "server.command"
	MethodServerInstall = "server.install"
	MethodServerLogs    = "server.logs"
	MethodFileRead      = "file.read"
	MethodFileWrite     = "file.write"
	MethodFileList      = "file.list"
	MethodSystemInfo    = "system.info"
)

// Push events (agent → client).
const (
	EventMetrics     = "metrics.snapshot"
	EventConsoleLine = "console.line"
	EventServerState = "server.state"
)

// Request is a correlated RPC request.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request, matched by ID.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Push is an unsolicited server event.
type Push struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Message is the decoded union of everything that can arrive on the channel.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts,omitempty"`
}

// IsRequest reports whether the message is an RPC request.
func (m *Message) IsRequest() bool { return m.ID != "" && m.Method != "" }

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool { return m.ID != "" && m.Method == "" && m.OK != nil }

// IsPush reports whether the message is an unsolicited event.
func (m *Message) IsPush() bool { return m.Event != "" }

// Decode parses a raw frame into a Message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeRequest marshals an RPC request with the given correlation ID.
func EncodeRequest(id, method string, params any) ([]byte, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Request{ID: id, Method: method, Params: raw})
}

// EncodeResult marshals a success response for the given request ID.
func EncodeResult(id string, result any) ([]byte, error) {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Response{ID: id, OK: true, Result: raw})
}

// EncodeError marshals a failure response for the given request ID.
func EncodeError(id, msg string) ([]byte, error) {
	return json.Marshal(Response{ID: id, OK: false, Error: msg})
}

// EncodePush marshals a server push event.
func EncodePush(event string, payload any, at time.Time) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Push{Event: event, Payload: raw, Timestamp: at})
}
