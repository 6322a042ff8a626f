// Package rpc implements the message bridge between the plugin host and a
// sandboxed worker.
//
// Both sides run the same Bridge over one connection. A request carries a type
// and a correlation id; its reply carries the same id and no type. Events
// carry a type and no id and are never answered.
//
//	host -> worker   {"type":"initialize","id":"...","args":{...}}
//	host -> worker   {"type":"execute","id":"...","method":"greet","args":[...]}
//	worker -> host   {"type":"api_call","id":"...","method":"memory.store","args":{...}}
//	either direction {"id":"...","result":...} or {"id":"...","error":{...}}
//	worker -> host   {"type":"error","error":{...}}
//	worker -> host   {"type":"security","error":{...}}
package rpc

import (
	"encoding/json"

	"github.com/dshills/plugbox/internal/plugin/faults"
)

// Type identifies a message.
type Type string

// Message types.
const (
	TypeInitialize Type = "initialize"
	TypeExecute    Type = "execute"
	TypeAPICall    Type = "api_call"
	TypeError      Type = "error"
	TypeSecurity   Type = "security"
	TypeLog        Type = "log"
)

// IsRequest reports whether messages of this type expect a reply.
func (t Type) IsRequest() bool {
	switch t {
	case TypeInitialize, TypeExecute, TypeAPICall:
		return true
	}
	return false
}

// Message is the single envelope exchanged over a bridge.
type Message struct {
	Type   Type            `json:"type,omitempty"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *faults.Payload `json:"error,omitempty"`
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Type == "" && m.ID != ""
}

// IsEvent reports whether m is a one-way notification.
func (m *Message) IsEvent() bool {
	return m.Type != "" && !m.Type.IsRequest()
}
