// Package protocol defines the WebSocket message types exchanged between the
// browser terminal and the gateway. Structured messages are JSON; anything
// that does not parse as a known message is treated as raw terminal input so
// plain keystroke streams keep working.
package protocol

import (
	"encoding/json"
)

// MessageType identifies the kind of message on the wire.
type MessageType string

const (
	// Client → Gateway
	MsgInput  MessageType = "input"
	MsgResize MessageType = "resize"

	// Gateway → Client
	MsgSession MessageType = "session"
	MsgError   MessageType = "error"
	MsgWarning MessageType = "warning"
)

// ClientMessage is an inbound frame from the browser.
type ClientMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data,omitempty"` // input payload
	Cols uint16      `json:"cols,omitempty"` // resize
	Rows uint16      `json:"rows,omitempty"` // resize
}

// SessionMessage announces the assigned session identifier on connect.
type SessionMessage struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

// ErrorMessage carries a short, human-readable diagnostic before close.
type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// WarningMessage is a non-fatal advisory (e.g. message-rate approach).
type WarningMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// NewSession builds the session announcement frame.
func NewSession(id string) SessionMessage {
	return SessionMessage{Type: MsgSession, ID: id}
}

// NewError builds an error frame.
func NewError(msg string) ErrorMessage {
	return ErrorMessage{Type: MsgError, Error: msg}
}

// NewWarning builds a warning frame.
func NewWarning(msg string) WarningMessage {
	return WarningMessage{Type: MsgWarning, Message: msg}
}

// ParseClient decodes an inbound frame. When the payload is not a JSON
// object carrying a known type, it is returned as raw passthrough input.
func ParseClient(data []byte) ClientMessage {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err == nil {
		switch msg.Type {
		case MsgInput, MsgResize:
			return msg
		}
	}
	return ClientMessage{Type: MsgInput, Data: string(data)}
}
