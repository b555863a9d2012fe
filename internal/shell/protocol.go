package shell

import (
	"encoding/json"
)

// Frame types
const (
	TypeAuth   = "auth"
	TypeInput  = "input"
	TypeResize = "resize"

	TypeConnected  = "connected"
	TypeData       = "data"
	TypeError      = "error"
	TypeDisconnect = "disconnect"
)

// Terminal size bounds
const (
	DefaultRows = 24
	DefaultCols = 80
	MaxRows     = 200
	MaxCols     = 500
)

// ClientMessage is one of AuthMessage, InputMessage or ResizeMessage.
type ClientMessage interface {
	clientMessage()
}

// AuthMessage opens the SSH session as Username.
type AuthMessage struct {
	Username string
}

// InputMessage carries keystrokes for the PTY.
type InputMessage struct {
	Data string
}

// ResizeMessage changes the PTY window.
type ResizeMessage struct {
	Rows int
	Cols int
}

func (AuthMessage) clientMessage()   {}
func (InputMessage) clientMessage()  {}
func (ResizeMessage) clientMessage() {}

type wireFrame struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Data     string `json:"data,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ParseClientMessage decodes an inbound frame. Malformed frames and unknown
// types return ok=false and are meant to be dropped.
func ParseClientMessage(raw []byte) (ClientMessage, bool) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}

	switch f.Type {
	case TypeAuth:
		if f.Username == "" {
			return nil, false
		}
		return AuthMessage{Username: f.Username}, true
	case TypeInput:
		return InputMessage{Data: f.Data}, true
	case TypeResize:
		if f.Rows <= 0 || f.Cols <= 0 {
			return nil, false
		}
		return ResizeMessage{Rows: min(f.Rows, MaxRows), Cols: min(f.Cols, MaxCols)}, true
	default:
		return nil, false
	}
}

// ServerMessage is an outbound frame.
type ServerMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func Connected() ServerMessage       { return ServerMessage{Type: TypeConnected} }
func Data(s string) ServerMessage    { return ServerMessage{Type: TypeData, Data: s} }
func Error(msg string) ServerMessage { return ServerMessage{Type: TypeError, Message: msg} }
func Disconnect() ServerMessage      { return ServerMessage{Type: TypeDisconnect} }
