// Package v1 defines the easel realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the relay, the smoke tool and browser clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by the gateway.
const Subprotocol = "easel.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello announces the client (client -> server).
	TypeHello = "hello"
	// TypeHelloAck returns the connection identity (server -> client).
	TypeHelloAck = "helloAck"

	// TypeJoinRoom subscribes the connection to a session (client -> server).
	TypeJoinRoom = "joinRoom"
	// TypeLeaveRoom unsubscribes the connection (client -> server).
	TypeLeaveRoom = "leaveRoom"
	// TypeRoomJoined confirms a completed join (server -> joining client).
	TypeRoomJoined = "roomJoined"
	// TypeJoinFailed rejects a join or an event for a session the connection does not hold (server -> requester).
	TypeJoinFailed = "joinFailed"
	// TypeLoadState carries the canvas snapshot during catch-up (server -> joining client).
	TypeLoadState = "loadState"
	// TypeChatHistory carries the persisted chat log during catch-up (server -> joining client).
	TypeChatHistory = "chatHistory"

	// TypeStartPath opens a stroke (client -> server -> peers).
	TypeStartPath = "startPath"
	// TypeWhiteboardUpdate extends a stroke or draws a shape (client -> server -> peers).
	TypeWhiteboardUpdate = "whiteboardUpdate"
	// TypeEndDrawing closes a stroke (client -> server -> peers).
	TypeEndDrawing = "endDrawing"
	// TypeClearCanvas blanks the canvas (client -> server -> peers).
	TypeClearCanvas = "clearCanvas"
	// TypeCanvasReplace overwrites the whole canvas, e.g. after a local undo (client -> server -> peers).
	TypeCanvasReplace = "canvasReplace"

	// TypeChatMessage is a chat line (client -> server -> all subscribers, origin included).
	TypeChatMessage = "chatMessage"
	// TypeUserTyping marks the sender as typing (client -> server -> peers).
	TypeUserTyping = "userTyping"
	// TypeUserTypingStopped clears the typing mark (client -> server -> peers).
	TypeUserTypingStopped = "userTypingStopped"
	// TypeCursorMove is a cursor position update (client -> server -> peers).
	TypeCursorMove = "cursorMove"

	// TypeUserJoined announces a new subscriber (server -> peers).
	TypeUserJoined = "userJoined"
	// TypeUserLeft announces a departed subscriber (server -> peers).
	TypeUserLeft = "userLeft"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// KnownType reports whether typ is part of protocol v1.
func KnownType(typ string) bool {
	switch typ {
	case TypeHello,
		TypeHelloAck,
		TypeJoinRoom,
		TypeLeaveRoom,
		TypeRoomJoined,
		TypeJoinFailed,
		TypeLoadState,
		TypeChatHistory,
		TypeStartPath,
		TypeWhiteboardUpdate,
		TypeEndDrawing,
		TypeClearCanvas,
		TypeCanvasReplace,
		TypeChatMessage,
		TypeUserTyping,
		TypeUserTypingStopped,
		TypeCursorMove,
		TypeUserJoined,
		TypeUserLeft,
		TypeError:
		return true
	default:
		return false
	}
}

// ClientType reports whether typ may be sent by a client.
func ClientType(typ string) bool {
	switch typ {
	case TypeHello,
		TypeJoinRoom,
		TypeLeaveRoom,
		TypeStartPath,
		TypeWhiteboardUpdate,
		TypeEndDrawing,
		TypeClearCanvas,
		TypeCanvasReplace,
		TypeChatMessage,
		TypeUserTyping,
		TypeUserTypingStopped,
		TypeCursorMove:
		return true
	default:
		return false
	}
}

// SessionScoped extracts the sessionID shared by every session-scoped payload.
type SessionScoped struct {
	SessionID string `json:"sessionID"`
}
