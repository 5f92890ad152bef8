package v1

import "time"

// ---- Handshake ----

// HelloPayload is sent by the client to introduce itself.
type HelloPayload struct {
	DisplayName string `json:"displayName,omitempty"`
	Token       string `json:"token,omitempty"`
}

// HelloAckPayload returns the server-assigned identity of the connection.
type HelloAckPayload struct {
	ConnectionID string `json:"connectionID"`
	UserID       string `json:"userID,omitempty"`
	DisplayName  string `json:"displayName"`
	Color        string `json:"color"`
}

// ---- Rooms ----

// JoinRoomPayload requests a subscription to a session.
type JoinRoomPayload struct {
	SessionID string `json:"sessionID"`
}

// LeaveRoomPayload drops the subscription to a session.
type LeaveRoomPayload struct {
	SessionID string `json:"sessionID"`
}

// ParticipantInfo describes one live participant of a session.
type ParticipantInfo struct {
	ConnectionID string `json:"connectionID"`
	UserID       string `json:"userID,omitempty"`
	DisplayName  string `json:"displayName"`
	Color        string `json:"color"`
}

// RoomJoinedPayload confirms a join once catch-up has been read.
type RoomJoinedPayload struct {
	SessionID    string            `json:"sessionID"`
	RoomID       string            `json:"roomID,omitempty"`
	Participants []ParticipantInfo `json:"participants"`
}

// JoinFailedPayload rejects a join (or an event for a session that is not joined).
type JoinFailedPayload struct {
	SessionID string `json:"sessionID"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// LoadStatePayload carries the persisted canvas to a joining connection.
// Snapshot is empty when the session has never been drawn on.
type LoadStatePayload struct {
	SessionID       string `json:"sessionID"`
	Snapshot        []byte `json:"snapshot,omitempty"`
	SnapshotVersion int64  `json:"snapshotVersion"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
}

// ChatHistoryPayload carries the persisted chat log to a joining connection.
type ChatHistoryPayload struct {
	SessionID string               `json:"sessionID"`
	Messages  []ChatMessagePayload `json:"messages"`
}

// UserPresencePayload announces userJoined / userLeft.
type UserPresencePayload struct {
	SessionID    string `json:"sessionID"`
	ConnectionID string `json:"connectionID"`
	DisplayName  string `json:"displayName,omitempty"`
	Color        string `json:"color,omitempty"`
}

// ---- Drawing ----

// StartPathPayload opens a stroke.
type StartPathPayload struct {
	SessionID    string  `json:"sessionID"`
	ConnectionID string  `json:"connectionID,omitempty"`
	StartX       float64 `json:"startX"`
	StartY       float64 `json:"startY"`
	StrokeWidth  float64 `json:"strokeWidth"`
	StrokeColor  string  `json:"strokeColor"`
	Seq          int64   `json:"seq,omitempty"`
}

// WhiteboardUpdatePayload extends the current stroke (freehand) or draws a shape.
type WhiteboardUpdatePayload struct {
	SessionID    string  `json:"sessionID"`
	ConnectionID string  `json:"connectionID,omitempty"`
	FromX        float64 `json:"fromX"`
	FromY        float64 `json:"fromY"`
	ToX          float64 `json:"toX"`
	ToY          float64 `json:"toY"`
	StrokeWidth  float64 `json:"strokeWidth"`
	StrokeColor  string  `json:"strokeColor"`
	ToolKind     string  `json:"toolKind"`
	Seq          int64   `json:"seq,omitempty"`
}

// EndDrawingPayload closes a stroke.
type EndDrawingPayload struct {
	SessionID    string `json:"sessionID"`
	ConnectionID string `json:"connectionID,omitempty"`
	Seq          int64  `json:"seq,omitempty"`
}

// ClearCanvasPayload blanks the canvas.
type ClearCanvasPayload struct {
	SessionID    string `json:"sessionID"`
	ConnectionID string `json:"connectionID,omitempty"`
	Seq          int64  `json:"seq,omitempty"`
}

// CanvasReplacePayload overwrites the whole canvas.
// Snapshot accepts raw image bytes (base64 in JSON); DataURL accepts a "data:image/png;base64,..." string.
type CanvasReplacePayload struct {
	SessionID    string `json:"sessionID"`
	ConnectionID string `json:"connectionID,omitempty"`
	Snapshot     []byte `json:"snapshot,omitempty"`
	DataURL      string `json:"dataURL,omitempty"`
	Seq          int64  `json:"seq,omitempty"`
}

// ---- Chat & presence ----

// ChatMessagePayload is a chat line. MessageID and ServerTimestamp are assigned by the relay.
type ChatMessagePayload struct {
	SessionID         string    `json:"sessionID"`
	MessageID         string    `json:"messageID,omitempty"`
	SenderID          string    `json:"senderID"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Text              string    `json:"text"`
	ServerTimestamp   time.Time `json:"serverTimestamp,omitempty"`
}

// UserTypingPayload marks typing start/stop.
type UserTypingPayload struct {
	SessionID         string `json:"sessionID"`
	ConnectionID      string `json:"connectionID,omitempty"`
	SenderDisplayName string `json:"senderDisplayName"`
}

// CursorMovePayload is a cursor update. ConnectionID and Color are filled in by the relay.
type CursorMovePayload struct {
	SessionID    string  `json:"sessionID"`
	ConnectionID string  `json:"connectionID,omitempty"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Color        string  `json:"color,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
