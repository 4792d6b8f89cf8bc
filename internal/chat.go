package internal

import "huddle/internal/chat"

const (
	frameSnapshot = "snapshot"
	frameSend     = "send"
	frameSent     = "sent"
	frameError    = "error"
	frameSystem   = "system"
)

// sessionFrame is the json envelope exchanged on the session feed websocket.
type sessionFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Messages  []chat.Message `json:"messages,omitempty"`
	Message   *chat.Message  `json:"message,omitempty"`
	ID        string         `json:"id,omitempty"`
	Key       string         `json:"key,omitempty"`
	Error     string         `json:"error,omitempty"`
	Text      string         `json:"text,omitempty"`
}
