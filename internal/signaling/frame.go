package signaling

import "encoding/json"

const (
	TypeJoinRoom   = "join-room"
	TypeLeaveRoom  = "leave-room"
	TypeWelcome    = "welcome"
	TypeJoined     = "joined"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeError      = "error"

	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeHangup    = "hangup"
	TypeBusy      = "busy"
)

// Frame is the single wire message of the signaling websocket in both
// directions. From is always set by the relay, never trusted from clients.
type Frame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsSignal reports whether t is a peer-to-peer signal the relay forwards.
func IsSignal(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeHangup, TypeBusy:
		return true
	}
	return false
}

func errorFrame(msg string) Frame {
	return Frame{Type: TypeError, Error: msg}
}
