package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalHangup    SignalType = "hangup"
	SignalBusy      SignalType = "busy"
)

// Signal is a call-setup message exchanged with the remote peer. Payload is
// an SDP description for offer/answer and an ICE candidate for candidate.
type Signal struct {
	Type    SignalType      `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Transport is everything the call package needs from the signaling layer.
// Handlers may be invoked from any goroutine.
type Transport interface {
	SendSignal(ctx context.Context, sig Signal) error
	OnSignal(fn func(Signal))
	OnPeerJoined(fn func(peerID string))
	OnPeerLeft(fn func(peerID string))
}

var (
	ErrBusy             = errors.New("call: another call is in progress")
	ErrConnectTimeout   = errors.New("call: timed out waiting for media")
	ErrPeerLeft         = errors.New("call: remote peer left")
	ErrRemoteHangup     = errors.New("call: remote peer hung up")
	ErrICEFailed        = errors.New("call: ice connection failed")
	ErrUnexpectedSignal = errors.New("call: unexpected signal")
	ErrMalformedSignal  = errors.New("call: malformed signal payload")
)

// MediaAccessError means local capture could not be opened. It ends the
// attempt and is not retried.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string { return "call: media access: " + e.Err.Error() }

func (e *MediaAccessError) Unwrap() error { return e.Err }

// SignalingError is a malformed, out-of-order or undeliverable signal.
type SignalingError struct {
	Type SignalType
	Peer string
	Err  error
}

func (e *SignalingError) Error() string {
	if e.Type == "" {
		return "call: signaling: " + e.Err.Error()
	}
	return fmt.Sprintf("call: signaling %s from %q: %v", e.Type, e.Peer, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
