package internal

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"huddle/internal/call"
	"huddle/internal/logger"
	"huddle/internal/signaling"
)

const callDialTimeout = 10 * time.Second

// callTransport carries call signals over a signaling client.
type callTransport struct {
	client *signaling.Client
}

func (t *callTransport) SendSignal(ctx context.Context, sig call.Signal) error {
	return t.client.Send(ctx, signaling.Frame{Type: string(sig.Type), To: sig.To, Payload: sig.Payload})
}

func (t *callTransport) OnSignal(fn func(call.Signal)) {
	t.client.OnSignal(func(f signaling.Frame) {
		fn(call.Signal{Type: call.SignalType(f.Type), From: f.From, To: f.To, Payload: f.Payload})
	})
}

func (t *callTransport) OnPeerJoined(fn func(string)) { t.client.OnPeerJoined(fn) }

func (t *callTransport) OnPeerLeft(fn func(string)) { t.client.OnPeerLeft(fn) }

type (
	callStateMsg struct {
		from, to call.State
		peer     string
		err      error
	}
	callErrorMsg  struct{ err error }
	callPeerMsg   struct{ peer string }
	callTrackMsg  struct{ kind string }
	callReadyMsg  struct{ peer string }
	callFailedMsg struct{ err error }
)

type callControllerOptions struct {
	ServerURL      string
	ICEServers     []string
	ConnectTimeout time.Duration
	Media          call.MediaSource
	NewPeer        call.PeerFactory
	Events         chan<- tea.Msg
	Logger         *zap.Logger
}

// callController owns the signaling connection and call session for one
// client. Both are created on the first Start.
type callController struct {
	opts callControllerOptions
	log  *zap.Logger

	mu      sync.Mutex
	client  *signaling.Client
	session *call.Session
	roomID  string
}

func newCallController(opts callControllerOptions) *callController {
	if opts.Media == nil {
		opts.Media = &call.SampleSource{StreamID: "huddle"}
	}
	return &callController{opts: opts, log: logger.OrNop(opts.Logger)}
}

// Start joins the call room for sessionID and dials the peer already waiting
// there. With nobody waiting it returns an empty peer and the call begins
// when the next peer dials in.
func (c *callController) Start(ctx context.Context, sessionID, token string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		if st := c.session.State(); st == call.Connecting || st == call.Connected {
			return "", call.ErrBusy
		}
	}
	if err := c.ensureLocked(ctx, token); err != nil {
		return "", err
	}
	peers, err := c.client.Join(ctx, sessionID)
	if err != nil {
		return "", err
	}
	c.roomID = sessionID
	if len(peers) == 0 {
		return "", nil
	}
	if err := c.session.Start(ctx, peers[0]); err != nil {
		return "", err
	}
	return peers[0], nil
}

func (c *callController) ensureLocked(ctx context.Context, token string) error {
	if c.client != nil {
		select {
		case <-c.client.Done():
			c.client = nil
			c.session = nil
		default:
			return nil
		}
	}
	signalURL, err := websocketURL(c.opts.ServerURL, "/ws/signal", url.Values{"token": {token}})
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, callDialTimeout)
	defer cancel()
	client, err := signaling.Dial(dialCtx, signalURL, nil, c.log)
	if err != nil {
		return err
	}
	client.OnError(func(err error) { c.emit(callErrorMsg{err: err}) })
	var session *call.Session
	session, err = call.New(call.Options{
		Transport:      &callTransport{client: client},
		Media:          c.opts.Media,
		NewPeer:        c.opts.NewPeer,
		ICEServers:     c.opts.ICEServers,
		ConnectTimeout: c.opts.ConnectTimeout,
		Sink:           &trackNotifier{emit: c.emit},
		OnStateChange: func(from, to call.State, err error) {
			c.emit(callStateMsg{from: from, to: to, peer: session.Remote(), err: err})
		},
		OnError:      func(err error) { c.emit(callErrorMsg{err: err}) },
		OnPeerJoined: func(peer string) { c.emit(callPeerMsg{peer: peer}) },
		Logger:       c.log,
	})
	if err != nil {
		client.Close()
		return err
	}
	c.client = client
	c.session = session
	return nil
}

// Hangup ends the current call and leaves the room.
func (c *callController) Hangup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return errNoCall
	}
	c.session.Hangup()
	if c.roomID != "" {
		room := c.roomID
		c.roomID = ""
		return c.client.Leave(ctx, room)
	}
	return nil
}

func (c *callController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Hangup()
	}
	if c.client != nil {
		_ = c.client.Close()
	}
	c.client = nil
	c.session = nil
	c.roomID = ""
}

// emit hands a message to the UI without blocking call callbacks.
func (c *callController) emit(msg tea.Msg) {
	if c.opts.Events == nil {
		return
	}
	select {
	case c.opts.Events <- msg:
	default:
		c.log.Debug("ui event dropped")
	}
}

var errNoCall = errors.New("no call in progress")

// trackNotifier reports remote tracks to the UI. The terminal cannot play
// them, so it only announces what is being received.
type trackNotifier struct {
	emit func(tea.Msg)
}

func (n *trackNotifier) Attach(track *webrtc.TrackRemote) {
	n.emit(callTrackMsg{kind: track.Kind().String()})
}

func (n *trackNotifier) Clear() {}
