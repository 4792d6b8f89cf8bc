package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"huddle/internal/logger"
)

var ErrClosed = errors.New("signaling: connection closed")

// RelayError is an error frame returned by the relay for a request.
type RelayError struct {
	RoomID string
	Reason string
}

func (e *RelayError) Error() string {
	if e.RoomID == "" {
		return "signaling: " + e.Reason
	}
	return fmt.Sprintf("signaling: room %s: %s", e.RoomID, e.Reason)
}

// Client is one peer's connection to the relay.
type Client struct {
	conn *websocket.Conn
	id   string
	log  *zap.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	onSignal     func(Frame)
	onPeerJoined func(string)
	onPeerLeft   func(string)
	onError      func(error)
	replies      chan Frame

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay and waits for the welcome frame carrying this
// peer's id.
func Dial(ctx context.Context, url string, header http.Header, log *zap.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	var welcome Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != TypeWelcome || welcome.From == "" {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", welcome.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		id:      welcome.From,
		log:     logger.OrNop(log).Named("signaling-client"),
		replies: make(chan Frame, 4),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ID is the peer id the relay assigned to this connection.
func (c *Client) ID() string { return c.id }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) OnSignal(fn func(Frame)) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

func (c *Client) OnPeerJoined(fn func(peerID string)) {
	c.mu.Lock()
	c.onPeerJoined = fn
	c.mu.Unlock()
}

func (c *Client) OnPeerLeft(fn func(peerID string)) {
	c.mu.Lock()
	c.onPeerLeft = fn
	c.mu.Unlock()
}

// OnError receives relay errors that do not answer a pending Join.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Join enters a room and returns the ids of the peers already in it.
func (c *Client) Join(ctx context.Context, roomID string) ([]string, error) {
	if err := c.Send(ctx, Frame{Type: TypeJoinRoom, RoomID: roomID}); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		case f := <-c.replies:
			if f.RoomID != roomID {
				continue
			}
			if f.Type == TypeError {
				return nil, &RelayError{RoomID: roomID, Reason: f.Error}
			}
			var existing []string
			if len(f.Payload) > 0 {
				if err := json.Unmarshal(f.Payload, &existing); err != nil {
					return nil, fmt.Errorf("decode joined: %w", err)
				}
			}
			return existing, nil
		}
	}
}

func (c *Client) Leave(ctx context.Context, roomID string) error {
	return c.Send(ctx, Frame{Type: TypeLeaveRoom, RoomID: roomID})
}

// Send writes one frame. Safe for concurrent use.
func (c *Client) Send(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("send %s: %w", f.Type, err)
	}
	return nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.conn.Close()
	c.conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("malformed frame from relay", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	c.mu.Lock()
	onSignal, onJoined, onLeft, onError := c.onSignal, c.onPeerJoined, c.onPeerLeft, c.onError
	c.mu.Unlock()

	switch {
	case f.Type == TypeJoined:
		c.reply(f)
	case f.Type == TypeError:
		if f.RoomID != "" && f.To == "" {
			c.reply(f)
			return
		}
		if onError != nil {
			onError(&RelayError{RoomID: f.RoomID, Reason: f.Error})
		} else {
			c.log.Debug("relay error", zap.String("error", f.Error))
		}
	case f.Type == TypePeerJoined:
		if onJoined != nil {
			onJoined(f.From)
		}
	case f.Type == TypePeerLeft:
		if onLeft != nil {
			onLeft(f.From)
		}
	case IsSignal(f.Type):
		if onSignal != nil {
			onSignal(f)
		}
	}
}

func (c *Client) reply(f Frame) {
	select {
	case c.replies <- f:
	default:
		c.log.Debug("dropping unsolicited reply", zap.String("type", f.Type))
	}
}
