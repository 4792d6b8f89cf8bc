package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"huddle/internal/chat"
	"huddle/internal/identity"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// sessionConn is one websocket on the session feed.
type sessionConn struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	sessionID string
	claims    *identity.Claims
	limiter   *rate.Limiter
}

// ServeSessionWS joins the caller to the session named by the session query
// parameter and streams snapshots until the socket closes.
func (s *Server) ServeSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if !chat.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, chat.ErrInvalidSession)
		return
	}
	claims, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	membership, err := s.channel.Join(r.Context(), sessionID, claims.Subject, claims.Name)
	if err != nil {
		s.log.Error("join failed", zap.String("session", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to join session"))
		return
	}
	s.presence.Increment(sessionID, claims.Subject)
	defer s.release(membership)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	s.metrics.IncConn()
	defer s.metrics.DecConn()

	c := &sessionConn{
		server:    s,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		sessionID: sessionID,
		claims:    claims,
		limiter:   rate.NewLimiter(s.frameRate, s.frameBurst),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unsubscribe, err := s.channel.Subscribe(ctx, sessionID, c.pushSnapshot)
	if err != nil {
		s.log.Error("subscribe failed", zap.String("session", sessionID), zap.Error(err))
		conn.Close()
		return
	}
	defer unsubscribe()

	go c.writePump()
	c.readPump(ctx)
	c.shutdown()
}

// ServeSignalWS hands an authenticated caller to the signaling relay. A call
// room is named after a session and only admits that session's participants.
func (s *Server) ServeSignalWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	s.relay.Serve(w, r, func(roomID string) bool {
		return s.isParticipant(roomID, claims.Subject)
	})
}

func (s *Server) isParticipant(sessionID, userID string) bool {
	if !chat.ValidSessionID(sessionID) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	members, err := s.channel.Participants(ctx, sessionID)
	if err != nil {
		s.log.Warn("list participants", zap.String("session", sessionID), zap.Error(err))
		return false
	}
	for _, p := range members {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// release marks the participant offline once their last connection to the
// session is gone.
func (s *Server) release(m *chat.Membership) {
	if s.presence.Decrement(m.SessionID, m.UserID) > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := m.Leave(ctx); err != nil {
		s.log.Warn("mark offline failed", zap.String("session", m.SessionID), zap.String("user", m.UserID), zap.Error(err))
	}
}

func (c *sessionConn) readPump(ctx context.Context) {
	defer c.conn.Close()
	c.conn.SetReadLimit(c.server.maxPayload())
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame sessionFrame
		if err := json.Unmarshal(payload, &frame); err != nil || frame.Type != frameSend || frame.Message == nil {
			c.enqueue(sessionFrame{Type: frameError, Error: "malformed frame"})
			continue
		}
		if !c.limiter.Allow() {
			c.notifyRateLimit()
			continue
		}
		msg := *frame.Message
		key, _, err := c.server.send(ctx, c.sessionID, c.claims, msg)
		if err != nil {
			c.enqueue(sessionFrame{Type: frameError, ID: msg.ID, Error: err.Error()})
			continue
		}
		id := msg.ID
		if id == "" {
			id = key
		}
		c.enqueue(sessionFrame{Type: frameSent, ID: id, Key: key})
	}
}

func (c *sessionConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *sessionConn) pushSnapshot(msgs []chat.Message) {
	c.enqueue(sessionFrame{Type: frameSnapshot, SessionID: c.sessionID, Messages: msgs})
}

// enqueue hands a frame to the writer. A client too slow to drain its queue
// is disconnected.
func (c *sessionConn) enqueue(frame sessionFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.server.log.Warn("encode frame", zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.server.log.Warn("session client too slow, closing", zap.String("session", c.sessionID), zap.String("user", c.claims.Subject))
		c.shutdown()
	}
}

func (c *sessionConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *sessionConn) notifyRateLimit() {
	c.enqueue(sessionFrame{Type: frameSystem, Text: "You're sending messages too quickly. Please wait a moment and try again."})
}
