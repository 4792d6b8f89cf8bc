package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"huddle/internal/chat"
	"huddle/internal/identity"
	"huddle/internal/storage"
)

const maxJSONBody = 1 << 20

var errUnauthorized = errors.New("unauthorized")

type signInRequest struct {
	Username string `json:"username"`
}

type sessionResponse struct {
	ID           string           `json:"id"`
	CreatedAt    time.Time        `json:"createdAt"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	LastActive   time.Time        `json:"lastActive"`
	Participants []participantDTO `json:"participants"`
}

type participantDTO struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	Status     string    `json:"status"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastActive time.Time `json:"lastActive"`
}

type messagesResponse struct {
	SessionID string         `json:"sessionId"`
	Messages  []chat.Message `json:"messages"`
}

func (s *Server) HandleAnonymousSignIn(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.Allow(s.clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many sign-in attempts"))
		return
	}
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.issuer.Issue(req.Username)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidUsername) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.log.Error("issue identity", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("could not sign in"))
		return
	}
	s.metrics.IncSignIn()
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !chat.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, chat.ErrInvalidSession)
		return
	}
	sess, err := s.channel.Session(r.Context(), sessionID)
	if err != nil {
		s.log.Error("read session", zap.String("session", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to read session"))
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	members, err := s.channel.Participants(r.Context(), sessionID)
	if err != nil {
		s.log.Error("list participants", zap.String("session", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to read session"))
		return
	}
	resp := sessionResponse{
		ID:           sess.ID,
		CreatedAt:    sess.CreatedAt,
		ExpiresAt:    sess.ExpiresAt,
		LastActive:   sess.LastActive,
		Participants: make([]participantDTO, 0, len(members)),
	}
	for _, p := range members {
		resp.Participants = append(resp.Participants, participantDTO{
			UserID:     p.UserID,
			Username:   p.Username,
			Status:     p.Status,
			JoinedAt:   p.JoinedAt,
			LastActive: p.LastActive,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticateRequest(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	sessionID := r.PathValue("id")
	msgs, err := s.channel.Snapshot(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidSession) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.log.Error("snapshot", zap.String("session", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to read messages"))
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{SessionID: sessionID, Messages: msgs})
}

func (s *Server) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var msg chat.Message
	if err := decodeJSONLimit(w, r, &msg, s.maxPayload()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, status, err := s.send(r.Context(), r.PathValue("id"), claims, msg)
	if err != nil {
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// send stamps the sender from the token and appends msg. The returned error
// is safe to show to clients.
func (s *Server) send(ctx context.Context, sessionID string, claims *identity.Claims, msg chat.Message) (string, int, error) {
	msg.Sender = claims.Subject
	msg.SenderName = claims.Name
	key, err := s.channel.Send(ctx, sessionID, msg)
	if err == nil {
		s.metrics.IncSent()
		return key, http.StatusCreated, nil
	}
	s.metrics.IncSendFailure()
	switch {
	case errors.Is(err, chat.ErrInvalidSession), errors.Is(err, chat.ErrInvalidMessage):
		return "", http.StatusBadRequest, err
	case errors.Is(err, storage.ErrSessionNotFound):
		return "", http.StatusNotFound, errors.New("session not found")
	}
	s.log.Error("send failed", zap.String("session", sessionID), zap.Error(err))
	return "", http.StatusInternalServerError, errors.New("failed to send")
}

func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	if s.chatbot == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("chatbot is not configured"))
		return
	}
	s.chatbot.ServeHTTP(w, r)
}

func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// authenticateRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter used by websocket clients.
func (s *Server) authenticateRequest(r *http.Request) (*identity.Claims, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return nil, errUnauthorized
		}
		token = strings.TrimSpace(value)
	}
	if token == "" {
		return nil, errUnauthorized
	}
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return nil, errUnauthorized
	}
	return claims, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	return decodeJSONLimit(w, r, out, maxJSONBody)
}

func decodeJSONLimit(w http.ResponseWriter, r *http.Request, out interface{}, limit int64) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
