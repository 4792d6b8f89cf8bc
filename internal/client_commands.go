package internal

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"huddle/internal/chat"
	"huddle/internal/identity"
	"huddle/internal/media"
)

// messages produced by commands
type (
	signedInMsg      struct{ identity *identity.Identity }
	signInFailedMsg  struct{ err error }
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	disconnectedMsg  struct{ err error }
	reconnectMsg     struct{}
	snapshotMsg      struct{ messages []chat.Message }
	sentMsg          struct{ id string }
	sendFailedMsg    struct {
		id         string
		err        error
		fromServer bool
	}
	noticeMsg    struct{ text string }
	listingMsg   struct{ text string }
	askResultMsg struct {
		prompt, reply string
		err           error
	}
	uploadDoneMsg struct {
		message chat.Message
		data    []byte
		err     error
	}
	existsMsg struct {
		key    string
		exists bool
		err    error
	}
	participantsMsg struct {
		participants []participantDTO
		err          error
	}
)

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	// we schedule a future poke that nudges Update to try the connection again.
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// waitForEvent relays one call event into Update; Update re-arms it.
func (model *TUIModel) waitForEvent() tea.Cmd {
	events := model.events
	return func() tea.Msg {
		return <-events
	}
}

func (model *TUIModel) signInCmd() tea.Cmd {
	base, username := model.serverURL, model.username
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ident, err := identity.SignIn(ctx, base, username, identity.SignInOptions{})
		if err != nil {
			return signInFailedMsg{err: err}
		}
		return signedInMsg{identity: ident}
	}
}

// websocket dial
func (model *TUIModel) connectCmd() tea.Cmd {
	base, sessionID, token := model.serverURL, model.sessionID, model.identity.Token
	return func() tea.Msg {
		sessionURL, err := buildSessionURL(base, sessionID, token)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, sessionURL, nil)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// HTTP GET against the session endpoint so we can warn the user before joining
func (model *TUIModel) existsCmd(key string) tea.Cmd {
	base := model.serverURL
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		_, err := apiGetSession(ctx, base, key)
		if errors.Is(err, errSessionNotFound) {
			return existsMsg{key: key}
		}
		if err != nil {
			return existsMsg{key: key, err: err}
		}
		return existsMsg{key: key, exists: true}
	}
}

// readOnceCmd reads one frame from the session feed
func (model *TUIModel) readOnceCmd() tea.Cmd {
	conn := model.conn
	return func() tea.Msg {
		if conn == nil {
			return disconnectedMsg{err: fmt.Errorf("websocket not connected")}
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return disconnectedMsg{err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var frame sessionFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				return noticeMsg{text: strings.TrimSpace(string(payload))}
			}
			switch frame.Type {
			case frameSnapshot:
				return snapshotMsg{messages: frame.Messages}
			case frameSent:
				return sentMsg{id: frame.ID}
			case frameError:
				return sendFailedMsg{id: frame.ID, err: errors.New(frame.Error), fromServer: true}
			case frameSystem:
				return noticeMsg{text: frame.Text}
			}
		}
	}
}

func (model *TUIModel) sendCmd(msg chat.Message) tea.Cmd {
	conn, mu := model.conn, model.writeMutex
	return func() tea.Msg {
		if conn == nil {
			return sendFailedMsg{id: msg.ID, err: fmt.Errorf("not connected")}
		}
		encoded, err := json.Marshal(sessionFrame{Type: frameSend, Message: &msg})
		if err != nil {
			return sendFailedMsg{id: msg.ID, err: err}
		}
		mu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, encoded)
		mu.Unlock()
		if err != nil {
			return sendFailedMsg{id: msg.ID, err: err}
		}
		return nil
	}
}

func (model *TUIModel) askCmd(prompt string) tea.Cmd {
	base := model.serverURL
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
		defer cancel()
		reply, err := apiAsk(ctx, base, prompt)
		return askResultMsg{prompt: prompt, reply: reply, err: err}
	}
}

func (model *TUIModel) whoCmd() tea.Cmd {
	base, sessionID := model.serverURL, model.sessionID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		sess, err := apiGetSession(ctx, base, sessionID)
		if err != nil {
			return participantsMsg{err: err}
		}
		return participantsMsg{participants: sess.Participants}
	}
}

// uploadCmd stores a local file as an attachment and builds the message that
// references it. A directory is listed instead.
func (model *TUIModel) uploadCmd(path string) tea.Cmd {
	base, sessionID, token := model.serverURL, model.sessionID, model.identity.Token
	sender, senderName := model.identity.UserID, model.identity.Username
	return func() tea.Msg {
		if path == "" {
			path = getDefaultBrowsePath()
		}
		if strings.HasPrefix(path, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[2:])
			}
		}
		info, err := os.Stat(path)
		if err != nil {
			return uploadDoneMsg{err: err}
		}
		if info.IsDir() {
			items, err := browseDirectory(path)
			if err != nil {
				return uploadDoneMsg{err: err}
			}
			return listingMsg{text: listingText(path, items)}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return uploadDoneMsg{err: err}
		}
		contentType, msgType := detectFileType(path, data)
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		att, err := apiUpload(ctx, base, token, sessionID, filepath.Base(path), contentType, data)
		if err != nil {
			return uploadDoneMsg{err: err}
		}
		return uploadDoneMsg{
			message: chat.Message{
				ID:            uuid.NewString(),
				Sender:        sender,
				SenderName:    senderName,
				Text:          att.Name,
				Type:          msgType,
				FileName:      att.Name,
				FileSize:      att.Size,
				FileType:      att.ContentType,
				AttachmentKey: att.Key,
			},
			data: data,
		}
	}
}

func (model *TUIModel) callCmd() tea.Cmd {
	calls, sessionID, token := model.calls, model.sessionID, model.identity.Token
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callDialTimeout)
		defer cancel()
		peer, err := calls.Start(ctx, sessionID, token)
		if err != nil {
			return callFailedMsg{err: err}
		}
		return callReadyMsg{peer: peer}
	}
}

func (model *TUIModel) hangupCmd() tea.Cmd {
	calls := model.calls
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		if err := calls.Hangup(ctx); err != nil {
			return callFailedMsg{err: err}
		}
		return nil
	}
}

// RunClient is the entry for bubbletea
func RunClient(opts ClientOptions) error {
	base, err := normalizeServerURL(opts.ServerURL)
	if err != nil {
		return err
	}
	opts.ServerURL = base
	model := NewTUIModel(opts)
	defer model.shutdown()
	program := tea.NewProgram(model)
	_, err = program.Run()
	return err
}

func buildSessionURL(base, sessionID, token string) (string, error) {
	return websocketURL(base, "/ws/session", url.Values{"session": {sessionID}, "token": {token}})
}

// make shareable session code using base32
func generateSecureKey(length int) string {
	if length < 8 {
		length = 8
	}
	// base32 encoding gets 1.6 bytes per char
	byteLen := (length * 5) / 8
	if (length*5)%8 != 0 {
		byteLen++
	}
	b := make([]byte, byteLen)
	_, _ = rand.Read(b)
	//  base32 without padding, uppercase A-Z2-7
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
	if len(enc) >= length {
		return enc[:length]
	}
	return enc
}

func inviteText(serverURL, sessionID string) string {
	var sb strings.Builder
	sb.WriteString("Invite others with:\n  ")
	sb.WriteString("huddle client --server ")
	sb.WriteString(serverURL)
	sb.WriteString(" --user <name> ")
	sb.WriteString(sessionID)
	return sb.String()
}

// attachmentURL makes a resolved source absolute against the server base.
func attachmentURL(base string, src media.Source) string {
	if strings.HasPrefix(src.URL, "/") {
		return base + src.URL
	}
	return src.URL
}
