package internal

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"huddle/internal/call"
	"huddle/internal/chat"
	"huddle/internal/identity"
)

const sessionKeyLength = 12

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// Any mode should respect Ctrl+C so the user can bail out quickly.
		if typedMessage.Type == tea.KeyCtrlC {
			model.shutdown()
			return model, tea.Quit
		}
		switch model.mode {
		case modeMenu:
			return model.updateMenu(typedMessage)
		case modeNamePrompt:
			return model.updateNamePrompt(typedMessage)
		case modeJoinPrompt:
			return model.updateJoinPrompt(typedMessage)
		case modeChat:
			return model.updateChat(typedMessage)
		}

	case signedInMsg:
		model.identity = typedMessage.identity
		model.connectionError = nil
		return model, model.connectCmd()

	case signInFailedMsg:
		model.connectionError = typedMessage.err
		var authErr *identity.AuthError
		if errors.As(typedMessage.err, &authErr) {
			model.addError(fmt.Sprintf("Sign-in failed after %d attempt(s): %v", authErr.Attempts, authErr.Err))
		} else {
			model.addError(fmt.Sprintf("Sign-in failed: %v", typedMessage.err))
		}
		return model, nil

	case connectedMsg:
		model.conn = typedMessage.conn
		model.isConnected = true
		model.connectionError = nil
		return model, model.readOnceCmd()

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case disconnectedMsg:
		model.isConnected = false
		if model.conn != nil {
			_ = model.conn.Close()
			model.conn = nil
		}
		model.connectionError = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeChat && !model.isConnected && model.identity != nil {
			return model, model.connectCmd()
		}
		return model, nil

	case snapshotMsg:
		model.feed.Apply(typedMessage.messages)
		model.messages = model.feed.Messages()
		return model, model.readOnceCmd()

	case sentMsg:
		if typedMessage.id != "" && typedMessage.id == model.pendingID {
			model.pendingID = ""
			model.textInput.SetValue("")
		}
		return model, model.readOnceCmd()

	case sendFailedMsg:
		if typedMessage.id == "" || typedMessage.id == model.pendingID {
			model.pendingID = ""
		}
		model.addError(fmt.Sprintf("Message not sent: %v", typedMessage.err))
		if typedMessage.fromServer {
			return model, model.readOnceCmd()
		}
		return model, nil

	case noticeMsg:
		model.addNotice(typedMessage.text)
		return model, model.readOnceCmd()

	case listingMsg:
		model.addNotice(typedMessage.text)
		return model, nil

	case askResultMsg:
		if typedMessage.err != nil {
			model.addError(fmt.Sprintf("Assistant unavailable: %v", typedMessage.err))
			return model, nil
		}
		model.addNotice(fmt.Sprintf("assistant: %s", typedMessage.reply))
		return model, nil

	case uploadDoneMsg:
		if typedMessage.err != nil {
			model.addError(fmt.Sprintf("Upload failed: %v", typedMessage.err))
			return model, nil
		}
		msg := typedMessage.message
		model.cache.Put(msg.ID, msg.FileType, typedMessage.data)
		model.pendingID = msg.ID
		return model, model.sendCmd(msg)

	case participantsMsg:
		if typedMessage.err != nil {
			model.addError(fmt.Sprintf("Could not list participants: %v", typedMessage.err))
			return model, nil
		}
		model.addNotice(participantsText(typedMessage.participants))
		return model, nil

	case existsMsg:
		if typedMessage.err != nil {
			model.addError(fmt.Sprintf("Error checking session: %v", typedMessage.err))
			return model, nil
		}
		if !typedMessage.exists {
			model.addNotice("Session not found. Try again or create a session.")
			return model, nil
		}
		model.sessionID = typedMessage.key
		return model, model.enterChat()

	case callReadyMsg:
		if typedMessage.peer == "" {
			model.addNotice("Waiting for someone else to start the call…")
		}
		return model, nil

	case callFailedMsg:
		model.addError(fmt.Sprintf("Call: %v", typedMessage.err))
		return model, nil

	case callStateMsg:
		model.callState = typedMessage.to
		model.callPeer = typedMessage.peer
		model.callError = typedMessage.err
		if typedMessage.to == call.Closed && typedMessage.err != nil {
			model.addError(fmt.Sprintf("Call ended: %v", typedMessage.err))
		}
		return model, model.waitForEvent()

	case callErrorMsg:
		model.addError(fmt.Sprintf("Call: %v", typedMessage.err))
		return model, model.waitForEvent()

	case callPeerMsg:
		model.addNotice("Someone joined the call room.")
		return model, model.waitForEvent()

	case callTrackMsg:
		model.addNotice(fmt.Sprintf("Receiving %s.", typedMessage.kind))
		return model, model.waitForEvent()
	}
	return model, nil
}

func (model *TUIModel) updateMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "j", "J":
		return model, model.promptName(actionJoin)
	case "2", "c", "C":
		return model, model.promptName(actionCreate)
	case "q", "Q", "3", "esc":
		// The menu screens all read the same keys, so "3" acts as an easy quit.
		model.shutdown()
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) promptName(action actionType) tea.Cmd {
	model.pendingAction = action
	model.mode = modeNamePrompt
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "Enter display name…"
	model.textInput.Prompt = "name> "
	return model.textInput.Focus()
}

func (model *TUIModel) backToMenu() {
	model.pendingAction = actionNone
	model.mode = modeMenu
	model.textInput.SetValue("")
	model.textInput.Blur()
	model.textInput.Placeholder = ""
	model.textInput.Prompt = ""
}

func (model *TUIModel) updateNamePrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			model.addNotice("Display name cannot be empty.")
			return model, nil
		}
		model.username = trimmed
		model.textInput.SetValue("")
		nextAction := model.pendingAction
		model.pendingAction = actionNone
		switch nextAction {
		case actionJoin:
			model.mode = modeJoinPrompt
			model.textInput.Placeholder = "Enter session key…"
			model.textInput.Prompt = "session> "
			return model, model.textInput.Focus()
		case actionCreate:
			model.sessionID = generateSecureKey(sessionKeyLength)
			model.addNotice(inviteText(model.serverURL, model.sessionID))
			return model, model.enterChat()
		default:
			model.backToMenu()
			return model, nil
		}
	case tea.KeyEsc:
		model.backToMenu()
		return model, nil
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateJoinPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.backToMenu()
		return model, nil
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		if !chat.ValidSessionID(trimmed) {
			model.addNotice("Session keys use letters, digits, '-' and '_' only.")
			return model, nil
		}
		// Before we try to dial the websocket, hit the lightweight HTTP check.
		return model, model.existsCmd(trimmed)
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

// enterChat switches to the chat screen and signs in if needed.
func (model *TUIModel) enterChat() tea.Cmd {
	model.mode = modeChat
	model.feed.Reset()
	model.messages = nil
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message…"
	model.textInput.Prompt = "> "
	focusCmd := model.textInput.Focus()
	if model.identity != nil && model.identity.Username == model.username {
		return tea.Batch(focusCmd, model.connectCmd())
	}
	model.identity = nil
	return tea.Batch(focusCmd, model.signInCmd())
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type == tea.KeyEsc {
		model.shutdown()
		return model, tea.Quit
	}
	if key.Type != tea.KeyEnter {
		var command tea.Cmd
		model.textInput, command = model.textInput.Update(key)
		return model, command
	}

	trimmed := strings.TrimSpace(model.textInput.Value())
	if strings.HasPrefix(trimmed, "/") {
		return model.runCommand(trimmed)
	}
	if trimmed == "" {
		return model, nil
	}
	if !model.isConnected || model.identity == nil {
		model.addError("Not connected yet; your message is still in the input.")
		return model, nil
	}
	msg := chat.Message{
		ID:         uuid.NewString(),
		Sender:     model.identity.UserID,
		SenderName: model.identity.Username,
		Text:       trimmed,
		Type:       chat.TypeText,
	}
	model.pendingID = msg.ID
	return model, model.sendCmd(msg)
}

func (model *TUIModel) runCommand(line string) (tea.Model, tea.Cmd) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	clearInput := func() { model.textInput.SetValue("") }

	switch strings.ToLower(name) {
	case "/quit", "/exit":
		model.shutdown()
		return model, tea.Quit
	case "/ask":
		if arg == "" {
			model.addNotice("Usage: /ask <question>")
			return model, nil
		}
		clearInput()
		model.addNotice("you asked: " + arg)
		return model, model.askCmd(arg)
	case "/who":
		clearInput()
		return model, model.whoCmd()
	case "/game":
		clearInput()
		model.runGame(arg)
		return model, nil
	}

	if model.identity == nil {
		model.addError("Not signed in yet.")
		return model, nil
	}
	switch strings.ToLower(name) {
	case "/upload":
		clearInput()
		return model, model.uploadCmd(arg)
	case "/call":
		clearInput()
		return model, model.callCmd()
	case "/hangup":
		clearInput()
		return model, model.hangupCmd()
	}
	model.addNotice(fmt.Sprintf("Unknown command %s. Try /ask, /game, /upload, /call, /hangup, /who or /quit.", name))
	return model, nil
}

func participantsText(participants []participantDTO) string {
	if len(participants) == 0 {
		return "Nobody is here yet."
	}
	parts := make([]string, 0, len(participants))
	for _, p := range participants {
		parts = append(parts, fmt.Sprintf("%s (%s)", p.Username, p.Status))
	}
	return "In this session: " + strings.Join(parts, ", ")
}
