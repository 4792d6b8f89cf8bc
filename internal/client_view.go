package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"huddle/internal/call"
	"huddle/internal/chat"
	"huddle/internal/media"
)

// pre styled colors, all from lipgloss
var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 1).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	attachmentStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("117")).Underline(true)
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	noticeErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *TUIModel) View() string {
	switch model.mode {
	case modeMenu:
		return model.renderMenuView()
	case modeNamePrompt:
		return model.renderPrompt("Choose a display name", "Others in the session will see this name.")
	case modeJoinPrompt:
		return model.renderPrompt("Join a session", "Enter a session key and press Enter.")
	default:
		return model.renderChatView()
	}
}

func (model *TUIModel) renderMenuView() string {
	title := appTitleStyle.Render("Huddle")
	subtitle := subtitleStyle.Render("Group chat and calls from your terminal")

	options := []string{
		renderMenuOption("1", "Join a session"),
		renderMenuOption("2", "Create a session"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("1) Join  •  2) Create  •  q) Quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderPrompt(title, hint string) string {
	viewSections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()), menuHintStyle.Render("Esc to go back"))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderChatView() string {
	headerSegments := []string{"Huddle"}
	if model.sessionID != "" {
		headerSegments = append(headerSegments, fmt.Sprintf("Session %s", model.sessionID))
	}
	headerSegments = append(headerSegments, fmt.Sprintf("User %s", model.username))
	headerSegments = append(headerSegments, fmt.Sprintf("Server %s", model.serverURL))
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.connectionError != nil:
		statusLine = errorStyle.Render("Connection error: " + model.connectionError.Error())
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	case model.identity == nil:
		statusLine = connectingStyle.Render("Signing in…")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}
	if callLine := model.renderCallStatus(); callLine != "" {
		statusLine = lipgloss.JoinHorizontal(lipgloss.Top, statusLine, dividerStyle, callLine)
	}

	var messageLines []string
	for _, msg := range model.messages {
		messageLines = append(messageLines, model.renderChatMessage(msg))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	sections := []string{header, statusLine, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))}
	if board := model.renderGame(); board != "" {
		sections = append(sections, board)
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections,
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("/ask <question> • /game • /upload <path> • /call • /hangup • /who • /quit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderCallStatus() string {
	switch model.callState {
	case call.Connecting:
		return connectingStyle.Render("Call connecting…")
	case call.Connected:
		return connectedStyle.Render("In call")
	case call.Closed:
		if model.callError != nil {
			return errorStyle.Render("Call failed")
		}
		return statusStyle.Render("Call ended")
	}
	return ""
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(model.notices))
	for _, n := range model.notices {
		style := systemMessageStyle
		if n.isErr {
			style = noticeErrorStyle
		}
		stamp := timestampStyle.Render(fmt.Sprintf("[%s]", n.at.Format("15:04:05")))
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, stamp, " ", style.Render(n.text)))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// renderChatMessage renders a single log line. It stamps the timestamp, picks
// a color for the sender, and indents multi-line messages so they stay legible.
func (model *TUIModel) renderChatMessage(msg chat.Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", time.UnixMilli(msg.Timestamp).Format("15:04:05")))

	sender := msg.SenderName
	if sender == "" {
		sender = msg.Sender
	}
	var nameStyle lipgloss.Style
	if model.identity != nil && msg.Sender == model.identity.UserID {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(sender))
	}
	name := nameStyle.Render(sender)

	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", model.renderBody(msg))
}

func (model *TUIModel) renderBody(msg chat.Message) string {
	src := media.Resolve(msg, model.cache)
	switch src.Kind {
	case media.SourceText:
		return messageBodyStyle.Render(strings.ReplaceAll(msg.Text, "\n", "\n   "))
	case media.SourceFallback:
		return systemMessageStyle.Render("[" + src.Reason + "]")
	case media.SourceInline, media.SourceCached:
		// data URLs are too long to print
		return attachmentStyle.Render(fmt.Sprintf("[%s] %s", msg.Type, attachmentLabel(msg)))
	}
	return attachmentStyle.Render(fmt.Sprintf("[%s] %s %s", msg.Type, attachmentLabel(msg), attachmentURL(model.serverURL, src)))
}

func attachmentLabel(msg chat.Message) string {
	label := msg.FileName
	if label == "" {
		label = msg.Type
	}
	if msg.FileSize > 0 {
		label += " (" + formatFileSize(msg.FileSize) + ")"
	}
	return label
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
