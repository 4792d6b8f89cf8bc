package internal

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"huddle/internal/call"
	"huddle/internal/chat"
	"huddle/internal/game"
	"huddle/internal/identity"
	"huddle/internal/logger"
	"huddle/internal/media"
)

const maxNotices = 8

// ClientOptions configures the terminal client.
type ClientOptions struct {
	// ServerURL is the http(s) base of the server, e.g. http://localhost:8080.
	ServerURL string
	SessionID string
	Username  string

	ICEServers     []string
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// tui model struct for all the components and modes
type TUIModel struct {
	textInput textinput.Model
	serverURL string
	sessionID string
	username  string
	identity  *identity.Identity

	feed     chat.Feed
	messages []chat.Message
	notices  []notice
	cache    *media.Cache

	conn            *websocket.Conn
	writeMutex      *sync.Mutex
	isConnected     bool
	connectionError error
	pendingID       string

	match *game.Game

	calls     *callController
	callState call.State
	callPeer  string
	callError error
	events    chan tea.Msg

	mode          appMode
	pendingAction actionType
	log           *zap.Logger
}

type notice struct {
	text  string
	at    time.Time
	isErr bool
}

type appMode int

const (
	modeMenu appMode = iota
	modeNamePrompt
	modeJoinPrompt
	modeChat
)

type actionType int

const (
	actionNone actionType = iota
	actionJoin
	actionCreate
)

func NewTUIModel(opts ClientOptions) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "

	if opts.Username == "" {
		opts.Username = defaultUsername()
	}
	cache, _ := media.NewCache(media.DefaultCacheSize)
	events := make(chan tea.Msg, 16)
	log := logger.OrNop(opts.Logger).Named("client")

	model := &TUIModel{
		textInput:  input,
		serverURL:  opts.ServerURL,
		sessionID:  opts.SessionID,
		username:   opts.Username,
		cache:      cache,
		writeMutex: &sync.Mutex{},
		events:     events,
		log:        log,
	}
	model.calls = newCallController(callControllerOptions{
		ServerURL:      opts.ServerURL,
		ICEServers:     opts.ICEServers,
		ConnectTimeout: opts.ConnectTimeout,
		Events:         events,
		Logger:         log,
	})
	if opts.SessionID == "" {
		model.mode = modeMenu
		model.textInput.Blur()
		model.textInput.Prompt = ""
		model.textInput.Placeholder = ""
	} else {
		model.mode = modeChat
	}
	return model
}

// init user
func defaultUsername() string {
	if user := os.Getenv("HUDDLE_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeChat {
		return tea.Batch(model.waitForEvent(), model.signInCmd())
	}
	return model.waitForEvent()
}

func (model *TUIModel) addNotice(text string) {
	model.pushNotice(notice{text: text, at: time.Now()})
}

func (model *TUIModel) addError(text string) {
	model.pushNotice(notice{text: text, at: time.Now(), isErr: true})
}

func (model *TUIModel) pushNotice(n notice) {
	model.notices = append(model.notices, n)
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}

// shutdown closes the session feed and any call before the program exits.
func (model *TUIModel) shutdown() {
	if model.conn != nil {
		model.writeMutex.Lock()
		_ = model.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client quit"))
		model.writeMutex.Unlock()
		_ = model.conn.Close()
		model.conn = nil
	}
	model.calls.Close()
}
