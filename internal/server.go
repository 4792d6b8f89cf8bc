package internal

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"huddle/internal/chat"
	"huddle/internal/identity"
	"huddle/internal/logger"
	"huddle/internal/media"
	"huddle/internal/signaling"
)

const (
	defaultAuthRate   = rate.Limit(1)
	defaultAuthBurst  = 5
	defaultFrameRate  = rate.Limit(5.0 / 3.0)
	defaultFrameBurst = 5
)

type ServerOptions struct {
	Channel *chat.Channel
	Issuer  *identity.Issuer
	// Media serves attachments. Upload routes answer 503 without it.
	Media *media.Service
	// Chatbot handles /api/chat. The route answers 503 without it.
	Chatbot http.Handler
	// Relay handles /ws/signal.
	Relay   *signaling.Relay
	Metrics *Metrics
	Logger  *zap.Logger

	AuthRate   rate.Limit
	AuthBurst  int
	FrameRate  rate.Limit
	FrameBurst int
	// TrustProxy makes clientIP honour X-Forwarded-For.
	TrustProxy bool
}

// Server exposes the message channel, attachments, identity, chatbot and
// signaling relay over HTTP and websockets.
type Server struct {
	channel     *chat.Channel
	issuer      *identity.Issuer
	media       *media.Service
	chatbot     http.Handler
	relay       *signaling.Relay
	metrics     *Metrics
	presence    *PresenceTracker
	authLimiter *RateLimiter
	upgrader    websocket.Upgrader
	frameRate   rate.Limit
	frameBurst  int
	trustProxy  bool
	log         *zap.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Channel == nil {
		return nil, errors.New("server: channel is required")
	}
	if opts.Issuer == nil {
		return nil, errors.New("server: issuer is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Relay == nil {
		opts.Relay = signaling.NewRelay(signaling.Options{Logger: opts.Logger, Observe: opts.Metrics.ObserveSignal})
	}
	if opts.AuthRate <= 0 {
		opts.AuthRate = defaultAuthRate
	}
	if opts.AuthBurst <= 0 {
		opts.AuthBurst = defaultAuthBurst
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = defaultFrameBurst
	}
	return &Server{
		channel:     opts.Channel,
		issuer:      opts.Issuer,
		media:       opts.Media,
		chatbot:     opts.Chatbot,
		relay:       opts.Relay,
		metrics:     opts.Metrics,
		presence:    NewPresenceTracker(),
		authLimiter: NewRateLimiter(opts.AuthRate, opts.AuthBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		frameRate:  opts.FrameRate,
		frameBurst: opts.FrameBurst,
		trustProxy: opts.TrustProxy,
		log:        logger.OrNop(opts.Logger).Named("server"),
	}, nil
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/anonymous", s.HandleAnonymousSignIn)
	mux.HandleFunc("GET /api/sessions/{id}", s.HandleSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.HandleListMessages)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.HandleSendMessage)
	mux.HandleFunc("POST /api/attachments", s.HandleUpload)
	mux.HandleFunc("GET "+media.AttachmentPathPrefix+"{key}", s.HandleDownload)
	mux.HandleFunc("/api/chat", s.HandleChat)
	mux.HandleFunc("GET /ws/session", s.ServeSessionWS)
	mux.HandleFunc("GET /ws/signal", s.ServeSignalWS)
	mux.Handle("GET /metrics", s.metrics)
	mux.HandleFunc("GET /healthz", s.HandleHealth)
}

// Handler returns a mux with Routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

// maxPayload bounds a single message body, leaving room for a base64
// encoded attachment when uploads are enabled.
func (s *Server) maxPayload() int64 {
	if s.media == nil {
		return maxJSONBody
	}
	return s.media.MaxSize()*4/3 + maxJSONBody
}

func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
