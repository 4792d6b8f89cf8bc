package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	intrnl "huddle/internal"
	"huddle/internal/chat"
	"huddle/internal/chatbot"
	"huddle/internal/identity"
	"huddle/internal/logger"
	"huddle/internal/media"
	"huddle/internal/signaling"
	"huddle/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr    string
	server  *http.Server
	store   *storage.Store
	redis   *redis.Client
	cancel  context.CancelFunc
	workers sync.WaitGroup
	log     *zap.Logger
	done    chan struct{}
	err     error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer wires the store, attachments, identity, chatbot, signaling relay
// and cleanup job, then starts serving in the background. Call Stop/Wait to
// manage its lifecycle; cancelling ctx also stops it.
func RunServer(ctx context.Context, cfg ServerConfig, log *zap.Logger) (*ServerHandle, error) {
	log = logger.OrNop(log)
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.DevMode && cfg.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = secret
		log.Warn("dev mode: using a throwaway jwt secret; tokens will not survive a restart")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	handle := &ServerHandle{store: store, log: log.Named("app"), done: make(chan struct{})}
	server, janitor, relay, err := handle.build(ctx, cfg, log)
	if err != nil {
		handle.release()
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		handle.release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	handle.addr = listener.Addr().String()
	handle.server = &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	workCtx, cancel := context.WithCancel(context.Background())
	handle.cancel = cancel
	handle.workers.Add(2)
	go func() {
		defer handle.workers.Done()
		janitor.Run(workCtx)
	}()
	go func() {
		defer handle.workers.Done()
		if err := relay.Run(workCtx); err != nil && workCtx.Err() == nil {
			handle.log.Error("signaling bus stopped", zap.Error(err))
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := handle.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			handle.log.Warn("server shutdown error", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) build(ctx context.Context, cfg ServerConfig, log *zap.Logger) (*intrnl.Server, *chat.Janitor, *signaling.Relay, error) {
	metrics := intrnl.NewMetrics()

	attachments, err := newMediaService(ctx, cfg.Attachments, h.store, log)
	if err != nil {
		return nil, nil, nil, err
	}
	chatOpts := chat.Options{SessionTTL: cfg.SessionTTL, Logger: log}
	if attachments != nil {
		chatOpts.Uploader = attachments
	}
	channel := chat.New(h.store, chatOpts)

	issuer, err := identity.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, nil, nil, err
	}

	var bot http.Handler
	if cfg.Chatbot.APIKey != "" {
		gemini, err := chatbot.NewGeminiClient(chatbot.GeminiConfig{
			APIKey:  cfg.Chatbot.APIKey,
			Model:   cfg.Chatbot.Model,
			BaseURL: cfg.Chatbot.BaseURL,
			Logger:  log,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		bot = chatbot.NewHandler(gemini, chatbot.HandlerOptions{
			ResponseField: cfg.Chatbot.ResponseField,
			Details:       cfg.Chatbot.Details,
			Observe:       metrics.ObserveChatbot,
			Logger:        log,
		})
	} else {
		h.log.Info("chatbot disabled: no api key configured")
	}

	relayOpts := signaling.Options{Logger: log, Observe: metrics.ObserveSignal}
	if cfg.Redis.Addr != "" {
		h.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := h.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		relayOpts.Bus = signaling.NewRedisBus(h.redis, cfg.Redis.Prefix, log)
	}
	relay := signaling.NewRelay(relayOpts)

	opts := intrnl.ServerOptions{
		Channel:    channel,
		Issuer:     issuer,
		Chatbot:    bot,
		Relay:      relay,
		Metrics:    metrics,
		Logger:     log,
		TrustProxy: cfg.TrustProxy,
	}
	if attachments != nil {
		opts.Media = attachments
	}
	server, err := intrnl.NewServer(opts)
	if err != nil {
		return nil, nil, nil, err
	}

	janitorOpts := chat.JanitorOptions{
		Interval: cfg.CleanupInterval,
		MaxIdle:  cfg.SessionTTL,
		OnSweep:  metrics.ObserveSweep,
	}
	if attachments != nil {
		janitorOpts.Blobs = attachments
	}
	janitor := chat.NewJanitor(channel, janitorOpts)
	return server, janitor, relay, nil
}

func newMediaService(ctx context.Context, cfg AttachmentConfig, store *storage.Store, log *zap.Logger) (*media.Service, error) {
	var blobs media.BlobStore
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "s3":
		s3, err := media.NewS3Store(ctx, media.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			Endpoint:   cfg.S3Endpoint,
			Prefix:     cfg.S3Prefix,
			PresignTTL: cfg.PresignTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 store: %w", err)
		}
		blobs = s3
	default:
		disk, err := media.NewDiskStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("disk store: %w", err)
		}
		blobs = disk
	}
	return media.NewService(blobs, store, media.ServiceOptions{MaxSize: cfg.MaxSize, Logger: log}), nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.release()
	h.err = err
}

// release stops background workers and closes connections.
func (h *ServerHandle) release() {
	if h.cancel != nil {
		h.cancel()
		h.workers.Wait()
	}
	if h.redis != nil {
		if err := h.redis.Close(); err != nil {
			h.log.Warn("redis close error", zap.Error(err))
		}
	}
	if err := h.store.Close(); err != nil {
		h.log.Warn("store close error", zap.Error(err))
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
