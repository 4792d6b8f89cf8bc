package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 24*time.Hour, cfg.Server.SessionTTL)
	require.Equal(t, "disk", cfg.Server.Attachments.Backend)
	require.Equal(t, int64(10<<20), cfg.Server.Attachments.MaxSize)
	require.Equal(t, "text", cfg.Server.Chatbot.ResponseField)
	require.Empty(t, cfg.Server.JWTSecret)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Client.ICEServers)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HUDDLE_SERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("HUDDLE_SERVER_SESSION_TTL", "2h")
	t.Setenv("HUDDLE_SERVER_REDIS_ADDR", "redis:6379")
	t.Setenv("HUDDLE_SERVER_CHATBOT_RESPONSE_FIELD", "response")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	require.Equal(t, 2*time.Hour, cfg.Server.SessionTTL)
	require.Equal(t, "redis:6379", cfg.Server.Redis.Addr)
	require.Equal(t, "response", cfg.Server.Chatbot.ResponseField)
}

func TestLoadReadsDotEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(".env", []byte("HUDDLE_SERVER_JWT_SECRET=from-dotenv-0123456789\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("HUDDLE_SERVER_JWT_SECRET") })
	path := filepath.Join(dir, "huddle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  cleanup_interval: 30m\nclient:\n  username: carol\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-dotenv-0123456789", cfg.Server.JWTSecret)
	require.Equal(t, 30*time.Minute, cfg.Server.CleanupInterval)
	require.Equal(t, "carol", cfg.Client.Username)
}

func TestValidate(t *testing.T) {
	cfg := ServerConfig{DBPath: "x.db", Attachments: AttachmentConfig{Backend: "disk"}}
	require.ErrorContains(t, cfg.Validate(), "jwt secret")

	cfg.DevMode = true
	require.NoError(t, cfg.Validate())

	cfg.Attachments.Backend = "s3"
	require.ErrorContains(t, cfg.Validate(), "bucket")

	cfg.Attachments.Backend = "ftp"
	require.Error(t, cfg.Validate())
}

func TestRunServerServesAndStops(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := RunServer(ctx, ServerConfig{
		Addr:            "127.0.0.1:0",
		DBPath:          filepath.Join(dir, "huddle.db"),
		DevMode:         true,
		SessionTTL:      time.Hour,
		CleanupInterval: time.Hour,
		Attachments:     AttachmentConfig{Backend: "disk", Dir: filepath.Join(dir, "blobs")},
	}, nil)
	require.NoError(t, err)

	resp, err := http.Get("http://" + handle.Addr() + "/healthz")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, "ok", health["status"])

	resp, err = http.Post("http://"+handle.Addr()+"/api/auth/anonymous", "application/json", strings.NewReader(`{"username":"dave"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post("http://"+handle.Addr()+"/api/chat", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	cancel()
	require.NoError(t, handle.Wait())
}

func TestRunServerRequiresSecret(t *testing.T) {
	_, err := RunServer(context.Background(), ServerConfig{
		Addr:   "127.0.0.1:0",
		DBPath: filepath.Join(t.TempDir(), "huddle.db"),
	}, nil)
	require.ErrorContains(t, err, "jwt secret")
}
