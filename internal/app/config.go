package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. HUDDLE_SERVER_ADDR.
const EnvPrefix = "HUDDLE"

// Config is everything the binaries read from file, env and flags.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	DBPath string `mapstructure:"db_path"`
	// JWTSecret signs identity tokens. It has no default; dev mode generates
	// a throwaway one.
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
	DevMode         bool          `mapstructure:"dev_mode"`

	Attachments AttachmentConfig `mapstructure:"attachments"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Chatbot     ChatbotConfig    `mapstructure:"chatbot"`
}

type AttachmentConfig struct {
	// Backend is "disk", "s3" or "none".
	Backend    string        `mapstructure:"backend"`
	Dir        string        `mapstructure:"dir"`
	MaxSize    int64         `mapstructure:"max_size"`
	S3Region   string        `mapstructure:"s3_region"`
	S3Bucket   string        `mapstructure:"s3_bucket"`
	S3Endpoint string        `mapstructure:"s3_endpoint"`
	S3Prefix   string        `mapstructure:"s3_prefix"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
}

// RedisConfig enables the cross-instance signaling bus when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ChatbotConfig enables /api/chat when APIKey is set.
type ChatbotConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	BaseURL       string `mapstructure:"base_url"`
	ResponseField string `mapstructure:"response_field"`
	Details       bool   `mapstructure:"details"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	Username       string        `mapstructure:"username"`
	SessionID      string        `mapstructure:"session"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.db_path", DefaultDBPath())
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("server.session_ttl", 24*time.Hour)
	v.SetDefault("server.cleanup_interval", 6*time.Hour)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.dev_mode", false)

	v.SetDefault("server.attachments.backend", "disk")
	v.SetDefault("server.attachments.dir", DefaultUploadDir())
	v.SetDefault("server.attachments.max_size", 10<<20)
	v.SetDefault("server.attachments.s3_region", "us-east-1")
	v.SetDefault("server.attachments.s3_bucket", "")
	v.SetDefault("server.attachments.s3_endpoint", "")
	v.SetDefault("server.attachments.s3_prefix", "attachments/")
	v.SetDefault("server.attachments.presign_ttl", 15*time.Minute)

	v.SetDefault("server.redis.addr", "")
	v.SetDefault("server.redis.password", "")
	v.SetDefault("server.redis.db", 0)
	v.SetDefault("server.redis.prefix", "huddle")

	v.SetDefault("server.chatbot.api_key", "")
	v.SetDefault("server.chatbot.model", "gemini-1.5-flash-latest")
	v.SetDefault("server.chatbot.base_url", "")
	v.SetDefault("server.chatbot.response_field", "text")
	v.SetDefault("server.chatbot.details", false)

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.username", "")
	v.SetDefault("client.session", "")
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.connect_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads .env (if present), the optional config file at path and
// HUDDLE_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	// allow nested override: HUDDLE_SERVER_REDIS_ADDR etc.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports settings the server cannot start with.
func (c ServerConfig) Validate() error {
	if c.DBPath == "" {
		return errors.New("database path is required")
	}
	if c.JWTSecret == "" && !c.DevMode {
		return fmt.Errorf("jwt secret is required (set %s_SERVER_JWT_SECRET)", EnvPrefix)
	}
	switch c.Attachments.Backend {
	case "disk", "none", "":
	case "s3":
		if c.Attachments.S3Bucket == "" {
			return errors.New("s3 attachment backend needs a bucket")
		}
	default:
		return fmt.Errorf("unknown attachment backend %q", c.Attachments.Backend)
	}
	return nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	return filepath.Join(dataDir(), "huddle.db")
}

// DefaultUploadDir is where the disk backend keeps attachments.
func DefaultUploadDir() string {
	return filepath.Join(dataDir(), "attachments")
}

func dataDir() string {
	if env := os.Getenv("HUDDLE_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "huddle")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Huddle")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Huddle")
		}
		return filepath.Join(home, ".local", "share", "huddle")
	}
	return filepath.Join(".", ".huddle")
}
