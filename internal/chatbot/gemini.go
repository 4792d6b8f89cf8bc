package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"huddle/internal/logger"
)

const (
	DefaultModel   = "gemini-1.5-flash-latest"
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
)

// Generator turns a prompt into a reply.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// UpstreamAPIError is any failure talking to the hosted model.
type UpstreamAPIError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chatbot: upstream returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("chatbot: upstream: %v", e.Err)
}

func (e *UpstreamAPIError) Unwrap() error { return e.Err }

type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	// MaxFailures consecutive failures open the breaker for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

// GeminiClient calls the generateContent REST endpoint.
type GeminiClient struct {
	http    *http.Client
	apiKey  string
	model   string
	baseURL string
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("chatbot: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	log := logger.OrNop(cfg.Logger).Named("gemini")
	st := gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &GeminiClient{
		http:    &http.Client{Timeout: cfg.Timeout},
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cb:      gobreaker.NewCircuitBreaker(st),
		log:     log,
	}, nil
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (g *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.generate(ctx, prompt)
	})
	if err != nil {
		var upstream *UpstreamAPIError
		if errors.As(err, &upstream) {
			return "", err
		}
		return "", &UpstreamAPIError{Err: err}
	}
	return out.(string), nil
}

func (g *GeminiClient) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}}})
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, url.PathEscape(g.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", &UpstreamAPIError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &UpstreamAPIError{StatusCode: resp.StatusCode, Err: err}
	}
	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", &UpstreamAPIError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if decoded.Error != nil && decoded.Error.Message != "" {
			msg = decoded.Error.Message
		}
		return "", &UpstreamAPIError{StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	var sb strings.Builder
	if len(decoded.Candidates) > 0 {
		for _, p := range decoded.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &UpstreamAPIError{StatusCode: resp.StatusCode, Err: errors.New("empty response")}
	}
	g.log.Debug("generated", zap.String("model", g.model), zap.Int("chars", sb.Len()))
	return sb.String(), nil
}
