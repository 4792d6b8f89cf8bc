package chatbot

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"huddle/internal/logger"
)

// Response field names accepted by HandlerOptions.ResponseField.
const (
	FieldText     = "text"
	FieldResponse = "response"
)

// Outcomes passed to HandlerOptions.Observe.
const (
	OutcomeOK       = "ok"
	OutcomeBadInput = "bad_request"
	OutcomeUpstream = "upstream_error"
)

type HandlerOptions struct {
	// ResponseField names the JSON field carrying the reply. Defaults to "text".
	ResponseField string
	// Details includes upstream error messages in 500 responses.
	Details bool
	Observe func(outcome string)
	Logger  *zap.Logger
}

// Handler serves POST /api/chat.
type Handler struct {
	gen     Generator
	field   string
	details bool
	observe func(string)
	log     *zap.Logger
}

func NewHandler(gen Generator, opts HandlerOptions) *Handler {
	field := opts.ResponseField
	if field != FieldResponse {
		field = FieldText
	}
	observe := opts.Observe
	if observe == nil {
		observe = func(string) {}
	}
	return &Handler{
		gen:     gen,
		field:   field,
		details: opts.Details,
		observe: observe,
		log:     logger.OrNop(opts.Logger).Named("chatbot"),
	}
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.observe(OutcomeBadInput)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		h.observe(OutcomeBadInput)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Prompt is required"})
		return
	}

	text, err := h.gen.Generate(r.Context(), prompt)
	if err != nil {
		h.observe(OutcomeUpstream)
		h.log.Error("generate failed", zap.Error(err))
		resp := map[string]string{"error": "Failed to generate response"}
		if h.details {
			resp["details"] = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	h.observe(OutcomeOK)
	writeJSON(w, http.StatusOK, map[string]string{h.field: text})
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
