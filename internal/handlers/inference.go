package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ircad-africa/sofia-web/internal/gateway"
)

type geminiChatRequest struct {
	Message string `json:"message"`
	Image   string `json:"image,omitempty"`
	// SystemPrompt is accepted for compatibility with older widgets and ignored; the persona is fixed
	// server side.
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

type geminiChatResponse struct {
	Response string `json:"response"`
}

// HandleGeminiChatOptions answers cross-origin preflight requests for the inference endpoint.
func (m Main) HandleGeminiChatOptions(w http.ResponseWriter, _ *http.Request) {
	setCORSHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// HandleGeminiChat answers a single message, with an optional data URL image, through the inference
// gateway. Inference failures are reported as a displayable response with status 200; only malformed
// requests get an error status.
func (m Main) HandleGeminiChat(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	var req geminiChatRequest
	if status, err := m.decodeJSON(w, r, &req); err != nil {
		m.logger.Warn("Invalid inference request", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, status, http.StatusText(status))
		return
	}
	if strings.TrimSpace(req.Message) == "" && req.Image == "" {
		m.writeError(w, http.StatusBadRequest, "message or image is required")
		return
	}

	text := m.gateway.Infer(r.Context(), gateway.Request{
		Message:  req.Message,
		ImageURL: req.Image,
		Role:     gateway.RoleSupport,
	})
	m.writeJSON(w, http.StatusOK, geminiChatResponse{Response: text})
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

// decodeJSON reads a size limited JSON body into v. On failure it returns the status to answer with.
func (m Main) decodeJSON(w http.ResponseWriter, r *http.Request, v any) (int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, m.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, err
		}
		return http.StatusBadRequest, err
	}
	return http.StatusOK, nil
}
