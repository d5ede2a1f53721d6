package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ircad-africa/sofia-web/internal/models"
)

// Gemini provides an implementation of the gateway Provider interface for Google's Gemini models over
// the generateContent REST API.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	Seed            *int     `json:"seed,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

const (
	geminiAPIEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	geminiProvider    = "gemini"
)

// NewGemini creates a new Gemini instance with the specified API key and model name. An empty baseURL
// selects the public Google endpoint.
func NewGemini(apiKey, model, baseURL string, params LLMParameters, logger *slog.Logger) Gemini {
	if baseURL == "" {
		baseURL = geminiAPIEndpoint
	}
	return Gemini{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		params:  params,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "gemini")),
	}
}

// Configured reports whether an API key is present.
func (g Gemini) Configured() bool {
	return g.apiKey != ""
}

// Generate sends a single non-streaming generateContent request and returns the concatenated text parts
// of the first candidate.
func (g Gemini) Generate(ctx context.Context, prompt models.Prompt) (string, error) {
	parts := []geminiPart{{Text: prompt.Text}}
	if prompt.Image != nil {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: prompt.Image.MediaType,
			Data:     prompt.Image.Base64(),
		}})
	}

	reqBody := geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: g.generationConfig(),
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", geminiStatusError(resp, body)
	}

	var res geminiResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("error unmarshaling response: %w", err)
	}

	if res.PromptFeedback != nil && res.PromptFeedback.BlockReason != "" {
		return "", &models.ProviderError{Provider: geminiProvider, Blocked: true, Message: res.PromptFeedback.BlockReason}
	}
	if len(res.Candidates) == 0 {
		return "", errors.New("no candidates found")
	}

	candidate := res.Candidates[0]
	switch candidate.FinishReason {
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return "", &models.ProviderError{Provider: geminiProvider, Blocked: true, Message: candidate.FinishReason}
	}

	var sb strings.Builder
	for _, p := range candidate.Content.Parts {
		sb.WriteString(p.Text)
	}

	g.logger.Debug("Response", slog.String("finishReason", candidate.FinishReason), slog.Int("length", sb.Len()))

	return sb.String(), nil
}

func geminiStatusError(resp *http.Response, body []byte) error {
	pe := &models.ProviderError{
		Provider:   geminiProvider,
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Message:    strings.TrimSpace(string(body)),
	}

	var e geminiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		pe.Message = e.Error.Message
		if e.Error.Status != "" {
			pe.Status = e.Error.Status
		}
	}
	return pe
}

func (g Gemini) generationConfig() *geminiGenerationConfig {
	if g.params.isZero() {
		return nil
	}
	return &geminiGenerationConfig{
		Temperature:     g.params.Temperature,
		TopP:            g.params.TopP,
		TopK:            g.params.TopK,
		MaxOutputTokens: g.params.MaxTokens,
		StopSequences:   g.params.Stop,
		Seed:            g.params.Seed,
	}
}
