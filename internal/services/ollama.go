package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/ircad-africa/sofia-web/internal/models"
)

// Ollama provides an implementation of the gateway Provider interface for a self-hosted Ollama server.
// The model must support vision for image prompts to succeed.
type Ollama struct {
	host  string
	model string

	params LLMParameters

	client *api.Client

	logger *slog.Logger
}

const ollamaProvider = "ollama"

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server. If the provided host URL is invalid,
// the function will panic.
func NewOllama(host, model string, params LLMParameters, logger *slog.Logger) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:   host,
		model:  model,
		params: params,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}
}

// Configured reports whether a host is set. Ollama needs no credential.
func (o Ollama) Configured() bool {
	return o.host != ""
}

// Generate sends a single non-streaming chat request and returns the reply content.
func (o Ollama) Generate(ctx context.Context, prompt models.Prompt) (string, error) {
	msg := api.Message{
		Role:    "user",
		Content: prompt.Text,
	}
	if prompt.Image != nil {
		msg.Images = []api.ImageData{prompt.Image.Data}
	}

	f := false
	req := api.ChatRequest{
		Model:    o.model,
		Messages: []api.Message{msg},
		Stream:   &f,
		Options:  o.options(),
	}

	var reply string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		reply += res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", ollamaError(err))
	}

	o.logger.Debug("Response", slog.Int("length", len(reply)))

	return reply, nil
}

func ollamaError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return &models.ProviderError{
			Provider:   ollamaProvider,
			StatusCode: se.StatusCode,
			Status:     se.Status,
			Message:    se.ErrorMessage,
		}
	}
	return err
}

func (o Ollama) options() map[string]any {
	opts := make(map[string]any)
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.TopK != nil {
		opts["top_k"] = *o.params.TopK
	}
	if o.params.MaxTokens != nil {
		opts["num_predict"] = *o.params.MaxTokens
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}
	if o.params.PresencePenalty != nil {
		opts["presence_penalty"] = *o.params.PresencePenalty
	}
	if o.params.FrequencyPenalty != nil {
		opts["frequency_penalty"] = *o.params.FrequencyPenalty
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
