package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/ircad-africa/sofia-web/internal/models"
)

// OpenAI provides an implementation of the gateway Provider interface for OpenAI-compatible chat
// completion APIs.
type OpenAI struct {
	apiKey string
	model  string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

const openAIProvider = "openai"

// NewOpenAI creates a new OpenAI instance with the specified API key, base URL and model name. An empty
// baseURL selects the public OpenAI endpoint.
func NewOpenAI(apiKey, model, baseURL string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		apiKey: apiKey,
		model:  model,
		params: params,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

// Configured reports whether an API key is present.
func (o OpenAI) Configured() bool {
	return o.apiKey != ""
}

// Generate is a wrapper around the OpenAI chat completion API. The image, if any, is sent as an
// image_url part carrying the data URL.
func (o OpenAI) Generate(ctx context.Context, prompt models.Prompt) (string, error) {
	msg := goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser}
	if prompt.Image == nil {
		msg.Content = prompt.Text
	} else {
		msg.MultiContent = []goopenai.ChatMessagePart{
			{Type: goopenai.ChatMessagePartTypeText, Text: prompt.Text},
			{
				Type: goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{
					URL:    prompt.Image.DataURL(),
					Detail: goopenai.ImageURLDetailAuto,
				},
			},
		}
	}

	req := o.chatRequest([]goopenai.ChatCompletionMessage{msg})

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", openAIError(err))
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == goopenai.FinishReasonContentFilter {
		return "", &models.ProviderError{Provider: openAIProvider, Blocked: true, Message: string(choice.FinishReason)}
	}

	o.logger.Debug("Response", slog.String("finishReason", string(choice.FinishReason)),
		slog.Int("totalTokens", resp.Usage.TotalTokens))

	return choice.Message.Content, nil
}

// openAIError converts the client's error types into a models.ProviderError, leaving transport errors
// untouched.
func openAIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &models.ProviderError{
			Provider:   openAIProvider,
			StatusCode: apiErr.HTTPStatusCode,
			Status:     http.StatusText(apiErr.HTTPStatusCode),
			Message:    apiErr.Message,
		}
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &models.ProviderError{
			Provider:   openAIProvider,
			StatusCode: reqErr.HTTPStatusCode,
			Status:     http.StatusText(reqErr.HTTPStatusCode),
			Message:    msg,
		}
	}

	return err
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}

	return req
}
