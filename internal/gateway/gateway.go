// Package gateway turns one user utterance, with an optional image, into one call to the inference
// service and always answers with text that can be shown to the user.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/ircad-africa/sofia-web/internal/models"
)

// Provider is an inference service able to answer a text prompt with an optional image.
type Provider interface {
	// Configured reports whether the credential needed to reach the service is present.
	Configured() bool
	Generate(ctx context.Context, prompt models.Prompt) (string, error)
}

// Request is a single inference request. It is built fresh for every call and not retained.
type Request struct {
	Message string
	// Image is either nil or the decoded image; ImageURL carries a not-yet-decoded data URL as received
	// from a browser. When both are set Image wins.
	Image    *models.Image
	ImageURL string
	Role     PromptRole
}

// ConfigurationErrorMessage is returned, without contacting the provider, when no credential is set.
const ConfigurationErrorMessage = "AI service configuration error. Please contact IT support."

// Gateway is stateless: no session, no cache, no rate limit. Every call is independent.
type Gateway struct {
	provider Provider
	now      func() time.Time

	logger *slog.Logger
}

// New creates a Gateway over the given provider. A nil provider behaves as an unconfigured one.
func New(provider Provider, logger *slog.Logger) *Gateway {
	return &Gateway{
		provider: provider,
		now:      time.Now,
		logger:   logger.With(slog.String("module", "gateway")),
	}
}

// Infer builds the role-specific prompt, invokes the provider exactly once and returns either the reply
// verbatim or a formatted failure message. It never returns an error.
func (g *Gateway) Infer(ctx context.Context, req Request) string {
	if g.provider == nil || !g.provider.Configured() {
		g.logger.Warn("Inference credential is not configured")
		return ConfigurationErrorMessage
	}

	img := req.Image
	if img == nil && req.ImageURL != "" {
		parsed, err := models.ParseDataURL(req.ImageURL)
		if err != nil {
			g.logger.Error("Failed to decode image", slog.String(errLoggerKey, err.Error()))
			return g.failureText(newFailure(err))
		}
		img = &parsed
	}

	prompt := buildPrompt(req.Role, req.Message, img)

	if img != nil {
		g.logger.Info("Processing image analysis request",
			slog.String("role", string(req.Role)),
			slog.String("mediaType", img.MediaType),
			slog.Int("imageBytes", len(img.Data)))
	} else {
		g.logger.Info("Processing text-only request", slog.String("role", string(req.Role)))
	}

	text, err := g.provider.Generate(ctx, prompt)
	if err != nil {
		f := newFailure(err)
		g.logger.Error("Inference failed",
			slog.String("kind", f.Kind.String()),
			slog.String(errLoggerKey, err.Error()))
		return g.failureText(f)
	}

	g.logger.Debug("Inference response generated", slog.Int("length", len(text)))
	return text
}

func (g *Gateway) failureText(f Failure) string {
	return f.Format(g.now())
}

const errLoggerKey = "err"
