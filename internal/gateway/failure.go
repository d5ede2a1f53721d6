package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ircad-africa/sofia-web/internal/models"
)

// Kind is the closed set of inference failure variants.
type Kind int

const (
	// KindConnectivity covers transient and unrecognized failures.
	KindConnectivity Kind = iota
	// KindConfig is a missing or rejected credential.
	KindConfig
	// KindQuota is a rate limit or exhausted quota.
	KindQuota
	// KindImage is an image that could not be decoded or analyzed.
	KindImage
	// KindSafety is a prompt or answer blocked by the provider's content policy.
	KindSafety
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigurationError"
	case KindQuota:
		return "RateLimitError"
	case KindImage:
		return "ImageAnalysisError"
	case KindSafety:
		return "SafetyBlockError"
	default:
		return "ConnectivityError"
	}
}

// Failure is a provider error tagged with its variant. Tagging happens once, at the gateway boundary,
// and everything downstream works on the variant only.
type Failure struct {
	Kind Kind
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// newFailure tags err. Typed information from the provider wins; the message substrings are only
// consulted for errors that carry nothing better.
func newFailure(err error) Failure {
	if errors.Is(err, models.ErrInvalidDataURL) {
		return Failure{Kind: KindImage, Err: err}
	}

	var pe *models.ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.Blocked:
			return Failure{Kind: KindSafety, Err: err}
		case pe.StatusCode == http.StatusUnauthorized, pe.StatusCode == http.StatusForbidden:
			return Failure{Kind: KindConfig, Err: err}
		case pe.StatusCode == http.StatusTooManyRequests:
			return Failure{Kind: KindQuota, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Failure{Kind: KindConnectivity, Err: err}
	}

	return Failure{Kind: kindFromMessage(err.Error()), Err: err}
}

func kindFromMessage(msg string) Kind {
	switch {
	case strings.Contains(msg, "API key"):
		return KindConfig
	case strings.Contains(msg, "quota"), strings.Contains(msg, "limit"):
		return KindQuota
	case strings.Contains(msg, "image"), strings.Contains(msg, "vision"):
		return KindImage
	case strings.Contains(msg, "safety"), strings.Contains(msg, "blocked"):
		return KindSafety
	default:
		return KindConnectivity
	}
}

// Message is the user-facing explanation of the variant.
func (k Kind) Message() string {
	switch k {
	case KindConfig:
		return "API configuration error. Please contact IT support."
	case KindQuota:
		return "AI service temporarily unavailable due to high usage. Please try again in a few minutes."
	case KindImage:
		return "Image analysis failed. Please try:\n• Using a clearer, well-lit photo\n• A smaller image file\n• Different image format (JPG/PNG)"
	case KindSafety:
		return "Content blocked for safety reasons. Please ensure images are of technical equipment only."
	default:
		return "Please check your connection and try again. If the issue persists, contact IT support."
	}
}

// Format renders the multi-line chat message shown for the failure.
func (f Failure) Format(at time.Time) string {
	return fmt.Sprintf(
		"Technical Support Error\n\nI encountered an issue analyzing your request. %s\n\nError Code: %s\nTimestamp: %s",
		f.Kind.Message(), f.Kind, at.UTC().Format(time.RFC3339),
	)
}
