package models

import "fmt"

// Prompt is the fully built input handed to an inference provider: the instruction text and an
// optional image.
type Prompt struct {
	Text  string
	Image *Image
}

// ProviderError is the normalized failure of an inference provider. Every provider converts its
// client-specific errors into this shape so failures can be tagged without knowing the provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Status     string
	Message    string
	// Blocked is set when the provider refused the prompt or the answer for safety reasons.
	Blocked bool
}

func (e *ProviderError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("%s: response blocked for safety: %s", e.Provider, e.Message)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d %s: %s", e.Provider, e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}
