// Package services holds the adapters to external systems: inference providers and identity backends.
package services

// LLMParameters are optional sampling parameters passed through to a provider. Nil fields keep the
// provider's default.
type LLMParameters struct {
	Temperature      *float32 `yaml:"temperature"`
	TopP             *float32 `yaml:"topP"`
	TopK             *int     `yaml:"topK"`
	MaxTokens        *int     `yaml:"maxTokens"`
	Stop             []string `yaml:"stop"`
	Seed             *int     `yaml:"seed"`
	PresencePenalty  *float32 `yaml:"presencePenalty"`
	FrequencyPenalty *float32 `yaml:"frequencyPenalty"`
}

func (p LLMParameters) isZero() bool {
	return p.Temperature == nil && p.TopP == nil && p.TopK == nil && p.MaxTokens == nil &&
		len(p.Stop) == 0 && p.Seed == nil && p.PresencePenalty == nil && p.FrequencyPenalty == nil
}

const errLoggerKey = "err"
