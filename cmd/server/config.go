package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/ircad-africa/sofia-web/internal/gateway"
	"github.com/ircad-africa/sofia-web/internal/identity"
	"github.com/ircad-africa/sofia-web/internal/logger"
	"github.com/ircad-africa/sofia-web/internal/services"
)

const (
	providerGemini = "gemini"
	providerOpenAI = "openai"
	providerOllama = "ollama"

	identitySupabase = "supabase"
	identityLocal    = "local"
)

type config struct {
	Port string `yaml:"port"`
	// SecureCookies should be set when the service is served over HTTPS.
	SecureCookies   bool           `yaml:"secureCookies"`
	SessionTTL      time.Duration  `yaml:"sessionTTL"`
	CaptureInterval time.Duration  `yaml:"captureInterval"`
	Log             logConfig      `yaml:"log"`
	LLM             llmConfig      `yaml:"llm"`
	Identity        identityConfig `yaml:"identity"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type llmConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	APIKey     string                 `yaml:"apiKey"`
	BaseURL    string                 `yaml:"baseURL"`
	Host       string                 `yaml:"host"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type identityConfig struct {
	Provider        string        `yaml:"provider"`
	SupabaseURL     string        `yaml:"supabaseURL"`
	SupabaseAnonKey string        `yaml:"supabaseAnonKey"`
	JWTSecret       string        `yaml:"jwtSecret"`
	TokenTTL        time.Duration `yaml:"tokenTTL"`
	DBPath          string        `yaml:"dbPath"`
}

// envConfig lists the environment variables that override the config file.
type envConfig struct {
	Port          string `env:"PORT"`
	SecureCookies bool   `env:"SECURE_COOKIES"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
	LogFile   string `env:"LOG_FILE"`

	LLMProvider   string `env:"LLM_PROVIDER"`
	LLMModel      string `env:"LLM_MODEL"`
	GoogleAPIKey  string `env:"GOOGLE_API_KEY"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OllamaHost    string `env:"OLLAMA_HOST"`

	IdentityProvider string `env:"IDENTITY_PROVIDER"`
	SupabaseURL      string `env:"SUPABASE_URL"`
	SupabaseAnonKey  string `env:"SUPABASE_ANON_KEY"`
	JWTSecret        string `env:"AUTH_JWT_SECRET"`
	AuthDBPath       string `env:"AUTH_DB_PATH"`
}

const minJWTSecretLen = 32

// loadConfig reads the optional YAML file at path, applies the environment on top and fills defaults.
// All validation problems are reported together.
func loadConfig(path string) (config, error) {
	var cfg config

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	var e envConfig
	if err := env.Parse(&e); err != nil {
		return config{}, fmt.Errorf("error parsing env config: %w", err)
	}
	cfg.applyEnv(e)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyEnv(e envConfig) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&c.Port, e.Port)
	c.SecureCookies = c.SecureCookies || e.SecureCookies
	set(&c.Log.Level, e.LogLevel)
	set(&c.Log.Format, e.LogFormat)
	set(&c.Log.File, e.LogFile)

	set(&c.LLM.Provider, e.LLMProvider)
	set(&c.LLM.Model, e.LLMModel)
	switch c.LLM.Provider {
	case providerOpenAI:
		set(&c.LLM.APIKey, e.OpenAIAPIKey)
		set(&c.LLM.BaseURL, e.OpenAIBaseURL)
	case providerOllama:
		set(&c.LLM.Host, e.OllamaHost)
	default:
		set(&c.LLM.APIKey, e.GoogleAPIKey)
	}

	set(&c.Identity.Provider, e.IdentityProvider)
	set(&c.Identity.SupabaseURL, e.SupabaseURL)
	set(&c.Identity.SupabaseAnonKey, e.SupabaseAnonKey)
	set(&c.Identity.JWTSecret, e.JWTSecret)
	set(&c.Identity.DBPath, e.AuthDBPath)
}

func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = "3000"
	}
	if c.Log.Format == "" {
		c.Log.Format = string(logger.FormatText)
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = providerGemini
	}
	if c.LLM.Model == "" {
		switch c.LLM.Provider {
		case providerGemini:
			c.LLM.Model = "gemini-1.5-flash"
		case providerOpenAI:
			c.LLM.Model = "gpt-4o-mini"
		case providerOllama:
			c.LLM.Model = "llava"
		}
	}
	if c.Identity.Provider == "" {
		c.Identity.Provider = identitySupabase
	}
	if c.Identity.TokenTTL <= 0 {
		c.Identity.TokenTTL = 24 * time.Hour
	}
}

// validate fails closed: a missing identity credential is an error, there is no built-in fallback. A
// missing inference credential is not, the gateway answers with a configuration message instead.
func (c config) validate() error {
	var result *multierror.Error

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, err)
	}
	switch logger.Format(c.Log.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log format: %s", c.Log.Format))
	}

	switch c.LLM.Provider {
	case providerGemini, providerOpenAI, providerOllama:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown llm provider: %s", c.LLM.Provider))
	}

	switch c.Identity.Provider {
	case identitySupabase:
		if c.Identity.SupabaseURL == "" {
			result = multierror.Append(result, errors.New("SUPABASE_URL is required for the supabase identity provider"))
		}
		if c.Identity.SupabaseAnonKey == "" {
			result = multierror.Append(result, errors.New("SUPABASE_ANON_KEY is required for the supabase identity provider"))
		}
	case identityLocal:
		if len(c.Identity.JWTSecret) < minJWTSecretLen {
			result = multierror.Append(result,
				fmt.Errorf("AUTH_JWT_SECRET must be at least %d bytes for the local identity provider", minJWTSecretLen))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown identity provider: %s", c.Identity.Provider))
	}

	return result.ErrorOrNil()
}

func (c logConfig) logger(out io.Writer) (*slog.Logger, io.Closer) {
	level, _ := logger.ParseLevel(c.Level)
	return logger.New(out, logger.Config{
		Level:  level,
		Format: logger.Format(c.Format),
		File:   c.File,
	})
}

func (c llmConfig) provider(logger *slog.Logger) gateway.Provider {
	switch c.Provider {
	case providerOpenAI:
		return services.NewOpenAI(c.APIKey, c.Model, c.BaseURL, c.Parameters, logger)
	case providerOllama:
		return services.NewOllama(c.Host, c.Model, c.Parameters, logger)
	default:
		return services.NewGemini(c.APIKey, c.Model, c.BaseURL, c.Parameters, logger)
	}
}

// backend returns the identity backend and a function releasing it.
func (c identityConfig) backend(logger *slog.Logger) (identity.Backend, func() error, error) {
	if c.Provider == identityLocal {
		b, err := services.NewBoltIdentity(c.DBPath, []byte(c.JWTSecret), c.TokenTTL, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
	return services.NewSupabase(c.SupabaseURL, c.SupabaseAnonKey, logger), func() error { return nil }, nil
}
