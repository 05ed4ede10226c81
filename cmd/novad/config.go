package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/handlers"
	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port               string        `yaml:"port"`
	DBPath             string        `yaml:"dbPath"`
	LogLevel           string        `yaml:"logLevel"`
	Telemetry          bool          `yaml:"telemetry"`
	RateLimitPerMinute int           `yaml:"rateLimitPerMinute"`
	AccessTokenTTL     time.Duration `yaml:"accessTokenTTL"`
	RefreshTokenTTL    time.Duration `yaml:"refreshTokenTTL"`
	ContextMessages    int           `yaml:"contextMessages"`
	LLM                llmConfig     `yaml:"llm"`
}

type openaiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

const defaultPort = "8000"

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port               string         `yaml:"port"`
		DBPath             string         `yaml:"dbPath"`
		LogLevel           string         `yaml:"logLevel"`
		Telemetry          bool           `yaml:"telemetry"`
		RateLimitPerMinute int            `yaml:"rateLimitPerMinute"`
		AccessTokenTTL     time.Duration  `yaml:"accessTokenTTL"`
		RefreshTokenTTL    time.Duration  `yaml:"refreshTokenTTL"`
		ContextMessages    int            `yaml:"contextMessages"`
		LLM                map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	c.DBPath = rawConfig.DBPath
	c.LogLevel = rawConfig.LogLevel
	c.Telemetry = rawConfig.Telemetry
	c.RateLimitPerMinute = rawConfig.RateLimitPerMinute
	c.AccessTokenTTL = rawConfig.AccessTokenTTL
	c.RefreshTokenTTL = rawConfig.RefreshTokenTTL
	c.ContextMessages = rawConfig.ContextMessages

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openaiConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (c config) handlerOptions(logger *slog.Logger) handlers.Options {
	return handlers.Options{
		RateLimitPerMinute: c.RateLimitPerMinute,
		AccessTokenTTL:     c.AccessTokenTTL,
		RefreshTokenTTL:    c.RefreshTokenTTL,
		ContextMessages:    c.ContextMessages,
		Logger:             logger,
	}
}

func (o openaiConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	model := o.Model
	if model == "" {
		model = models.DefaultModel
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if apiKey == "" {
		// Requests answer with the configuration error until a key is provided.
		logger.Warn("OpenAI api key is not set")
	}
	return services.NewOpenAI(apiKey, baseURL, model, logger), nil
}

func (o ollamaConfig) llm(*slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model)
}
