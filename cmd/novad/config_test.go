package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/services"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshal(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantErr  bool
		wantPort string
		check    func(t *testing.T, cfg config)
	}{
		{
			name: "openai",
			yaml: `
port: "9000"
rateLimitPerMinute: 30
accessTokenTTL: 15m
refreshTokenTTL: 72h
llm:
  provider: openai
  model: gpt-4o
  apiKey: sk-test
  baseURL: http://localhost:1234/v1
`,
			wantPort: "9000",
			check: func(t *testing.T, cfg config) {
				o, ok := cfg.LLM.(*openaiConfig)
				if !ok {
					t.Fatalf("LLM = %T, want *openaiConfig", cfg.LLM)
				}
				if o.Model != "gpt-4o" || o.APIKey != "sk-test" || o.BaseURL != "http://localhost:1234/v1" {
					t.Errorf("openaiConfig = %+v", o)
				}
				if cfg.RateLimitPerMinute != 30 {
					t.Errorf("RateLimitPerMinute = %d, want 30", cfg.RateLimitPerMinute)
				}
				if cfg.AccessTokenTTL != 15*time.Minute || cfg.RefreshTokenTTL != 72*time.Hour {
					t.Errorf("token ttls = %v, %v", cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
				}
			},
		},
		{
			name: "ollama with default port",
			yaml: `
llm:
  provider: ollama
  model: llama3.2
  host: http://ollama:11434
`,
			wantPort: defaultPort,
			check: func(t *testing.T, cfg config) {
				o, ok := cfg.LLM.(*ollamaConfig)
				if !ok {
					t.Fatalf("LLM = %T, want *ollamaConfig", cfg.LLM)
				}
				if o.Host != "http://ollama:11434" {
					t.Errorf("Host = %q", o.Host)
				}
			},
		},
		{
			name:    "missing provider",
			yaml:    "port: \"8000\"\n",
			wantErr: true,
		},
		{
			name:    "unknown provider",
			yaml:    "llm:\n  provider: anthropic\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.yaml), &cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Port != tt.wantPort {
				t.Errorf("Port = %q, want %q", cfg.Port, tt.wantPort)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLLMConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	llm, err := openaiConfig{}.llm(logger)
	if err != nil {
		t.Fatalf("openai llm() error = %v", err)
	}
	if _, ok := llm.(services.OpenAI); !ok {
		t.Errorf("llm = %T, want services.OpenAI", llm)
	}

	if _, err := (ollamaConfig{}).llm(logger); err == nil {
		t.Error("ollama llm() without model should fail")
	}
	llm, err = ollamaConfig{BaseLLMConfig: BaseLLMConfig{Model: "llama3.2"}}.llm(logger)
	if err != nil {
		t.Fatalf("ollama llm() error = %v", err)
	}
	if _, ok := llm.(services.Ollama); !ok {
		t.Errorf("llm = %T, want services.Ollama", llm)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := loadConfig(path); err == nil {
		t.Error("loadConfig() of a missing file should fail")
	}

	if err := os.WriteFile(path, []byte("llm:\n  provider: openai\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %q, want %q", cfg.Port, defaultPort)
	}
}
