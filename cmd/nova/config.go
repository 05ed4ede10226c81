package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/stream"
	"gopkg.in/yaml.v3"
)

type config struct {
	ServerURL   string          `yaml:"serverURL"`
	Settings    models.Settings `yaml:"settings"`
	IdleTimeout time.Duration   `yaml:"idleTimeout"`
	LogLevel    string          `yaml:"logLevel"`
	Telemetry   bool            `yaml:"telemetry"`
}

const defaultServerURL = "http://localhost:8000/api"

func defaultConfig() config {
	return config{
		ServerURL:   defaultServerURL,
		Settings:    models.DefaultSettings(),
		IdleTimeout: stream.DefaultIdleTimeout,
	}
}

// loadConfig reads the client config at path. A missing file yields the defaults, and fields left
// out of the file keep their default values.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	cfgFile, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	cfg.ServerURL = strings.TrimSpace(cfg.ServerURL)
	if cfg.ServerURL == "" {
		cfg.ServerURL = defaultServerURL
	}
	if cfg.Settings.Model == "" {
		cfg.Settings.Model = models.DefaultModel
	}
	if cfg.IdleTimeout < 0 {
		return config{}, fmt.Errorf("idleTimeout must not be negative")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return config{}, fmt.Errorf("invalid settings: %w", err)
	}
	return cfg, nil
}
