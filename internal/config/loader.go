package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables.
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, LoadSecrets(), nil
}

// applyDefaults sets default values for optional configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Job.SheetName == "" {
		cfg.Job.SheetName = "Sheet1"
	}
	if cfg.Job.TextColumn == "" {
		cfg.Job.TextColumn = "A"
	}
	if cfg.Job.AudioColumn == "" {
		cfg.Job.AudioColumn = "B"
	}
	if cfg.Job.BatchSize == 0 {
		cfg.Job.BatchSize = 20 // small windows keep error recovery cheap
	}
	if cfg.Job.Workers == 0 {
		cfg.Job.Workers = 16
	}
	if cfg.Job.CheckpointPath == "" {
		cfg.Job.CheckpointPath = "checkpoint.json"
	}

	if cfg.TTS.BaseURL == "" {
		cfg.TTS.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.TTS.VoiceID == "" {
		cfg.TTS.VoiceID = "EXAVITQu4vr4xnSDxMaL"
	}
	if cfg.TTS.ModelID == "" {
		cfg.TTS.ModelID = "eleven_monolingual_v1"
	}
	if cfg.TTS.Concurrency == 0 {
		cfg.TTS.Concurrency = 10
	}
	if cfg.TTS.TimeoutSeconds == 0 {
		cfg.TTS.TimeoutSeconds = 120
	}
	if cfg.TTS.MaxRetries == 0 {
		cfg.TTS.MaxRetries = 3
	}
	if cfg.TTS.RetryDelaySeconds == 0 {
		cfg.TTS.RetryDelaySeconds = 2
	}
	if cfg.TTS.RateLimitPerMinute == 0 {
		cfg.TTS.RateLimitPerMinute = 60
	}
	if cfg.TTS.MinAudioBytes == 0 {
		cfg.TTS.MinAudioBytes = 1000
	}

	if cfg.Drive.TimeoutSeconds == 0 {
		cfg.Drive.TimeoutSeconds = 300
	}
}
