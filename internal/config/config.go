package config

import (
	"fmt"
	"os"
)

// Config represents the complete application configuration.
type Config struct {
	Job   JobConfig   `toml:"job"`
	TTS   TTSConfig   `toml:"tts"`
	Drive DriveConfig `toml:"drive"`
}

// JobConfig holds pipeline-level settings.
type JobConfig struct {
	SpreadsheetID  string `toml:"spreadsheet_id"`
	SheetName      string `toml:"sheet_name"`
	TextColumn     string `toml:"text_column"`  // column holding source sentences
	AudioColumn    string `toml:"audio_column"` // column receiving audio links
	BatchSize      int    `toml:"batch_size"`   // rows per window, one grouped write each
	Workers        int    `toml:"workers"`      // max rows in flight across the run
	CheckpointPath string `toml:"checkpoint_path"`
}

// TTSConfig holds settings for the text-to-speech endpoint.
type TTSConfig struct {
	BaseURL            string `toml:"base_url"`
	VoiceID            string `toml:"voice_id"`
	ModelID            string `toml:"model_id"`
	OutputFormat       string `toml:"output_format"`
	Concurrency        int    `toml:"concurrency"` // max conversion calls in flight, must not exceed job.workers
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	MaxRetries         int    `toml:"max_retries"`
	RetryDelaySeconds  int    `toml:"retry_delay_seconds"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
	MinAudioBytes      int    `toml:"min_audio_bytes"` // guards against silently-truncated responses
}

// DriveConfig holds settings for the artifact store.
type DriveConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// Secrets holds sensitive credentials loaded from environment variables.
type Secrets struct {
	ElevenLabsAPIKey string
	GoogleToken      string
}

const (
	// MaxWorkers is the maximum allowed worker concurrency
	MaxWorkers = 256
	// MaxBatchSize is the maximum allowed rows per window
	MaxBatchSize = 1000
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Job.SpreadsheetID == "" {
		return fmt.Errorf("job.spreadsheet_id is required")
	}
	if c.Job.SheetName == "" {
		return fmt.Errorf("job.sheet_name is required")
	}
	if err := validateColumn("job.text_column", c.Job.TextColumn); err != nil {
		return err
	}
	if err := validateColumn("job.audio_column", c.Job.AudioColumn); err != nil {
		return err
	}
	if c.Job.BatchSize < 1 {
		return fmt.Errorf("job.batch_size must be at least 1")
	}
	if c.Job.BatchSize > MaxBatchSize {
		return fmt.Errorf("job.batch_size must not exceed %d (got %d)", MaxBatchSize, c.Job.BatchSize)
	}
	if c.Job.Workers < 1 {
		return fmt.Errorf("job.workers must be at least 1")
	}
	if c.Job.Workers > MaxWorkers {
		return fmt.Errorf("job.workers must not exceed %d (got %d)", MaxWorkers, c.Job.Workers)
	}

	if c.TTS.BaseURL == "" {
		return fmt.Errorf("tts.base_url is required")
	}
	if c.TTS.VoiceID == "" {
		return fmt.Errorf("tts.voice_id is required")
	}
	if c.TTS.Concurrency < 1 {
		return fmt.Errorf("tts.concurrency must be at least 1")
	}
	if c.TTS.Concurrency > c.Job.Workers {
		return fmt.Errorf("tts.concurrency (%d) must not exceed job.workers (%d)", c.TTS.Concurrency, c.Job.Workers)
	}
	if c.TTS.MaxRetries < 0 {
		return fmt.Errorf("tts.max_retries must not be negative")
	}
	if c.TTS.RateLimitPerMinute < 1 {
		return fmt.Errorf("tts.rate_limit_per_minute must be at least 1")
	}
	if c.TTS.MinAudioBytes < 0 {
		return fmt.Errorf("tts.min_audio_bytes must not be negative")
	}

	return nil
}

// validateColumn requires a single column letter A-Z.
func validateColumn(field, col string) error {
	if len(col) != 1 || col[0] < 'A' || col[0] > 'Z' {
		return fmt.Errorf("%s must be a single column letter A-Z (got %q)", field, col)
	}
	return nil
}

// LoadSecrets loads sensitive credentials from environment variables.
func LoadSecrets() *Secrets {
	return &Secrets{
		ElevenLabsAPIKey: os.Getenv("ELEVENLABS_API_KEY"),
		GoogleToken:      os.Getenv("GOOGLE_OAUTH_TOKEN"),
	}
}
