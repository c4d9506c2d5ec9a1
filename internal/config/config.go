package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Video      VideoConfig      `yaml:"video"`
	Detection  DetectionConfig  `yaml:"detection"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket server configuration
type ServerConfig struct {
	Port           int    `yaml:"port"`
	Address        string `yaml:"address"`
	ReadTimeout    int    `yaml:"read_timeout"`     // seconds, header read only; streams stay open
	MaxUploadBytes int64  `yaml:"max_upload_bytes"` // batch video upload limit
}

// VideoConfig contains frame decoding and recording parameters
type VideoConfig struct {
	StorageDir  string  `yaml:"storage_dir"`
	TargetFPS   float64 `yaml:"target_fps"`   // recording rate for push sessions
	JPEGQuality int     `yaml:"jpeg_quality"` // latest-frame cache encoding quality
}

// DetectionConfig contains sampling and ordered-delivery parameters
type DetectionConfig struct {
	Interval    float64 `yaml:"interval"`     // seconds between sampled frames
	GracePeriod float64 `yaml:"grace_period"` // seconds to wait for in-flight work on close
	SlotTimeout float64 `yaml:"slot_timeout"` // seconds before a stalled result slot is skipped
}

// ClassifierConfig contains vision classifier API configuration
type ClassifierConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"` // 0 disables the concurrency cap
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. A .env file, if present, is
// loaded first; CLASSIFIER_API_KEY overrides the YAML api_key so the secret
// can stay out of the config file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if key := os.Getenv("CLASSIFIER_API_KEY"); key != "" {
		config.Classifier.APIKey = key
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills zero values with service defaults before validation.
func (c *Config) applyDefaults() {
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 512 << 20
	}
	if c.Video.StorageDir == "" {
		c.Video.StorageDir = "stream"
	}
	if c.Video.TargetFPS == 0 {
		c.Video.TargetFPS = 30.0
	}
	if c.Video.JPEGQuality == 0 {
		c.Video.JPEGQuality = 85
	}
	if c.Detection.Interval == 0 {
		c.Detection.Interval = 5.0
	}
	if c.Detection.GracePeriod == 0 {
		c.Detection.GracePeriod = 2.0
	}
	if c.Detection.SlotTimeout == 0 {
		c.Detection.SlotTimeout = float64(c.Classifier.Timeout) + 5.0
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Video.Validate(); err != nil {
		return fmt.Errorf("video config: %w", err)
	}

	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("detection config: %w", err)
	}

	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("classifier config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	if s.MaxUploadBytes < 1 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", s.MaxUploadBytes)
	}

	return nil
}

// Validate validates video configuration
func (v *VideoConfig) Validate() error {
	if v.StorageDir == "" {
		return fmt.Errorf("storage_dir cannot be empty")
	}

	if v.TargetFPS <= 0 {
		return fmt.Errorf("target_fps must be positive, got %f", v.TargetFPS)
	}

	if v.JPEGQuality < 1 || v.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", v.JPEGQuality)
	}

	return nil
}

// Validate validates detection configuration
func (d *DetectionConfig) Validate() error {
	if d.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %f", d.Interval)
	}

	if d.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive, got %f", d.GracePeriod)
	}

	if d.SlotTimeout <= 0 {
		return fmt.Errorf("slot_timeout must be positive, got %f", d.SlotTimeout)
	}

	return nil
}

// Validate validates classifier configuration
func (cl *ClassifierConfig) Validate() error {
	if cl.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if cl.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set CLASSIFIER_API_KEY or config api_key)")
	}

	if cl.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if cl.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", cl.Timeout)
	}

	if cl.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", cl.MaxRetries)
	}

	if cl.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent cannot be negative, got %d", cl.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetDetectionInterval returns the default sampling interval as a time.Duration
func (d *DetectionConfig) GetDetectionInterval() time.Duration {
	return time.Duration(d.Interval * float64(time.Second))
}

// GetGracePeriod returns the close grace period as a time.Duration
func (d *DetectionConfig) GetGracePeriod() time.Duration {
	return time.Duration(d.GracePeriod * float64(time.Second))
}

// GetSlotTimeout returns the stalled-slot timeout as a time.Duration
func (d *DetectionConfig) GetSlotTimeout() time.Duration {
	return time.Duration(d.SlotTimeout * float64(time.Second))
}

// GetTimeoutDuration returns the classifier call timeout as a time.Duration
func (cl *ClassifierConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(cl.Timeout) * time.Second
}

// GetReadTimeout returns the HTTP header read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}
