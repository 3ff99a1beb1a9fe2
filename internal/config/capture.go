// Package config loads capture tuning from JSON files. Fields are
// pointer-typed so a partial file overrides only what it names; the Get*
// accessors supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scalab/tracecap/internal/capture"
)

// CaptureConfig is the on-disk tuning schema for an acquisition session.
// Durations are strings like "500us" or "1s".
type CaptureConfig struct {
	PollInterval      *string `json:"poll_interval,omitempty"`
	CompletionTimeout *string `json:"completion_timeout,omitempty"`
	SettleDelay       *string `json:"settle_delay,omitempty"`
	MaxAttempts       *int    `json:"max_attempts,omitempty"`
	RetryPolicy       *string `json:"retry_policy,omitempty"` // "reuse" or "regenerate"
	AverageOver       *int    `json:"average_over,omitempty"`
	ArmRetries        *int    `json:"arm_retries,omitempty"`
	SkipOnArmFail     *bool   `json:"skip_on_arm_fail,omitempty"`
	ReportInterval    *int    `json:"report_interval,omitempty"`

	// Trace store batching.
	StoreBatchSize *int `json:"store_batch_size,omitempty"`
}

// DefaultStoreBatchSize is how many traces accumulate before a store flush.
const DefaultStoreBatchSize = 256

// EmptyCaptureConfig returns a config with every field unset.
func EmptyCaptureConfig() *CaptureConfig {
	return &CaptureConfig{}
}

// LoadCaptureConfig loads tuning from a JSON file. The path must end in
// .json and the file must be small; partial configs are safe.
func LoadCaptureConfig(path string) (*CaptureConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCaptureConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the acquisition loop cannot run with.
func (c *CaptureConfig) Validate() error {
	for name, d := range map[string]*string{
		"poll_interval":      c.PollInterval,
		"completion_timeout": c.CompletionTimeout,
		"settle_delay":       c.SettleDelay,
	} {
		if d == nil {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, v)
		}
	}
	if c.RetryPolicy != nil {
		if _, err := capture.ParseRetryPolicy(*c.RetryPolicy); err != nil {
			return err
		}
	}
	for name, v := range map[string]*int{
		"max_attempts":     c.MaxAttempts,
		"average_over":     c.AverageOver,
		"arm_retries":      c.ArmRetries,
		"report_interval":  c.ReportInterval,
		"store_batch_size": c.StoreBatchSize,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	return nil
}

// GetStoreBatchSize returns the store flush batch size.
func (c *CaptureConfig) GetStoreBatchSize() int {
	if c.StoreBatchSize != nil {
		return *c.StoreBatchSize
	}
	return DefaultStoreBatchSize
}

// Resolve merges the file values over the capture defaults.
func (c *CaptureConfig) Resolve() (capture.Config, error) {
	out := capture.DefaultConfig()
	var err error
	if out.PollInterval, err = c.duration(c.PollInterval, out.PollInterval); err != nil {
		return out, err
	}
	if out.CompletionTimeout, err = c.duration(c.CompletionTimeout, out.CompletionTimeout); err != nil {
		return out, err
	}
	if out.SettleDelay, err = c.duration(c.SettleDelay, out.SettleDelay); err != nil {
		return out, err
	}
	if c.MaxAttempts != nil {
		out.MaxAttempts = *c.MaxAttempts
	}
	if c.RetryPolicy != nil {
		if out.RetryPolicy, err = capture.ParseRetryPolicy(*c.RetryPolicy); err != nil {
			return out, err
		}
	}
	if c.AverageOver != nil {
		out.AverageOver = *c.AverageOver
	}
	if c.ArmRetries != nil {
		out.ArmRetries = *c.ArmRetries
	}
	if c.SkipOnArmFail != nil {
		out.SkipOnArmFail = *c.SkipOnArmFail
	}
	if c.ReportInterval != nil {
		out.ReportInterval = *c.ReportInterval
	}
	return out, nil
}

func (c *CaptureConfig) duration(s *string, fallback time.Duration) (time.Duration, error) {
	if s == nil {
		return fallback, nil
	}
	return time.ParseDuration(*s)
}
