package schema

import (
	"fmt"
	"time"
)

// Thresholds gives, per command class, the line count above which auto
// mode truncates instead of returning the buffer in full (spec §4.2).
type Thresholds struct {
	Install     int
	FileListing int
	LogSearch   int
	Generic     int
}

// Truncation controls how many head/tail lines preview mode and the
// generic truncation fallback keep.
type Truncation struct {
	HeadLines int
	TailLines int
}

// Config is the recognised configuration surface named in spec §6:
// retention bounds, thresholds, prompt-grace, and timeouts.
type Config struct {
	DefaultTimeout      time.Duration
	MaxTimeout          time.Duration
	PromptGraceMS       time.Duration
	MaxHistory          int
	BufferMaxBytes      int64
	Thresholds          Thresholds
	Truncation          Truncation
	ViewerQueueCapacity int
}

// DefaultThresholds mirrors spec §4.2's suggested starting points.
func DefaultThresholds() Thresholds {
	return Thresholds{Install: 100, FileListing: 50, LogSearch: 50, Generic: 50}
}

// DefaultConfig returns a Config with the defaults spec §4-6 suggest.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:      30 * time.Second,
		MaxTimeout:          time.Hour,
		PromptGraceMS:       300 * time.Millisecond,
		MaxHistory:          50,
		BufferMaxBytes:      8 << 20,
		Thresholds:          DefaultThresholds(),
		Truncation:          Truncation{HeadLines: 30, TailLines: 20},
		ViewerQueueCapacity: 256,
	}
}

// NormalizeConfig fills in zero-valued fields with defaults and validates
// the result, in the same spirit as the teacher's NormalizeServiceConfig.
func NormalizeConfig(cfg Config) (Config, error) {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		return Config{}, fmt.Errorf("default_timeout must not exceed max_timeout")
	}
	if cfg.PromptGraceMS <= 0 {
		cfg.PromptGraceMS = def.PromptGraceMS
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.BufferMaxBytes <= 0 {
		cfg.BufferMaxBytes = def.BufferMaxBytes
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.Truncation == (Truncation{}) {
		cfg.Truncation = def.Truncation
	}
	if cfg.Truncation.HeadLines <= 0 || cfg.Truncation.TailLines <= 0 {
		return Config{}, fmt.Errorf("truncation head_lines and tail_lines must be positive")
	}
	if cfg.ViewerQueueCapacity <= 0 {
		cfg.ViewerQueueCapacity = def.ViewerQueueCapacity
	}
	return cfg, nil
}
