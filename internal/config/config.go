// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"firestige.xyz/segscope/internal/analysis"
	"firestige.xyz/segscope/internal/desegment"
	"firestige.xyz/segscope/internal/engine"
	"firestige.xyz/segscope/internal/log"
)

// Config is the top-level configuration. Maps to the `segscope:` root key in YAML.
type Config struct {
	Log        log.Config       `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Reassembly ReassemblyConfig `mapstructure:"reassembly"`
	Decoders   []DecoderConfig  `mapstructure:"decoders"`
	Output     OutputConfig     `mapstructure:"output"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Capture ───

// CaptureConfig controls how captures are read.
type CaptureConfig struct {
	Filter  string `mapstructure:"filter"`   // "tcp port 5060"
	SnapLen int    `mapstructure:"snap_len"` // used to compile the filter

	// Live capture
	Interface   string        `mapstructure:"interface"`
	Promiscuous bool          `mapstructure:"promiscuous"`
	Timeout     time.Duration `mapstructure:"timeout"` // read timeout, bounds Ctrl-C latency
}

// ─── Analysis ───

// AnalysisConfig tunes the sequence analysis heuristics.
type AnalysisConfig struct {
	RelativeSequence          bool          `mapstructure:"relative_sequence"`
	PreferOutOfOrder          bool          `mapstructure:"prefer_out_of_order"`
	OOOThreshold              time.Duration `mapstructure:"ooo_threshold"`
	FastRetransmissionWindow  time.Duration `mapstructure:"fast_retransmission_window"`
	FastRetransmissionDupAcks uint32        `mapstructure:"fast_retransmission_dup_acks"`
	MaxUnackedSegments        int           `mapstructure:"max_unacked_segments"`
}

// ─── Reassembly ───

// ReassemblyConfig bounds stream reassembly.
type ReassemblyConfig struct {
	Desegment           bool `mapstructure:"desegment"`
	MaxBufferedSegments int  `mapstructure:"max_buffered_segments"`
	MaxBufferedBytes    int  `mapstructure:"max_buffered_bytes"`
	MaxDepth            int  `mapstructure:"max_depth"`
}

// ─── Output ───

// OutputConfig selects the report encoding and destination.
type OutputConfig struct {
	Format string `mapstructure:"format"` // text | json | yaml | msgpack
	Path   string `mapstructure:"path"`   // empty = stdout
}

var validFormats = map[string]bool{"text": true, "json": true, "yaml": true, "msgpack": true}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.file.enabled=true")
	}

	// ── Analysis ──
	if cfg.Analysis.OOOThreshold < 0 || cfg.Analysis.FastRetransmissionWindow < 0 {
		return fmt.Errorf("analysis thresholds must not be negative")
	}
	if cfg.Analysis.MaxUnackedSegments <= 0 {
		return fmt.Errorf("analysis.max_unacked_segments must be positive, got %d", cfg.Analysis.MaxUnackedSegments)
	}

	// ── Reassembly ──
	if cfg.Reassembly.MaxBufferedSegments <= 0 || cfg.Reassembly.MaxBufferedBytes <= 0 {
		return fmt.Errorf("reassembly buffer limits must be positive")
	}
	if cfg.Reassembly.MaxDepth <= 0 {
		cfg.Reassembly.MaxDepth = engine.DefaultMaxDepth
	}

	// ── Capture ──
	if cfg.Capture.SnapLen <= 0 {
		return fmt.Errorf("capture.snap_len must be positive, got %d", cfg.Capture.SnapLen)
	}
	if cfg.Capture.Timeout <= 0 {
		return fmt.Errorf("capture.timeout must be positive, got %s", cfg.Capture.Timeout)
	}

	// ── Decoders ──
	seen := make(map[uint16]string)
	for i := range cfg.Decoders {
		d := &cfg.Decoders[i]
		if err := d.Validate(); err != nil {
			return fmt.Errorf("decoders[%d]: %w", i, err)
		}
		for _, p := range d.Ports {
			if other, ok := seen[p]; ok {
				return fmt.Errorf("decoders[%d]: port %d already bound to %s", i, p, other)
			}
			seen[p] = d.Name
		}
	}

	// ── Output ──
	cfg.Output.Format = strings.ToLower(cfg.Output.Format)
	if !validFormats[cfg.Output.Format] {
		return fmt.Errorf("invalid output format: %s (must be text/json/yaml/msgpack)", cfg.Output.Format)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	return nil
}

// EngineOptions translates the analysis and reassembly sections.
func (cfg *Config) EngineOptions() engine.Options {
	return engine.Options{
		Analysis: analysis.Options{
			PreferOutOfOrder:          cfg.Analysis.PreferOutOfOrder,
			OutOfOrderThreshold:       cfg.Analysis.OOOThreshold,
			FastRetransmissionWindow:  cfg.Analysis.FastRetransmissionWindow,
			FastRetransmissionDupAcks: cfg.Analysis.FastRetransmissionDupAcks,
			MaxUnackedSegments:        cfg.Analysis.MaxUnackedSegments,
		},
		Stream: desegment.StreamConfig{
			MaxSegments: cfg.Reassembly.MaxBufferedSegments,
			MaxBytes:    cfg.Reassembly.MaxBufferedBytes,
		},
		Desegment: cfg.Reassembly.Desegment,
		MaxDepth:  cfg.Reassembly.MaxDepth,
	}
}
