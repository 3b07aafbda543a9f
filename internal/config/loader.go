package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/desegment"
	"firestige.xyz/segscope/internal/log"
)

// configRoot is the top-level wrapper matching the YAML structure `segscope: ...`.
type configRoot struct {
	Segscope Config `mapstructure:"segscope"`
}

// Load loads configuration from path. An empty path uses defaults and
// environment variables only. Env vars use the SEGSCOPE_ prefix, e.g.
// SEGSCOPE_LOG_LEVEL.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `segscope.` key prefix maps to `SEGSCOPE_` through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Segscope

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return &cfg, nil
}

// setDefaults sets default values. All keys use the "segscope." prefix to
// match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("segscope.log.level", "info")
	v.SetDefault("segscope.log.format", "text")
	v.SetDefault("segscope.log.pattern", log.DefaultPattern)
	v.SetDefault("segscope.log.time", log.DefaultTimeLayout)
	v.SetDefault("segscope.log.stderr", true)
	v.SetDefault("segscope.log.file.enabled", false)
	v.SetDefault("segscope.log.file.path", "segscope.log")
	v.SetDefault("segscope.log.file.max_size_mb", 100)
	v.SetDefault("segscope.log.file.max_backups", 5)
	v.SetDefault("segscope.log.file.max_age_days", 30)
	v.SetDefault("segscope.log.file.compress", true)

	// Metrics defaults
	v.SetDefault("segscope.metrics.enabled", false)
	v.SetDefault("segscope.metrics.listen", ":9091")
	v.SetDefault("segscope.metrics.path", "/metrics")

	// Capture defaults
	v.SetDefault("segscope.capture.filter", "")
	v.SetDefault("segscope.capture.snap_len", 262144)
	v.SetDefault("segscope.capture.interface", "")
	v.SetDefault("segscope.capture.promiscuous", true)
	v.SetDefault("segscope.capture.timeout", "500ms")

	// Analysis defaults
	v.SetDefault("segscope.analysis.relative_sequence", true)
	v.SetDefault("segscope.analysis.prefer_out_of_order", false)
	v.SetDefault("segscope.analysis.ooo_threshold", "3ms")
	v.SetDefault("segscope.analysis.fast_retransmission_window", "20ms")
	v.SetDefault("segscope.analysis.fast_retransmission_dup_acks", 2)
	v.SetDefault("segscope.analysis.max_unacked_segments", 10000)

	// Reassembly defaults
	v.SetDefault("segscope.reassembly.desegment", true)
	v.SetDefault("segscope.reassembly.max_buffered_segments", desegment.DefaultMaxBufferedSegments)
	v.SetDefault("segscope.reassembly.max_buffered_bytes", desegment.DefaultMaxBufferedBytes)
	v.SetDefault("segscope.reassembly.max_depth", 4)

	// Output defaults
	v.SetDefault("segscope.output.format", "text")
	v.SetDefault("segscope.output.path", "")
}
