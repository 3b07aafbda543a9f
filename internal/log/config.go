package log

const (
	DefaultPattern    = "%time [%level] %msg %field\n"
	DefaultTimeLayout = "2006-01-02 15:04:05.000"
)

// Config selects the level, layout and outputs of the logger.
type Config struct {
	Level string `mapstructure:"level"`
	// Format is "text" (Pattern based) or "json".
	Format  string `mapstructure:"format"`
	Pattern string `mapstructure:"pattern"`
	Time    string `mapstructure:"time"`

	// Stderr keeps console output when a file is configured.
	Stderr bool       `mapstructure:"stderr"`
	File   FileConfig `mapstructure:"file"`
}

// FileConfig enables a rotated log file.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}
