package log

import "gopkg.in/natefinch/lumberjack.v2"

// AddFileAppender appends a size-rotated file.
func (m *MultiWriter) AddFileAppender(options FileConfig) *MultiWriter {
	writer := &lumberjack.Logger{
		Filename:   options.Path,
		MaxSize:    options.MaxSizeMB,
		MaxBackups: options.MaxBackups,
		MaxAge:     options.MaxAgeDays,
		Compress:   options.Compress,
	}
	m.writers = append(m.writers, writer)
	return m
}
