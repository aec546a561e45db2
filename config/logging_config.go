package config

import (
	"fmt"

	"github.com/aleybovich/carrot-jms/logger"
)

// LoggingConfig defines configuration for logging behavior
type LoggingConfig struct {
	Level      string `yaml:"level" split_words:"true"`       // debug, info, warn, error
	Format     string `yaml:"format" split_words:"true"`      // json or console
	OutputPath string `yaml:"output_path" split_words:"true"` // stdout, stderr, or file path

	// DisableLogging completely disables all logging when true
	// Default is false
	DisableLogging bool `yaml:"disable_logging" split_words:"true"`

	// CustomLogger allows providing a custom logger implementation
	// Cannot be used together with DisableLogging
	CustomLogger logger.Logger `yaml:"-" ignored:"true"`
}

// Validate ensures the logging configuration is valid
func (lc LoggingConfig) Validate() error {
	if lc.DisableLogging && lc.CustomLogger != nil {
		return fmt.Errorf("custom logger cannot be combined with disabled logging")
	}
	switch lc.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format: %s", lc.Format)
	}
	return nil
}

// Build returns the logger described by lc
func (lc LoggingConfig) Build() (logger.Logger, error) {
	if lc.DisableLogging {
		return &logger.NilLogger{}, nil
	}
	if lc.CustomLogger != nil {
		return lc.CustomLogger, nil
	}
	return logger.New(logger.Config{Level: lc.Level, Format: lc.Format, OutputPath: lc.OutputPath})
}
