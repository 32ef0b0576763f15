package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger initializes the global logger from the logging section.
// File output rotates via lumberjack; console and file can be combined.
func InitLogger(cfg LoggingConfig) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
	if cfg.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxFileSizeMB,
			MaxBackups: cfg.BackupCount,
			Compress:   true,
		})
	}
	var output io.Writer = os.Stdout
	if len(writers) == 1 {
		output = writers[0]
	} else if len(writers) > 1 {
		output = zerolog.MultiLevelWriter(writers...)
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	log.Info().
		Str("level", logLevel.String()).
		Bool("console", cfg.Console).
		Str("file", cfg.FilePath).
		Msg("Logger initialized")
}

// NewLogger creates a logger with a component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
