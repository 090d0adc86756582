package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-annotator/internal/config"
)

// New creates a logrus logger writing to stdout and, if configured, to a file
func New(cfg config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	log.SetLevel(level)

	if cfg.File == "" {
		log.SetOutput(os.Stdout)
		return log, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Warn("Failed to log to file, using stdout only")
		log.SetOutput(os.Stdout)
		return log, nil
	}
	log.SetOutput(io.MultiWriter(os.Stdout, file))
	return log, nil
}

// Discard returns a logger that drops everything, for tests
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
