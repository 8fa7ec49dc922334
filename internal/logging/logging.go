// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// EnvLevel overrides the verbosity-derived level when set to a valid level.
const EnvLevel = "MAILMIRROR_LOG_LEVEL"

// Level maps the count of -v flags to a log level.
func Level(verbosity int) logrus.Level {
	switch {
	case verbosity <= 0:
		return logrus.ErrorLevel
	case verbosity == 1:
		return logrus.InfoLevel
	case verbosity == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// Setup configures the standard logger. Output goes to stdout and to the
// file at path; with quiet set only the file is written. An empty path
// disables the file. The returned closer releases the file.
func Setup(verbosity int, path string, quiet bool) (io.Closer, error) {
	return configure(logrus.StandardLogger(), os.Stdout, verbosity, path, quiet)
}

func configure(logger *logrus.Logger, stdout io.Writer, verbosity int, path string, quiet bool) (io.Closer, error) {
	logger.SetLevel(Level(verbosity))
	if level, err := logrus.ParseLevel(os.Getenv(EnvLevel)); err == nil {
		logger.SetLevel(level)
	}

	if path == "" {
		if quiet {
			logger.SetOutput(io.Discard)
		} else {
			logger.SetOutput(stdout)
		}
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// One formatter serves both sinks, so colors stay off.
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	if quiet {
		logger.SetOutput(file)
	} else {
		logger.SetOutput(io.MultiWriter(stdout, file))
	}
	return file, nil
}
