// Package logger holds the process wide logger for the instrumentation
// engine. Probe and trace hot paths never log; only control plane
// operations do.
package logger

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogFormat is the name of a supported output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"

	defaultLogFormat LogFormat    = LogFormatText
	defaultLogLevel  logrus.Level = logrus.InfoLevel
)

// DefaultLogger is the base logrus logger. It is distinct from the logrus
// default so that external dependencies cannot write through it
// unexpectedly.
var DefaultLogger = initializeDefaultLogger()

func initializeDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	formatter, _ := getFormatter(defaultLogFormat)
	logger.SetFormatter(formatter)
	logger.SetLevel(defaultLogLevel)
	return logger
}

func getFormatter(format LogFormat) (logrus.Formatter, error) {
	switch format {
	case LogFormatText:
		return &logrus.TextFormatter{
			DisableColors: true,
		}, nil
	case LogFormatJSON:
		return &logrus.JSONFormatter{}, nil
	default:
		return &logrus.TextFormatter{}, fmt.Errorf("invalid log format '%s'", string(format))
	}
}

// SetupLogging configures DefaultLogger from user supplied level and
// format strings. Invalid values keep the current configuration.
func SetupLogging(level, format string, debug bool) error {
	if format != "" {
		formatter, err := getFormatter(LogFormat(strings.ToLower(format)))
		if err != nil {
			return err
		}
		DefaultLogger.SetFormatter(formatter)
	}

	if debug {
		DefaultLogger.SetLevel(logrus.DebugLevel)
		return nil
	}

	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("incorrect log level '%s'", level)
		}
		DefaultLogger.SetLevel(parsed)
	}
	return nil
}

// GetLogger returns the DefaultLogger behind the field logger interface.
func GetLogger() logrus.FieldLogger {
	return DefaultLogger
}
