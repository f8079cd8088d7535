package tools

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// SetupLogging points the standard logrus logger at stdout and, when logFile is
// set, appends a copy of everything to that file.
func SetupLogging(level, logFile string) (io.Closer, error) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(ParseLevel(level))

	if logFile == "" {
		logrus.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	logrus.SetOutput(io.MultiWriter(f, os.Stdout))
	return f, nil
}

func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
