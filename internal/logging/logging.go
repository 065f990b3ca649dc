package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/Popie52/httpjobs/internal/config"
	"github.com/sirupsen/logrus"
)

// New builds the process logger from configuration.
func New(c config.Logger) (*logrus.Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(level)

	switch c.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}

	switch c.Output {
	case "", "stdout":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		return nil, fmt.Errorf("unknown log output %q", c.Output)
	}

	return l, nil
}

// Discard returns a logger that writes nowhere.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
