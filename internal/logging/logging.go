// Package logging wraps logrus for hydracore's subsystems. Components never
// call a logging singleton directly; they're handed a *logrus.Entry already
// scoped with a "component" field, the same shape
// docker/model-runner's scheduler hands its installer and loader.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors internal/config's logging.level enum.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format mirrors internal/config's logging.format enum.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// New builds a *logrus.Logger configured per level/format, writing to out
// (os.Stderr if nil).
func New(level Level, format Format, out io.Writer) *logrus.Logger {
	l := logrus.New()
	if out != nil {
		l.SetOutput(out)
	} else {
		l.SetOutput(os.Stderr)
	}

	switch format {
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := logrus.ParseLevel(string(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	return l
}

// Component returns an entry scoped to name via a "component" field (the
// demo command logs through Component(logger, "demo")).
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}
