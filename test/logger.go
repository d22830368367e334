package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that discards everything unless TEST_LOGS names a level, ie: TEST_LOGS=debug
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		return l
	}

	lvl, err := logrus.ParseLevel(v)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	l.SetOutput(os.Stderr)
	l.SetLevel(lvl)
	return l
}

// NewLoggerWithHook returns a quiet logger at debug level and the hook that records every entry it logs
func NewLoggerWithHook() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	if os.Getenv("TEST_LOGS") == "" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, logtest.NewLocal(l)
}
