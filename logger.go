package mmsg

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/mmsg/config"
)

var logFormats = []string{"text", "json"}

// configLogger applies logging.* to l, it runs again on every config reload
func configLogger(l *logrus.Logger, c *config.C) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	f, err := newLogFormatter(
		strings.ToLower(c.GetString("logging.format", "text")),
		c.GetString("logging.timestamp_format", ""),
		c.GetBool("logging.disable_timestamp", false),
	)
	if err != nil {
		return err
	}

	l.SetLevel(lvl)
	l.SetFormatter(f)
	return nil
}

func newLogFormatter(format, tsFormat string, noTimestamp bool) (logrus.Formatter, error) {
	// A custom format implies the user wants to see it in full
	full := tsFormat != ""
	if tsFormat == "" {
		tsFormat = time.RFC3339
	}

	switch format {
	case "text":
		return &logrus.TextFormatter{
			TimestampFormat:  tsFormat,
			FullTimestamp:    full,
			DisableTimestamp: noTimestamp,
		}, nil
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat:  tsFormat,
			DisableTimestamp: noTimestamp,
		}, nil
	}

	return nil, fmt.Errorf("unknown log format `%s`. possible formats: %s", format, logFormats)
}
