package log

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"firestige.xyz/dropsock/internal/config"
)

const (
	defaultPattern = "%time [%level] %field %msg\n"
	defaultTime    = "2006-01-02 15:04:05.000"
)

// logrusAdapter gets the leveled methods from the embedded entry and only
// re-wraps the ones returning a derived entry.
type logrusAdapter struct {
	*logrus.Entry
}

func newDefault() Logger {
	l, _, _ := initByConfig(config.LogConfig{Level: "info", Format: "text"}, nil)
	return l
}

// initByConfig builds a logger writing to stdout (or w when non-nil) plus
// the configured file output.
func initByConfig(cfg config.LogConfig, w io.Writer) (Logger, *MultiWriter, error) {
	l := logrus.New()

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeLayout(cfg)})
	case "text", "":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = defaultPattern
		}
		l.SetFormatter(&formatter{pattern: pattern, time: timeLayout(cfg)})
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetReportCaller(strings.Contains(cfg.Pattern, "%caller") || strings.Contains(cfg.Pattern, "%func"))

	mw := NewMultiWriter()
	if w == nil {
		w = stdout()
	}
	mw.Add(w)
	if cfg.Outputs.File.Enabled {
		fw, err := newFileWriter(cfg.Outputs.File)
		if err != nil {
			return nil, nil, err
		}
		mw.Add(fw)
	}
	l.SetOutput(mw)

	return logrusAdapter{logrus.NewEntry(l)}, mw, nil
}

func timeLayout(cfg config.LogConfig) string {
	if cfg.TimeFormat != "" {
		return cfg.TimeFormat
	}
	return defaultTime
}

func (l logrusAdapter) WithField(field string, value interface{}) Logger {
	return logrusAdapter{l.Entry.WithField(field, value)}
}

func (l logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return logrusAdapter{l.Entry.WithFields(fields)}
}

func (l logrusAdapter) WithError(err error) Logger {
	return logrusAdapter{l.Entry.WithError(err)}
}

func (l logrusAdapter) IsDebugEnabled() bool {
	return l.Logger.IsLevelEnabled(logrus.DebugLevel)
}
