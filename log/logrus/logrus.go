// Package logrus adapts a *logrus.Entry to nearcache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/nearcache"
)

var _ nearcache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New tags every entry with component=nearcache.
func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: l.WithField("component", "nearcache")}
}

func (l LogrusLogger) Debug(msg string, f nearcache.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f nearcache.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f nearcache.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f nearcache.Fields) { l.with(f).Error(msg) }

// with routes an "err" field through WithError so logrus formatters treat it as
// the entry's error.
func (l LogrusLogger) with(f nearcache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	fields := make(logrus.Fields, len(f))
	var err error
	for k, v := range f {
		if e, ok := v.(error); ok && k == "err" {
			err = e
			continue
		}
		fields[k] = v
	}
	e := l.E.WithFields(fields)
	if err != nil {
		e = e.WithError(err)
	}
	return e
}
