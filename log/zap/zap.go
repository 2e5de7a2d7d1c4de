// Package zap adapts a *zap.Logger to nearcache.Logger.
package zap

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/nearcache"
)

var _ nearcache.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New names the logger "nearcache".
func New(l *zap.Logger) ZapLogger { return ZapLogger{L: l.Named("nearcache")} }

func (z ZapLogger) Debug(msg string, f nearcache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f nearcache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f nearcache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f nearcache.Fields) { z.L.Error(msg, zf(f)...) }

// zf emits fields in key order so log lines are stable.
func zf(f nearcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		switch v := f[k].(type) {
		case nil:
			// a nil error carries nothing worth a field
		case error:
			out = append(out, zap.NamedError(k, v))
		case time.Duration:
			out = append(out, zap.Duration(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
