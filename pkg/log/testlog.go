package log

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
)

type tbWrapper struct {
	testing.TB
	level  dlog.LogLevel
	fields map[string]any
}

// NewTestLogger returns a dlog.Logger that writes to the given test, so that
// log output is muted unless the test fails or -v is in effect.
func NewTestLogger(t testing.TB, level dlog.LogLevel) dlog.Logger {
	return &tbWrapper{TB: t, level: level}
}

func (w *tbWrapper) StdLogger(_ dlog.LogLevel) *log.Logger {
	return log.New(io.Discard, "", 0)
}

func (w *tbWrapper) WithField(key string, value any) dlog.Logger {
	ret := tbWrapper{
		TB:     w.TB,
		level:  w.level,
		fields: make(map[string]any, len(w.fields)+1),
	}
	for k, v := range w.fields {
		ret.fields[k] = v
	}
	ret.fields[key] = value
	return &ret
}

func (w *tbWrapper) Log(level dlog.LogLevel, msg string) {
	if level > w.level {
		return
	}
	w.Helper()
	sb := strings.Builder{}
	sb.WriteString(time.Now().Format("15:04:05.0000"))
	sb.WriteString(" ")
	sb.WriteString(msg)

	if len(w.fields) > 0 {
		parts := make([]string, 0, len(w.fields))
		for k := range w.fields {
			parts = append(parts, k)
		}
		sort.Strings(parts)

		for i, k := range parts {
			if i > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%s=%#v", k, w.fields[k])
		}
	}
	w.TB.Log(sb.String())
}

type discard int

func (d discard) Helper() {
}

func (d discard) Log(_ dlog.LogLevel, _ string) {
}

func (d discard) StdLogger(_ dlog.LogLevel) *log.Logger {
	return log.New(io.Discard, "", 0)
}

func (d discard) WithField(_ string, _ any) dlog.Logger {
	return d
}

// WithDiscardingLogger returns a context that discards all log output.
func WithDiscardingLogger(ctx context.Context) context.Context {
	return dlog.WithLogger(ctx, discard(0))
}
