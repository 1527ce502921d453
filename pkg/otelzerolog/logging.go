// Package otelzerolog forwards zerolog output to an OpenTelemetry logger
// provider, so the coordinator logs reach the same collector as its traces.
package otelzerolog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/log"
)

//nolint:gochecknoglobals
var severities = map[zerolog.Level]log.Severity{
	zerolog.TraceLevel: log.SeverityTrace,
	zerolog.DebugLevel: log.SeverityDebug,
	zerolog.InfoLevel:  log.SeverityInfo,
	zerolog.WarnLevel:  log.SeverityWarn,
	zerolog.ErrorLevel: log.SeverityError,
	zerolog.FatalLevel: log.SeverityFatal,
	zerolog.PanicLevel: log.SeverityFatal4,
}

// OtelWriter is a zerolog.LevelWriter turning every JSON line into a log
// record.
type OtelWriter struct {
	logger log.Logger
}

// NewOtelWriter returns a writer emitting to a logger of provider named
// after the instrumentation scope.
func NewOtelWriter(provider log.LoggerProvider, scope string) *OtelWriter {
	return &OtelWriter{logger: provider.Logger(scope)}
}

// Write emits p at the level found in the line itself.
func (w *OtelWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel emits p at level. A line carrying its own level field wins over
// level.
func (w *OtelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return 0, fmt.Errorf("error decoding the log line: %w", err)
	}

	var rec log.Record

	if s, ok := fields[zerolog.LevelFieldName].(string); ok {
		if l, err := zerolog.ParseLevel(s); err == nil {
			level = l
		}

		delete(fields, zerolog.LevelFieldName)
	}

	if sev, ok := severities[level]; ok {
		rec.SetSeverity(sev)
		rec.SetSeverityText(level.String())
	}

	if msg, ok := fields[zerolog.MessageFieldName].(string); ok {
		rec.SetBody(log.StringValue(msg))

		delete(fields, zerolog.MessageFieldName)
	}

	if s, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			rec.SetTimestamp(ts)

			delete(fields, zerolog.TimestampFieldName)
		}
	}

	for k, v := range fields {
		rec.AddAttributes(log.KeyValue{Key: k, Value: toValue(v)})
	}

	w.logger.Emit(context.Background(), rec)

	return len(p), nil
}

// toValue converts a decoded JSON value. Whole numbers become integers since
// encoding/json decodes every number as a float64.
func toValue(v any) log.Value {
	switch val := v.(type) {
	case nil:
		return log.Value{}
	case bool:
		return log.BoolValue(val)
	case string:
		return log.StringValue(val)
	case float64:
		if i := int64(val); float64(i) == val {
			return log.Int64Value(i)
		}

		return log.Float64Value(val)
	case []any:
		vs := make([]log.Value, 0, len(val))
		for _, e := range val {
			vs = append(vs, toValue(e))
		}

		return log.SliceValue(vs...)
	case map[string]any:
		kvs := make([]log.KeyValue, 0, len(val))
		for k, e := range val {
			kvs = append(kvs, log.KeyValue{Key: k, Value: toValue(e)})
		}

		return log.MapValue(kvs...)
	default:
		return log.StringValue(fmt.Sprint(val))
	}
}
