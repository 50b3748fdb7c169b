package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func captureGlobal(t *testing.T, cfg Config) *bytes.Buffer {
	t.Helper()
	prev, prevLevel := zlog.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		zlog.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
	var buf bytes.Buffer
	InitWithWriter("order-service", cfg, &buf)
	return &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestCtxAddsTraceFields(t *testing.T) {
	buf := captureGlobal(t, Config{Level: "debug"})

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	Ctx(ctx).Info().Msg("hello")
	line := decode(t, buf)
	assert.Equal(t, "order-service", line["service"])
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), line["span_id"])
}

func TestCtxWithoutSpanFallsBackToGlobal(t *testing.T) {
	buf := captureGlobal(t, Config{Level: "info"})

	Ctx(context.Background()).Info().Msg("plain")
	line := decode(t, buf)
	assert.Equal(t, "plain", line["message"])
	assert.NotContains(t, line, "trace_id")
}

func TestWithContextLoggerIsUsed(t *testing.T) {
	buf := captureGlobal(t, Config{Level: "info"})

	ctx := WithContext(context.Background(), L().With().Str("path", "/api/orders").Logger())
	Ctx(ctx).Warn().Msg("request")
	assert.Equal(t, "/api/orders", decode(t, buf)["path"])
}

func TestLevelFiltering(t *testing.T) {
	buf := captureGlobal(t, Config{Level: "warn"})
	L().Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	buf = captureGlobal(t, Config{Level: "nonsense"})
	L().Info().Msg("kept")
	assert.NotZero(t, buf.Len(), "unknown level falls back to info")
}
