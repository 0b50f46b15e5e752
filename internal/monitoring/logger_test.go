package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    slog.Level
		wantErr bool
	}{
		{name: "", want: LevelNone},
		{name: "none", want: LevelNone},
		{name: "OFF", want: LevelNone},
		{name: "debug", want: slog.LevelDebug},
		{name: " Info ", want: slog.LevelInfo},
		{name: "warning", want: slog.LevelWarn},
		{name: "error", want: slog.LevelError},
		{name: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_DefaultIsSilent(t *testing.T) {
	t.Setenv("ENV", "")
	var buf bytes.Buffer
	logger, _, err := NewLogger(&buf, "")
	require.NoError(t, err)

	logger.Error("should not appear")
	assert.Zero(t, buf.Len())
}

func TestNewLogger_JSONWithTsKey(t *testing.T) {
	t.Setenv("ENV", "")
	var buf bytes.Buffer
	logger, _, err := NewLogger(&buf, "info")
	require.NoError(t, err)

	logger.Info("hello", "tag", "E004")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "E004", rec["tag"])
	assert.Contains(t, rec, "ts")
	assert.NotContains(t, rec, "time")
}

func TestNewLogger_LevelVarAdjustsVerbosity(t *testing.T) {
	t.Setenv("ENV", "")
	var buf bytes.Buffer
	logger, lv, err := NewLogger(&buf, "error")
	require.NoError(t, err)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	lv.Set(slog.LevelDebug)
	logger.Debug("shown")
	assert.NotZero(t, buf.Len())
}

func TestNewLogger_Development(t *testing.T) {
	t.Setenv("ENV", "development")
	var buf bytes.Buffer
	logger, _, err := NewLogger(&buf, "debug")
	require.NoError(t, err)

	logger.Info("console output")
	assert.Contains(t, buf.String(), "console output")
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, _, err := NewLogger(nil, "loud")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestPrintfLogger(t *testing.T) {
	t.Setenv("ENV", "")
	var buf bytes.Buffer
	logger, _, err := NewLogger(&buf, "info")
	require.NoError(t, err)

	pl := &PrintfLogger{Logger: logger, Prefix: "[migrate] "}
	pl.Printf("applied %d\n", 1)
	assert.Contains(t, buf.String(), "[migrate] applied 1")
	assert.False(t, pl.Verbose())
}
