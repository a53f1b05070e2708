// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerComponentAndError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelDebug})

	logger.WithComponent("nfq").WithError(errors.New("socket closed")).Warn("receive failed", "queue", 1000)

	line := buf.String()
	assert.Contains(t, line, "component=nfq")
	assert.Contains(t, line, `error="socket closed"`)
	assert.Contains(t, line, "queue=1000")
	assert.Contains(t, line, "level=WARN")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelError})

	logger.Info("hidden")
	logger.Error("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelInfo, JSON: true})

	logger.WithComponent("pool").Info("range bound", "first", 1003, "last", 1005)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &rec))
	assert.Equal(t, "pool", rec["component"])
	assert.Equal(t, "range bound", rec["msg"])
	assert.EqualValues(t, 1003, rec["first"])
}

func TestWithErrorNil(t *testing.T) {
	logger := New(Config{Output: &bytes.Buffer{}})
	assert.Same(t, logger, logger.WithError(nil))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{"", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"error", LevelError, true},
		{"loud", LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	var buf bytes.Buffer
	SetDefault(New(Config{Output: &buf, Level: LevelInfo}))
	WithComponent("service").Info("started")

	assert.Contains(t, buf.String(), "component=service")

	SetDefault(nil)
	assert.NotNil(t, Default())
}
