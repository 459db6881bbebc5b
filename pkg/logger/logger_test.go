// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingletonCapture(t *testing.T) {
	var buf bytes.Buffer
	old := Get()
	defer Set(old)

	Set(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	Infow("hello", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestUnstructuredLogsDefault(t *testing.T) {
	env := func(string) string { return "" }
	assert.True(t, unstructuredLogs(env), "unset env defaults to unstructured output")

	env = func(key string) string {
		if key == "UNSTRUCTURED_LOGS" {
			return "false"
		}
		return ""
	}
	assert.False(t, unstructuredLogs(env))
}

func TestDebugLevelFromEnv(t *testing.T) {
	old := Get()
	defer Set(old)

	InitializeWithEnv(func(key string) string {
		if key == "DEBUG" {
			return "true"
		}
		return ""
	})

	assert.True(t, Get().Enabled(t.Context(), slog.LevelDebug))
}
