package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONToOutput(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := New(Options{Component: "zalo-notifier", Level: "warn", Output: &buf})
	require.NoError(t, err)
	defer closer.Close()

	l.Info("dropped")
	l.Warn("kept", "task_id", "t-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "zalo-notifier", rec["service"])
	assert.Equal(t, "t-1", rec["task_id"])
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	var buf bytes.Buffer
	l, closer, err := New(Options{File: path, Output: &buf})
	require.NoError(t, err)

	l.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestCtxHelpers(t *testing.T) {
	l := Discard()
	assert.Same(t, l, FromCtx(WithCtx(context.Background(), l)))
	assert.Same(t, slog.Default(), FromCtx(context.Background()))
}

func TestGinHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Same(t, slog.Default(), From(c))

	l := Discard()
	With(c, l)
	assert.Same(t, l, From(c))
}
