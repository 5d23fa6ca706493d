package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TextRenamesErrorKey(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("text", "debug", &buf)
	require.NoError(t, err)

	logger.Debug("node failed", "node", "fetch", "error", errors.New("boom"))
	assert.Contains(t, buf.String(), "err=boom")
	assert.Contains(t, buf.String(), "node=fetch")
	assert.NotContains(t, buf.String(), "error=")
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("json", "info", &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("run finished", "step", 3)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run finished", entry["msg"])
	assert.Equal(t, float64(3), entry["step"])
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("console", "warn", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("soft failure", "node", "guard")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "soft failure")
}

func TestNew_Rejects(t *testing.T) {
	_, err := New("xml", "info", &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New("text", "loud", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), "hello")
}
