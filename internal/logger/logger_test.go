package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultText(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	l.Info("hello", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "key=value")
}

func TestNew_DebugLevel(t *testing.T) {
	var buf bytes.Buffer
	New(WithWriter(&buf), WithDebug(true)).Debug("debug msg")
	assert.Contains(t, buf.String(), "debug msg")

	buf.Reset()
	New(WithWriter(&buf), WithDebug(false)).Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	New(WithWriter(&buf), WithJSON(true)).Info("structured", "chapter", 4)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "structured", rec["msg"])
	assert.Equal(t, float64(4), rec["chapter"])
}

func TestNew_Pretty(t *testing.T) {
	var buf bytes.Buffer
	New(WithWriter(&buf), WithPretty(true)).Warn("pretty output", "tier", "shortterm")
	out := buf.String()
	assert.True(t, strings.Contains(out, "pretty output"))
	assert.Contains(t, out, "shortterm")
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing")
}
