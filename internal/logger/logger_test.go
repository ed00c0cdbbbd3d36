package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Worker", "hidden %d", 1)
	assert.Empty(t, buf.String())

	l.Warn("Worker", "visible %d", 2)
	out := buf.String()
	assert.Contains(t, out, "visible 2")
	assert.Contains(t, out, "module=Worker")
}

func TestSetLevelAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("API", "dropped")
	assert.Empty(t, buf.String())

	l.SetLevel(DEBUG)
	assert.Equal(t, DEBUG, l.GetLevel())
	l.Debug("API", "kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, WARN, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "SILENT", SILENT.String())
}
