package logging

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, log.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, log.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, log.InfoLevel, ParseLevel(""))
	assert.Equal(t, log.InfoLevel, ParseLevel("chatty"))
}

func TestComponentAddsKey(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info")

	Component(logger, "fetcher").Info("gathered lessons", "count", 3)

	out := buf.String()
	assert.Contains(t, out, "gathered lessons")
	assert.Contains(t, out, "component=fetcher")
	assert.Contains(t, out, "count=3")
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info")

	logger.Debug("hidden")
	assert.Empty(t, buf.String())
}
