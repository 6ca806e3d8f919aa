package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	t.Cleanup(func() { InitLogger(false) })

	GetLogger().Debug("hidden")
	ComponentLogger(nil, "export").Info("shown")
	assert.False(t, IsVerbose())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "component=export")

	buf.Reset()
	InitLoggerTo(&buf, true)
	GetLogger().Debug("visible")
	assert.True(t, IsVerbose())
	assert.Contains(t, buf.String(), "visible")
}
