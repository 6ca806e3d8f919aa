package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTableAlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	columns := []TableColumn{{Header: "KIND", Key: "kind"}, {Header: "NAME", Key: "name"}}
	RenderTable(&buf, columns, []map[string]interface{}{
		{"kind": "display", "name": "Display 1"},
		{"kind": "microphone", "name": "\033[32mUSB\033[0m"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "KIND       NAME     ", lines[0])
	assert.Equal(t, "---------- ---------", lines[1])
	assert.Equal(t, "display    Display 1", lines[2])
	assert.Equal(t, "microphone \033[32mUSB\033[0m      ", lines[3])
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "KIND", Key: "kind"}}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}

func TestRenderTableRightAlign(t *testing.T) {
	var buf bytes.Buffer
	columns := []TableColumn{{Header: "CODEC", Key: "codec"}, {Header: "PRIORITY", Key: "priority", AlignRight: true}}
	RenderTable(&buf, columns, []map[string]interface{}{
		{"codec": "h264", "priority": 100},
		{"codec": "aac"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "h264       100", lines[2])
	assert.Equal(t, "aac           ", lines[3])
}

func TestDisplayWidthIgnoresEscapes(t *testing.T) {
	assert.Equal(t, 3, displayWidth("\033[1mabc\033[0m"))
	assert.Equal(t, 2, displayWidth("✓x"))
}
