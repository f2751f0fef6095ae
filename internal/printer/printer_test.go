package printer

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xilenv/bbwatch/pkg/blackboard"
)

func withoutColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title for multiple suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{"First option", "Second option"})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})
}

func TestWriteError(t *testing.T) {
	withoutColor(t)

	t.Run("single suggestion", func(t *testing.T) {
		var buf bytes.Buffer
		writeError(&buf, "Redis unreachable", "dial tcp: refused", nil, []string{"Start redis"})
		assert.Equal(t, "Redis unreachable\n\ndial tcp: refused\n\nStart redis\n", buf.String())
	})

	t.Run("context is sorted and suggestions numbered", func(t *testing.T) {
		var buf bytes.Buffer
		writeError(&buf, "Title", "", map[string]string{"b": "2", "a": "1"}, []string{"x", "y"})
		out := buf.String()
		assert.Less(t, strings.Index(out, "a: 1"), strings.Index(out, "b: 2"))
		assert.Contains(t, out, "Either:\n  1. x\n  2. y\n")
	})
}

func TestChange(t *testing.T) {
	withoutColor(t)
	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	t.Run("value change", func(t *testing.T) {
		var buf bytes.Buffer
		v := &blackboard.Variable{Name: "speed", Value: 42, Unit: "km/h"}
		Change(&buf, at, "gauges", 3, blackboard.ObserveValueChanged, v)
		assert.Equal(t, "15:04:05.000 [gauges] speed (#3) value = 42 km/h\n", buf.String())
	})

	t.Run("removal omits value", func(t *testing.T) {
		var buf bytes.Buffer
		Change(&buf, at, "list", 9, blackboard.ObserveRemoveVariable, nil)
		assert.Equal(t, "15:04:05.000 [list] ? (#9) remove\n", buf.String())
	})
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "3", FormatValue(&blackboard.Variable{Value: 3}))
	assert.Equal(t, "3.25", FormatValue(&blackboard.Variable{Value: 3.25}))
	assert.Equal(t, "3.3 V", FormatValue(&blackboard.Variable{Value: 3.26, Precision: 1, Unit: "V"}))
}
