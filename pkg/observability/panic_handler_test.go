package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverPanicLogsAndSwallows(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	require.NotPanics(t, func() {
		defer RecoverPanic(logger, "test hook")
		panic("boom")
	})

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "panic recovered", lines[0]["msg"])
	assert.Equal(t, "boom", lines[0]["panic"])
	assert.Equal(t, "test hook", lines[0]["where"])
	assert.NotEmpty(t, lines[0]["stack"])
}

func TestRecoverPanicNoopWithoutPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "calm")
	}()

	assert.Empty(t, buf.String())
}
