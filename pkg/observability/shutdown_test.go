package observability

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShutdownLogger() *Logger {
	return NewLogger(ErrorLevel, &bytes.Buffer{})
}

func TestShutdownRunsHooksInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(testShutdownLogger(), nil, time.Second)

	var order []string
	for _, name := range []string{"database", "redis", "sweeper"} {
		name := name
		sm.RegisterShutdownFunc(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"sweeper", "redis", "database"}, order)
}

func TestShutdownContinuesAfterHookError(t *testing.T) {
	sm := NewShutdownManager(testShutdownLogger(), nil, time.Second)

	var ran []string
	sm.RegisterShutdownFunc("first", func(ctx context.Context) error {
		ran = append(ran, "first")
		return nil
	})
	sm.RegisterShutdownFunc("broken", func(ctx context.Context) error {
		ran = append(ran, "broken")
		return errors.New("connection reset")
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken shutdown")
	assert.Equal(t, []string{"broken", "first"}, ran)
}

func TestShutdownTimeoutSkipsRemainingHooks(t *testing.T) {
	sm := NewShutdownManager(testShutdownLogger(), nil, 50*time.Millisecond)

	skipped := true
	sm.RegisterShutdownFunc("fast", func(ctx context.Context) error {
		skipped = false
		return nil
	})
	sm.RegisterShutdownFunc("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.True(t, skipped, "hooks after the deadline should not run")
}

func TestShutdownDrainsHTTPServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{Handler: http.NotFoundHandler()}
	served := make(chan error, 1)
	go func() { served <- server.Serve(ln) }()

	sm := NewShutdownManager(testShutdownLogger(), server, time.Second)
	require.NoError(t, sm.Shutdown())

	select {
	case err := <-served:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestDefaultTimeoutApplied(t *testing.T) {
	sm := NewShutdownManager(testShutdownLogger(), nil, 0)
	assert.Equal(t, 30*time.Second, sm.timeout)
}
