package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc releases one resource during shutdown.
type ShutdownFunc func(context.Context) error

type shutdownHook struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the HTTP server and then runs registered hooks
// in reverse registration order, so dependents stop before the things
// they depend on.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	hooks []shutdownHook
}

// NewShutdownManager creates a manager that gives the whole shutdown
// sequence at most timeout to finish. A non-positive timeout means 30s.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{logger: logger, server: server, timeout: timeout}
}

// RegisterShutdownFunc adds a named hook. Hooks run LIFO during Shutdown.
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, shutdownHook{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then runs Shutdown.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)

	sm.logger.WithField("signal", sig.String()).Info("shutdown signal received")
	return sm.Shutdown()
}

// Shutdown drains the server and runs every hook within the manager
// timeout. A failed hook does not stop later hooks; the first error is
// returned.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var firstErr error

	if sm.server != nil {
		sm.logger.Info("draining http server")
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("http server shutdown failed")
			firstErr = fmt.Errorf("http server shutdown: %w", err)
		}
	}

	sm.mu.Lock()
	hooks := make([]shutdownHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		if ctx.Err() != nil {
			sm.logger.WithField("hook", hook.name).Warn("shutdown timeout reached, skipping remaining hooks")
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown timed out before %s", hook.name)
			}
			break
		}
		if err := hook.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("hook", hook.name).Error("shutdown hook failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("%s shutdown: %w", hook.name, err)
			}
			continue
		}
		sm.logger.WithField("hook", hook.name).Debug("shutdown hook complete")
	}

	if firstErr == nil {
		sm.logger.Info("graceful shutdown complete")
	}
	return firstErr
}
