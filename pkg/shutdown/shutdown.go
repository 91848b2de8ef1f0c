// Package shutdown coordinates graceful teardown of long-lived components.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// CleanupFunc is invoked once during shutdown.
type CleanupFunc func(ctx context.Context) error

// Handler collects cleanups and runs them when a termination signal arrives.
type Handler struct {
	logger   *slog.Logger
	timeout  time.Duration
	mu       sync.Mutex
	cleanups []CleanupFunc
}

// New creates a shutdown handler with an overall cleanup timeout.
func New(logger *slog.Logger, timeout time.Duration) *Handler {
	return &Handler{logger: logger, timeout: timeout}
}

// Register adds a cleanup. Cleanups run in LIFO order.
func (h *Handler) Register(fn CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, fn)
}

// RegisterNamed adds a cleanup that logs under the given component name.
func (h *Handler) RegisterNamed(name string, fn CleanupFunc) {
	h.Register(func(ctx context.Context) error {
		h.logger.Info("shutting down component", "component", name)
		if err := fn(ctx); err != nil {
			h.logger.Error("component shutdown failed", "component", name, "error", err)
			return err
		}
		return nil
	})
}

// Wait blocks until SIGINT/SIGTERM/SIGQUIT, then runs Shutdown.
func (h *Handler) Wait() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-quit
	h.logger.Info("received shutdown signal", "signal", sig.String())
	h.Shutdown()
}

// Shutdown runs all registered cleanups, newest first, bounded by the timeout.
func (h *Handler) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	cleanups := make([]CleanupFunc, len(h.cleanups))
	copy(cleanups, h.cleanups)
	h.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(cleanups))
	for i := len(cleanups) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(fn CleanupFunc) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errs <- err
			}
		}(cleanups[i])
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("graceful shutdown completed")
	case <-ctx.Done():
		h.logger.Warn("shutdown timed out, forcing exit")
	}

	close(errs)
	for err := range errs {
		h.logger.Error("cleanup error", "error", err)
	}
}
